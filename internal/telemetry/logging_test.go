package telemetry_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clubfleet/internal/telemetry"
)

func TestNewLogger_WritesJSONAndRedacts(t *testing.T) {
	home := t.TempDir()

	logger, closer, err := telemetry.NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("bot connected", "bot_id", "bot_7", "key", "super-secret-credential", "auth_token", "tok-123")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	body := string(raw)
	if strings.Contains(body, "super-secret-credential") || strings.Contains(body, "tok-123") {
		t.Fatalf("credentials leaked into log: %s", body)
	}
	if !strings.Contains(body, "[REDACTED]") {
		t.Fatalf("redaction marker missing: %s", body)
	}
	if !strings.Contains(body, `"bot_id":"bot_7"`) {
		t.Fatalf("ordinary attrs lost: %s", body)
	}
	if !strings.Contains(body, `"timestamp"`) {
		t.Fatalf("timestamp key not renamed: %s", body)
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("invisible")
	logger.Warn("visible")
	_ = closer.Close()

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "invisible") {
		t.Fatal("debug record written at warn level")
	}
	if !strings.Contains(string(raw), "visible") {
		t.Fatal("warn record missing")
	}
}
