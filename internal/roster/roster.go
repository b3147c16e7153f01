// Package roster persists the bot fleet to flat JSON files. The bots file is
// the source of truth for identities; task engines write probe results back
// into it at run completion. Every write takes a timestamped backup copy of
// the previous file first.
package roster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// botSchema gates which records are considered loadable. Records missing a
// name, credential key, or endpoint reference are dropped silently at load.
const botSchema = `{
  "type": "object",
  "required": ["name", "key", "ep"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "key":  {"type": "string", "minLength": 1},
    "ep":   {"type": "string", "minLength": 1}
  }
}`

// Bot is one roster entry: immutable platform identity plus the mutable
// task-result fields owned by the registry.
type Bot struct {
	Name         string `json:"name"`
	Key          string `json:"key"`
	Endpoint     string `json:"ep"`
	GroupContext string `json:"gc"`
	Snuid        string `json:"snuid,omitempty"`
	UserID       string `json:"ui,omitempty"`

	Membership  bool   `json:"membership"`
	CanMessage  bool   `json:"message"`
	CanMic      bool   `json:"micTime"`
	LastChecked string `json:"lastChecked,omitempty"`
}

// ID derives the stable bot id used as the registry key.
func (b Bot) ID() string {
	return "bot_" + b.GroupContext
}

// Store reads and rewrites the roster files. Writes are serialized; the
// files are external shared state and only one writer may touch them at a
// time from this process.
type Store struct {
	botsPath    string
	membersPath string
	logger      *slog.Logger
	schema      *jsonschema.Schema

	mu sync.Mutex
}

// NewStore compiles the record schema and returns a store bound to the two
// roster files.
func NewStore(botsPath, membersPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(botSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal bot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("bot.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("bot.json")
	if err != nil {
		return nil, fmt.Errorf("compile bot schema: %w", err)
	}
	return &Store{
		botsPath:    botsPath,
		membersPath: membersPath,
		logger:      logger,
		schema:      schema,
	}, nil
}

// Load reads the bots file. A missing file yields an empty roster. Records
// failing schema validation are dropped, not surfaced as errors.
func (s *Store) Load() ([]Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.botsPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("roster file missing, starting empty", "path", s.botsPath)
			return nil, nil
		}
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	bots := make([]Bot, 0, len(records))
	dropped := 0
	for _, rec := range records {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rec)))
		if err != nil {
			dropped++
			continue
		}
		if err := s.schema.Validate(doc); err != nil {
			dropped++
			continue
		}
		var bot Bot
		if err := json.Unmarshal(rec, &bot); err != nil {
			dropped++
			continue
		}
		bots = append(bots, bot)
	}

	s.logger.Info("roster loaded", "path", s.botsPath, "bots", len(bots), "dropped", dropped)
	return bots, nil
}

// Save rewrites the bots file after taking a backup copy of the current one.
// A failed backup is logged and does not block the write.
func (s *Store) Save(bots []Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.botsPath, bots, true)
}

// SaveMembers rewrites the members file with the membership=true subset.
func (s *Store) SaveMembers(bots []Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]Bot, 0, len(bots))
	for _, b := range bots {
		if b.Membership {
			members = append(members, b)
		}
	}
	return s.write(s.membersPath, members, false)
}

// BotsPath returns the path of the bots file, for watchers.
func (s *Store) BotsPath() string { return s.botsPath }

func (s *Store) write(path string, bots []Bot, backup bool) error {
	if backup {
		if err := copyFile(path, fmt.Sprintf("%s.backup.%d", path, time.Now().UnixMilli())); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("roster backup failed", "path", path, "error", err)
			}
		}
	}

	raw, err := json.MarshalIndent(bots, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	s.logger.Info("roster saved", "path", path, "bots", len(bots))
	return nil
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o644)
}
