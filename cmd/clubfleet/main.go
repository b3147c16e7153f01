package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clubfleet/internal/bus"
	"github.com/basket/clubfleet/internal/config"
	"github.com/basket/clubfleet/internal/fleet"
	"github.com/basket/clubfleet/internal/gateway"
	"github.com/basket/clubfleet/internal/monitor"
	otelPkg "github.com/basket/clubfleet/internal/otel"
	"github.com/basket/clubfleet/internal/roster"
	"github.com/basket/clubfleet/internal/tasks"
	"github.com/basket/clubfleet/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the fleet controller daemon
  %s -home <dir>              Use <dir> instead of ~/.clubfleet
  %s version                  Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLUBFLEET_HOME          Data directory (default: ~/.clubfleet)

The controller reads config.yaml and the bot roster from the data
directory and serves the control API on bind_addr (default 127.0.0.1:3003).
`)
}

func main() {
	homeFlag := flag.String("home", "", "data directory (overrides CLUBFLEET_HOME)")
	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := strings.TrimSpace(*homeFlag)
	if homeDir == "" {
		var err error
		homeDir, err = config.HomeDir()
		if err != nil {
			fatalStartup(nil, "E_HOME_RESOLVE", err)
		}
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Echo logs to the console only when a human is watching; the log file
	// is the source of truth either way.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Metrics.Enabled,
		ServiceName: cfg.Metrics.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := roster.NewStore(cfg.BotsFile, cfg.MembersFile, logger)
	if err != nil {
		fatalStartup(logger, "E_ROSTER_OPEN", err)
	}

	eventBus := bus.New()
	relay := fleet.NewPromptRelay()

	registry := fleet.NewRegistry(cfg, store, eventBus, relay, logger, metrics, nil)
	if err := registry.Load(); err != nil {
		fatalStartup(logger, "E_ROSTER_LOAD", err)
	}
	logger.Info("startup phase", "phase", "roster_loaded", "bots", len(registry.Bots()))

	engine := tasks.NewEngine(cfg, registry, store, eventBus, logger, metrics)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger, cfg.BotsFile)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case filepath.Base(cfg.BotsFile):
				n, err := registry.Reload()
				if err != nil {
					logger.Error("roster reload failed", "error", err)
					break
				}
				logger.Info("roster hot-reloaded", "path", ev.Path, "bots", n)
			case "config.yaml":
				// Full config is fixed for the process lifetime; flag the
				// change so the operator knows a restart is needed.
				logger.Warn("config.yaml changed on disk; restart to apply", "path", ev.Path)
			}
		}
	}()

	mon, err := monitor.New(monitor.Config{
		Schedule: cfg.MonitorSchedule,
		Registry: registry,
		Tasks:    engine,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_MONITOR_INIT", err)
	}
	mon.Start()
	logger.Info("startup phase", "phase", "monitor_started", "schedule", cfg.MonitorSchedule)

	gw := gateway.New(gateway.Config{
		Cfg:      cfg,
		Registry: registry,
		Tasks:    engine,
		Logger:   logger,
		BaseCtx:  ctx,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s is already in use; stop the other process or change bind_addr in config.yaml", err, cfg.BindAddr)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake, let running tasks wind down at their
	// bot boundaries, then tear down the fleet connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	engine.StopAll()
	engine.Wait()
	mon.Stop()
	registry.DisconnectAll()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
