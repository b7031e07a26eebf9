// Sokobot is a WhatsApp sales assistant daemon.
//
// It answers customer messages with an LLM-driven sales persona over a
// product catalog, escalates conversations to a human silently when
// needed, and serves an admin API for the dashboard. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	sokobot serve       Start the webhook and admin API server
//	sokobot init [dir]  Initialize a working directory with defaults
//	sokobot version     Print version and build information
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sokobot/sokobot/internal/api"
	"github.com/sokobot/sokobot/internal/bot"
	"github.com/sokobot/sokobot/internal/buildinfo"
	"github.com/sokobot/sokobot/internal/catalog"
	"github.com/sokobot/sokobot/internal/config"
	"github.com/sokobot/sokobot/internal/leads"
	"github.com/sokobot/sokobot/internal/llm"
	"github.com/sokobot/sokobot/internal/session"
	"github.com/sokobot/sokobot/internal/whatsapp"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests; the argument surface here is small enough
// that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sokobot - WhatsApp Sales Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sokobot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the webhook and admin API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/sokobot/config.yaml, /etc/sokobot/config.yaml")
	return nil
}

// runServe is the primary operating mode: load config, open the
// database, wire the pipeline, start the background jobs and the HTTP
// server, and block until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. In-flight conversation turns finish (Orchestrator.Wait)
//  4. The cron scheduler and database close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting sokobot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure now that the desired level is known; the initial
	// Info-level logger covered only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Gemini.Model)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// One SQLite database holds sessions, products, leads, and the
	// retry queue. WAL so webhook writes don't block dashboard reads.
	dbPath := filepath.Join(cfg.DataDir, "sokobot.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	logger.Info("database opened", "path", dbPath)

	sessions, err := session.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	products, err := catalog.NewStore(db)
	if err != nil {
		return fmt.Errorf("open product store: %w", err)
	}
	leadCache, err := leads.NewCache(db, logger)
	if err != nil {
		return fmt.Errorf("open lead cache: %w", err)
	}

	llmClient := llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if cfg.Gemini.APIKey == "" {
		logger.Warn("gemini api_key not configured - replying with a fixed notice")
	}

	wa := whatsapp.NewClient(cfg.WhatsApp.AccessToken, cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.APIBase, logger)

	orch, err := bot.New(bot.Config{
		Store:     sessions,
		Inventory: products,
		Business: catalog.Business{
			Name:     cfg.Business.Name,
			Currency: cfg.Business.Currency,
			Extra:    cfg.Business.Extra,
		},
		Client:       llmClient,
		Sender:       wa,
		Media:        wa,
		DB:           db,
		Logger:       logger,
		HistoryLimit: cfg.Bot.HistoryLimitOrDefault(),
		SendDelay:    cfg.Bot.SendDelayOrDefault(),
		Configured:   cfg.Gemini.APIKey != "",
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := bot.NewSweeper(orch, cfg.Bot.SweepIntervalOrDefault(), cfg.Bot.MaxQueueAgeOrDefault(), logger)
	go sweeper.Start(ctx)

	analyzer := leads.NewAnalyzer(sessions, llmClient, leadCache, cfg.Leads.BatchSize, logger)
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Leads.Schedule, func() {
		if err := analyzer.Run(context.Background(), false); err != nil {
			logger.Error("scheduled lead analysis failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid leads schedule %q: %w", cfg.Leads.Schedule, err)
	}
	sched.Start()
	defer sched.Stop()
	logger.Info("lead analyzer scheduled", "schedule", cfg.Leads.Schedule)

	server := api.NewServer(api.Config{
		Listen:       fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		VerifyToken:  cfg.WhatsApp.VerifyToken,
		Store:        sessions,
		Products:     products,
		Orchestrator: orch,
		Leads:        leadCache,
		Analyzer:     analyzer,
		Acker:        wa,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	orch.Wait()
	logger.Info("shutdown complete")
	return nil
}

// starterConfig is written by "sokobot init". Secrets come from the
// environment so the file itself can be committed.
const starterConfig = `# Sokobot configuration

listen:
  port: 8080

whatsapp:
  access_token: "${WHATSAPP_ACCESS_TOKEN}"
  phone_number_id: "${WHATSAPP_PHONE_NUMBER_ID}"
  verify_token: "${WHATSAPP_VERIFY_TOKEN}"

gemini:
  api_key: "${GEMINI_API_KEY}"
  model: "gemini-2.0-flash"

bot:
  history_limit: 20
  send_delay_ms: 800
  sweep_interval_sec: 60
  max_queue_age_hours: 24

leads:
  schedule: "0 3 * * *"
  batch_size: 20

business:
  name: "My Shop"
  currency: "KES"
  extra: ""

data_dir: "data"
log_level: "info"
`

// runInit writes a starter config.yaml and creates the data directory.
// Refuses to overwrite an existing config.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", cfgPath)
	}
	if err := os.WriteFile(cfgPath, []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	fmt.Fprintf(stdout, "Initialized %s\n", cfgPath)
	fmt.Fprintln(stdout, "Set WHATSAPP_ACCESS_TOKEN, WHATSAPP_PHONE_NUMBER_ID, WHATSAPP_VERIFY_TOKEN, and GEMINI_API_KEY before running: sokobot serve")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
