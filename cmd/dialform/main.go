// DialForm is a conversational form intake service: operators define form
// templates, and an LLM-driven agent fills them over phone calls, chat, or
// WhatsApp.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dialform/dialform/internal/api"
	"github.com/dialform/dialform/internal/flow"
	"github.com/dialform/dialform/internal/genai"
	"github.com/dialform/dialform/internal/lockfile"
	"github.com/dialform/dialform/internal/store"
	"github.com/dialform/dialform/internal/twiliovoice"
	"github.com/dialform/dialform/internal/util"
	"github.com/joho/godotenv"
)

// defaultStateDir is used when DIALFORM_STATE_DIR is not set.
const defaultStateDir = "/var/lib/dialform"

// Config carries the resolved runtime configuration. Flags override
// environment variables.
type Config struct {
	Addr             string
	DatabaseDSN      string
	StateDir         string
	BaseURL          string
	OpenAIKey        string
	OpenAIModel      string
	SystemPromptFile string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	Debug            bool
}

// loadConfig resolves configuration from flags and the environment.
func loadConfig(args []string) (*Config, error) {
	cfg := &Config{
		Addr:             getenvDefault("DIALFORM_API_ADDR", api.DefaultAddr),
		DatabaseDSN:      os.Getenv("DIALFORM_DATABASE_URL"),
		StateDir:         getenvDefault("DIALFORM_STATE_DIR", defaultStateDir),
		BaseURL:          os.Getenv("DIALFORM_BASE_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		SystemPromptFile: os.Getenv("DIALFORM_SYSTEM_PROMPT_FILE"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		Debug:            util.ParseBoolEnv("DIALFORM_DEBUG", false),
	}

	fs := flag.NewFlagSet("dialform", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "API listen address")
	fs.StringVar(&cfg.DatabaseDSN, "db", cfg.DatabaseDSN, "database DSN (Postgres URL or SQLite file path)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for the default SQLite database")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "public base URL for Twilio webhooks")
	fs.StringVar(&cfg.SystemPromptFile, "system-prompt", cfg.SystemPromptFile, "path to the conversation system prompt file")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = filepath.Join(cfg.StateDir, "dialform.db")
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openStore selects the backend from the DSN shape.
func openStore(cfg *Config) (store.Store, error) {
	switch store.DetectDSNType(cfg.DatabaseDSN) {
	case "postgres":
		slog.Info("Using Postgres store")
		return store.NewPostgresStore(store.WithPostgresDSN(cfg.DatabaseDSN))
	default:
		slog.Info("Using SQLite store", "path", cfg.DatabaseDSN)
		return store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DatabaseDSN))
	}
}

func run(args []string) error {
	// A missing .env file is fine; the environment may be set elsewhere.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set")
	}

	// SQLite tolerates only one writer, so lock the state directory.
	if store.DetectDSNType(cfg.DatabaseDSN) == "sqlite" {
		lock, err := lockfile.Acquire(filepath.Dir(cfg.DatabaseDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	var calls twiliovoice.CallService
	if cfg.TwilioSID != "" && cfg.TwilioToken != "" && cfg.TwilioFrom != "" {
		client, err := twiliovoice.NewClient(
			twiliovoice.WithAccountSID(cfg.TwilioSID),
			twiliovoice.WithAuthToken(cfg.TwilioToken),
			twiliovoice.WithFromNumber(cfg.TwilioFrom),
		)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		calls = client
	} else {
		slog.Warn("Twilio credentials not set; outbound calling and WhatsApp are disabled")
	}

	intake := flow.NewIntakeService(st, genaiClient, cfg.SystemPromptFile)
	server := api.NewServer(st, intake, calls,
		api.WithAddr(cfg.Addr),
		api.WithBaseURL(cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("DialForm exited with error", "error", err)
		os.Exit(1)
	}
}
