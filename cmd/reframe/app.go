package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/auth"
	"github.com/Napageneral/reframe/internal/config"
	"github.com/Napageneral/reframe/internal/db"
	"github.com/Napageneral/reframe/internal/gemini"
	"github.com/Napageneral/reframe/internal/llm"
	"github.com/Napageneral/reframe/internal/logging"
	"github.com/Napageneral/reframe/internal/metrics"
	"github.com/Napageneral/reframe/internal/orchestrator"
	"github.com/Napageneral/reframe/internal/router"
	"github.com/Napageneral/reframe/internal/store"
	"github.com/Napageneral/reframe/internal/supabase"
	"github.com/Napageneral/reframe/internal/workers"
)

// app holds everything a command needs to run analyses.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	gemini  *gemini.Client
	router  *router.Router
	store   store.Store
	sqlite  *store.SQLiteStore // nil with the supabase backend
	db      *sql.DB
	metrics *metrics.Metrics
	rpm     *gemini.AutoRPMController
	orch    *orchestrator.Orchestrator
}

type appOptions struct {
	// withAuth builds the bearer authenticator chain.
	withAuth bool
	// debugDir overrides the configured prompt/response dump directory.
	debugDir string
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.debugDir != "" {
		cfg.DebugDir = opts.debugDir
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	// a.rpm is nil unless auto_rpm is on; Observe is nil-safe.
	a.gemini = newGeminiClient(cfg, func(err error) { a.rpm.Observe(err) })
	a.metrics.RegisterUsage(a.gemini.GetUsageStats)
	if cfg.Model.AutoRPM {
		limits := gemini.DefaultRPMLimits()
		if cfg.Model.RPM > 0 {
			limits.Max = cfg.Model.RPM
			limits.Start = min(limits.Start, cfg.Model.RPM)
		}
		a.rpm = gemini.NewAutoRPMController(limits, a.gemini.SetRPM)
		a.rpm.Start(ctx)
	}

	model := llm.NewClient(a.gemini, cfg.Model.Name)
	wopts := workers.Options{
		Temperature:     cfg.Model.Temperature,
		MaxOutputTokens: cfg.Model.MaxOutputTokens,
	}
	mode, err := router.ParseMode(cfg.Routing.Mode)
	if err != nil {
		return err
	}
	a.router = router.New(router.Options{
		Mode:               mode,
		MinTranscriptRunes: cfg.Workers.MinTranscriptRunes,
		Classifier:         workers.NewClassifier(model, wopts),
		Logger:             a.logger.Logger,
	})

	if err := a.openStore(); err != nil {
		return err
	}

	var authn auth.Authenticator
	if opts.withAuth {
		if authn, err = buildAuth(cfg); err != nil {
			return err
		}
	}

	ocfg, err := orchestrator.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	a.orch = orchestrator.New(ocfg, orchestrator.Deps{
		Auth:    authn,
		Store:   a.store,
		Router:  a.router,
		Workers: workers.NewRegistry(model, wopts),
		Model:   model,
		Metrics: a.metrics,
		Logger:  a.logger.Logger,
	})
	return nil
}

// newGeminiClient sends one request per model call; model.retries in the
// orchestrator is the only retry policy.
func newGeminiClient(cfg *config.Config, observe func(error)) *gemini.Client {
	return gemini.NewClient(gemini.Options{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.Model.BaseURL,
		RPM:     cfg.Model.RPM,
		Observe: observe,
	})
}

func (a *app) openStore() error {
	cfg := a.cfg
	switch cfg.Persistence.Backend {
	case config.BackendSupabase:
		client, err := supabase.New(supabase.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.ServiceKey})
		if err != nil {
			return fmt.Errorf("supabase client: %w", err)
		}
		a.store = store.NewSupabase(client)
	default:
		path, err := dbPath(cfg)
		if err != nil {
			return err
		}
		if a.db, err = db.Init(path); err != nil {
			return err
		}
		a.sqlite = store.NewSQLite(a.db)
		a.store = a.sqlite
	}
	return nil
}

// requireSQLite reports the local store for commands that only work on it.
func (a *app) requireSQLite() (*store.SQLiteStore, error) {
	if a.sqlite == nil {
		return nil, errors.New("this command requires persistence.backend: sqlite")
	}
	return a.sqlite, nil
}

func buildAuth(cfg *config.Config) (auth.Authenticator, error) {
	if err := cfg.ValidateAuth(); err != nil {
		return nil, err
	}
	var chain auth.Chain
	if cfg.Supabase.JWTSecret != "" {
		chain = append(chain, auth.NewJWTAuthenticator(cfg.Supabase.JWTSecret, cfg.Supabase.JWTAudience))
	}
	if cfg.Supabase.URL != "" && cfg.Supabase.AnonKey != "" {
		client, err := supabase.New(supabase.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.AnonKey})
		if err != nil {
			return nil, fmt.Errorf("supabase auth client: %w", err)
		}
		chain = append(chain, auth.NewSupabaseAuthenticator(client))
	}
	return chain, nil
}

// openLocal opens the local database without building the model stack, for
// commands that only read or write stored entries.
func openLocal() (*store.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	path, err := dbPath(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Init(path)
	if err != nil {
		return nil, err
	}
	return store.NewSQLite(conn), nil
}

func dbPath(cfg *config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	return db.GetPath()
}

// applyReload pushes the hot-reloadable settings into the running app.
func (a *app) applyReload(c *config.Config) {
	if err := a.logger.SetLevel(c.Log.Level); err != nil {
		a.logger.Warn("ignoring log level", "level", c.Log.Level, "error", err)
	}
	if p, err := analysis.ParseQuotePolicy(c.Quotes.Policy); err == nil {
		a.orch.SetQuotePolicy(p)
	} else {
		a.logger.Warn("ignoring quote policy", "error", err)
	}
	if m, err := router.ParseMode(c.Routing.Mode); err == nil {
		a.router.SetMode(m)
	} else {
		a.logger.Warn("ignoring routing mode", "error", err)
	}
}

// Close waits for detached writes and releases resources.
func (a *app) Close() {
	if a.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Persistence.Timeout.D()+5*time.Second)
		if err := a.orch.Drain(ctx); err != nil {
			a.logger.Warn("detached writes still pending at exit", "error", err)
		}
		cancel()
	}
	if a.db != nil {
		a.db.Close()
	}
	a.logger.Close()
}
