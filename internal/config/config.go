package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/router"
)

// Config represents the reframe configuration
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Workers     WorkersConfig     `yaml:"workers"`
	Routing     RoutingConfig     `yaml:"routing"`
	Quotes      QuotesConfig      `yaml:"quotes"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Supabase    SupabaseConfig    `yaml:"supabase"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	DBPath      string            `yaml:"db_path,omitempty"`
	DebugDir    string            `yaml:"debug_dir,omitempty"`

	// GeminiAPIKey is only read from the environment.
	GeminiAPIKey string `yaml:"-"`
}

// ModelConfig controls the generative model calls.
type ModelConfig struct {
	Name            string   `yaml:"name"`
	BaseURL         string   `yaml:"base_url,omitempty"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty"`
	RPM             int      `yaml:"rpm"`
	AutoRPM         bool     `yaml:"auto_rpm"`
	// Retries re-invokes a worker after upstream errors within its timeout.
	Retries int `yaml:"retries"`
}

// WorkersConfig bounds worker execution.
type WorkersConfig struct {
	Timeout            Duration            `yaml:"timeout"`
	Timeouts           map[string]Duration `yaml:"timeouts,omitempty"` // per worker kind
	RequestMargin      Duration            `yaml:"request_margin"`
	RequestDeadline    Duration            `yaml:"request_deadline,omitempty"`
	MaxConcurrency     int                 `yaml:"max_concurrency"`
	MinTranscriptRunes int                 `yaml:"min_transcript_runes"`
}

type RoutingConfig struct {
	Mode string `yaml:"mode"` // heuristic or agentic
}

type QuotesConfig struct {
	Policy string `yaml:"policy"` // pass, flag or drop
}

// PersistenceConfig selects the backend and the write policy per target.
type PersistenceConfig struct {
	Backend        string   `yaml:"backend"` // sqlite or supabase
	Analysis       string   `yaml:"analysis"`
	Themes         string   `yaml:"themes"`
	Insights       string   `yaml:"insights"`
	RequireDurable bool     `yaml:"require_durable"`
	Timeout        Duration `yaml:"timeout"`
}

type SupabaseConfig struct {
	URL         string `yaml:"url,omitempty"`
	ServiceKey  string `yaml:"-"`
	AnonKey     string `yaml:"-"`
	JWTSecret   string `yaml:"-"`
	JWTAudience string `yaml:"jwt_audience,omitempty"`
}

type ServerConfig struct {
	ListenAddr   string   `yaml:"listen_addr"`
	RatePerMin   int      `yaml:"rate_per_min"` // per authenticated user
	RateBurst    int      `yaml:"rate_burst"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// Duration is a time.Duration written as a string such as "20s" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

const (
	PolicyAwaited  = "awaited"
	PolicyDetached = "detached"

	BackendSQLite   = "sqlite"
	BackendSupabase = "supabase"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name: "gemini-2.0-flash",
			RPM:  600,
		},
		Workers: WorkersConfig{
			Timeout:            Duration(20 * time.Second),
			Timeouts:           map[string]Duration{"primary_summary": Duration(30 * time.Second)},
			RequestMargin:      Duration(5 * time.Second),
			MaxConcurrency:     analysis.NumKinds,
			MinTranscriptRunes: router.DefaultMinTranscriptRunes,
		},
		Routing: RoutingConfig{Mode: string(router.ModeHeuristic)},
		Quotes:  QuotesConfig{Policy: string(analysis.QuoteFlag)},
		Persistence: PersistenceConfig{
			Backend:  BackendSQLite,
			Analysis: PolicyAwaited,
			Themes:   PolicyDetached,
			Insights: PolicyDetached,
			Timeout:  Duration(15 * time.Second),
		},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			RatePerMin:   30,
			RateBurst:    5,
			WriteTimeout: Duration(120 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("REFRAME_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "reframe"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("REFRAME_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Reframe"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "reframe"), nil
	}

	return filepath.Join(home, ".local", "share", "reframe"), nil
}

// DefaultPath returns config.yaml in the config directory.
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file at path (the default path when empty), loads
// .env files and applies environment overrides. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")
	cfg.applyEnv()
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads the files that exist. Variables already set win.
func loadDotEnv(files ...string) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		_ = godotenv.Load(existing...)
	}
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&c.Supabase.URL, "SUPABASE_URL")
	setString(&c.Supabase.ServiceKey, "SUPABASE_SERVICE_KEY")
	setString(&c.Supabase.AnonKey, "SUPABASE_ANON_KEY")
	setString(&c.Supabase.JWTSecret, "SUPABASE_JWT_SECRET")
	setString(&c.DBPath, "REFRAME_DB_PATH")
	setString(&c.Server.ListenAddr, "REFRAME_LISTEN_ADDR")
	setString(&c.Log.Level, "REFRAME_LOG_LEVEL")
	setString(&c.DebugDir, "REFRAME_DEBUG_DIR")
	setString(&c.Persistence.Backend, "REFRAME_BACKEND")
	setString(&c.Model.Name, "REFRAME_MODEL")
	if v := os.Getenv("REFRAME_MODEL_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Model.RPM = n
		}
	}
}

// WorkerTimeout returns the timeout for a worker kind.
func (c *Config) WorkerTimeout(kind analysis.WorkerKind) time.Duration {
	if d, ok := c.Workers.Timeouts[kind.String()]; ok && d > 0 {
		return d.D()
	}
	return c.Workers.Timeout.D()
}

// Validate checks everything needed before serving a request. It reports
// every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.Model.RPM < 0 {
		errs = append(errs, errors.New("model.rpm must not be negative"))
	}
	if c.Model.Retries < 0 {
		errs = append(errs, errors.New("model.retries must not be negative"))
	}
	if c.Workers.Timeout <= 0 {
		errs = append(errs, errors.New("workers.timeout must be positive"))
	}
	for name, d := range c.Workers.Timeouts {
		if _, ok := analysis.ParseWorkerKind(name); !ok {
			errs = append(errs, fmt.Errorf("workers.timeouts: unknown worker %q", name))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("workers.timeouts.%s must be positive", name))
		}
	}
	if c.Workers.RequestMargin < 0 || c.Workers.RequestDeadline < 0 {
		errs = append(errs, errors.New("workers.request_margin and workers.request_deadline must not be negative"))
	}
	if c.Workers.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("workers.max_concurrency must be positive"))
	}
	if _, err := router.ParseMode(c.Routing.Mode); err != nil {
		errs = append(errs, fmt.Errorf("routing.mode: %w", err))
	}
	if _, err := analysis.ParseQuotePolicy(c.Quotes.Policy); err != nil {
		errs = append(errs, fmt.Errorf("quotes.policy: %w", err))
	}
	for name, p := range map[string]string{
		"analysis": c.Persistence.Analysis,
		"themes":   c.Persistence.Themes,
		"insights": c.Persistence.Insights,
	} {
		if p != PolicyAwaited && p != PolicyDetached {
			errs = append(errs, fmt.Errorf("persistence.%s: unknown policy %q", name, p))
		}
	}
	if c.Persistence.RequireDurable && c.Persistence.Analysis != PolicyAwaited {
		errs = append(errs, errors.New("persistence.require_durable needs persistence.analysis: awaited"))
	}
	switch c.Persistence.Backend {
	case BackendSQLite:
	case BackendSupabase:
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			errs = append(errs, errors.New("supabase backend requires SUPABASE_URL and SUPABASE_SERVICE_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("persistence.backend: unknown backend %q", c.Persistence.Backend))
	}
	return errors.Join(errs...)
}

// ValidateAuth checks that bearer credentials can be verified.
func (c *Config) ValidateAuth() error {
	if c.Supabase.JWTSecret == "" && (c.Supabase.URL == "" || c.Supabase.AnonKey == "") {
		return errors.New("bearer verification requires SUPABASE_JWT_SECRET or SUPABASE_URL with SUPABASE_ANON_KEY")
	}
	return nil
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
