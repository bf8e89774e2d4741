package orchestrator

import (
	"time"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/config"
)

// Policy says whether a persistence write is awaited before responding or
// detached from the request.
type Policy string

const (
	PolicyAwaited  Policy = config.PolicyAwaited
	PolicyDetached Policy = config.PolicyDetached
)

// PersistPolicy names the write policy of each persistence target.
type PersistPolicy struct {
	Analysis Policy
	Themes   Policy
	Insights Policy
	// RequireDurable turns a failed awaited analysis write into a request
	// failure.
	RequireDurable bool
	// Timeout bounds each write.
	Timeout time.Duration
}

// Config holds the orchestrator's execution settings.
type Config struct {
	// Timeouts per worker kind. Zero entries use DefaultTimeout.
	Timeouts       [analysis.NumKinds]time.Duration
	DefaultTimeout time.Duration
	// RequestDeadline bounds the whole fan-out. Zero means the sum of the
	// routed workers' timeouts plus RequestMargin.
	RequestDeadline time.Duration
	RequestMargin   time.Duration
	MaxConcurrency  int
	// Retries re-invokes a worker after upstream_error or
	// upstream_unavailable, within the same timeout.
	Retries     int
	QuotePolicy analysis.QuotePolicy
	Persist     PersistPolicy
	DebugDir    string
}

// DefaultConfig returns settings matching config.Default.
func DefaultConfig() Config {
	cfg, _ := ConfigFrom(config.Default())
	return cfg
}

// ConfigFrom derives orchestrator settings from the loaded configuration.
func ConfigFrom(c *config.Config) (Config, error) {
	policy, err := analysis.ParseQuotePolicy(c.Quotes.Policy)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DefaultTimeout:  c.Workers.Timeout.D(),
		RequestDeadline: c.Workers.RequestDeadline.D(),
		RequestMargin:   c.Workers.RequestMargin.D(),
		MaxConcurrency:  c.Workers.MaxConcurrency,
		Retries:         c.Model.Retries,
		QuotePolicy:     policy,
		Persist: PersistPolicy{
			Analysis:       Policy(c.Persistence.Analysis),
			Themes:         Policy(c.Persistence.Themes),
			Insights:       Policy(c.Persistence.Insights),
			RequireDurable: c.Persistence.RequireDurable,
			Timeout:        c.Persistence.Timeout.D(),
		},
		DebugDir: c.DebugDir,
	}
	for _, kind := range analysis.AllKinds() {
		cfg.Timeouts[kind] = c.WorkerTimeout(kind)
	}
	return cfg, nil
}

func (c Config) timeout(kind analysis.WorkerKind) time.Duration {
	if kind.Valid() && c.Timeouts[kind] > 0 {
		return c.Timeouts[kind]
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 20 * time.Second
}

func (c Config) persistTimeout() time.Duration {
	if c.Persist.Timeout > 0 {
		return c.Persist.Timeout
	}
	return 15 * time.Second
}
