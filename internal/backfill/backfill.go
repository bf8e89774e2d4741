// Package backfill queues journal entries that have no stored analysis and
// drains the queue through the orchestrator.
package backfill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Napageneral/taskengine/engine"
	"github.com/Napageneral/taskengine/queue"

	"github.com/Napageneral/reframe/internal/bus"
	"github.com/Napageneral/reframe/internal/orchestrator"
	"github.com/Napageneral/reframe/internal/store"
)

const JobTypeAnalyze = "analyze"

// Analyzer is satisfied by *orchestrator.Orchestrator.
type Analyzer interface {
	AnalyzeTrusted(ctx context.Context, ownerID, entryID string) (*orchestrator.Response, error)
}

// EntryLister is satisfied by *store.SQLiteStore.
type EntryLister interface {
	ListUnanalyzed(ctx context.Context, limit int) ([]store.EntryRef, error)
}

type Config struct {
	WorkerCount int
	// Limit caps how many entries one Enqueue call picks up.
	Limit int
}

func DefaultConfig() Config {
	return Config{
		WorkerCount: 4,
		Limit:       500,
	}
}

// JobPayload is the queued job body.
type JobPayload struct {
	EntryID string `json:"entry_id"`
	OwnerID string `json:"owner_id"`
}

type Runner struct {
	db       *sql.DB
	queue    *queue.Queue
	engine   *engine.Engine
	entries  EntryLister
	analyzer Analyzer
	cfg      Config
	logger   *slog.Logger
}

// New initializes the job queue schema on db and registers the analyze
// handler.
func New(db *sql.DB, entries EntryLister, analyzer Analyzer, cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := queue.Init(db); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}

	q := queue.New(db)
	engineCfg := engine.DefaultConfig()
	engineCfg.WorkerCount = cfg.WorkerCount
	engineCfg.LeaseOwner = "reframe-backfill"

	r := &Runner{
		db:       db,
		queue:    q,
		engine:   engine.New(q, engineCfg),
		entries:  entries,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
	}
	r.engine.RegisterHandler(JobTypeAnalyze, r.handleAnalyze)
	return r, nil
}

// Enqueue queues one analyze job per unanalyzed entry and returns how many
// were queued. Jobs are keyed by entry so repeated calls do not duplicate
// work already in the queue.
func (r *Runner) Enqueue(ctx context.Context) (int, error) {
	refs, err := r.entries.ListUnanalyzed(ctx, r.cfg.Limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ref := range refs {
		if err := r.queue.Enqueue(queue.EnqueueOptions{
			Type:    JobTypeAnalyze,
			Key:     "analyze:" + ref.ID,
			Payload: JobPayload{EntryID: ref.ID, OwnerID: ref.OwnerID},
		}); err != nil {
			r.logger.WarnContext(ctx, "failed to enqueue entry", "entry_id", ref.ID, "error", err)
			continue
		}
		if err := bus.Emit(ctx, r.db, bus.TypeBackfillQueued, ref.ID, map[string]string{"owner_id": ref.OwnerID}); err != nil {
			r.logger.WarnContext(ctx, "failed to record backfill event", "entry_id", ref.ID, "error", err)
		}
		count++
	}
	r.logger.InfoContext(ctx, "backfill queued", "count", count, "candidates", len(refs))
	return count, nil
}

// Run processes queued jobs until the queue is drained or ctx ends.
func (r *Runner) Run(ctx context.Context) (*engine.Stats, error) {
	return r.engine.Run(ctx)
}

// QueueStats reports the current queue depth.
func (r *Runner) QueueStats() (*queue.Stats, error) {
	return r.queue.GetStats()
}

func (r *Runner) handleAnalyze(ctx context.Context, job *queue.Job) error {
	return r.analyzePayload(ctx, []byte(job.PayloadJSON))
}

func (r *Runner) analyzePayload(ctx context.Context, payload []byte) error {
	var p JobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode analyze payload: %w", err)
	}
	if p.EntryID == "" || p.OwnerID == "" {
		return fmt.Errorf("analyze payload missing entry or owner")
	}

	resp, err := r.analyzer.AnalyzeTrusted(ctx, p.OwnerID, p.EntryID)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", p.EntryID, err)
	}
	r.logger.DebugContext(ctx, "backfilled entry",
		"entry_id", p.EntryID,
		"processing_time_ms", resp.ProcessingTimeMS,
	)
	return nil
}
