// Package orchestrator runs one analysis request end to end: authenticate,
// load the entry, route, fan out to workers, merge and persist.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/auth"
	"github.com/Napageneral/reframe/internal/llm"
	"github.com/Napageneral/reframe/internal/logging"
	"github.com/Napageneral/reframe/internal/store"
	"github.com/Napageneral/reframe/internal/workers"
)

// State is a step of the per-request state machine.
type State int

const (
	StateAuthenticating State = iota
	StateLoadingContext
	StateRouting
	StateInvoking
	StateMerging
	StatePersisting
	StateResponding
	StateResponded
	StateFailed
)

var stateNames = [...]string{
	StateAuthenticating: "authenticating",
	StateLoadingContext: "loading_context",
	StateRouting:        "routing",
	StateInvoking:       "invoking",
	StateMerging:        "merging",
	StatePersisting:     "persisting",
	StateResponding:     "responding",
	StateResponded:      "responded",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Router picks the workers for an entry.
type Router interface {
	Decide(ctx context.Context, entry analysis.JournalEntry) analysis.KindSet
}

// WorkerSet resolves a kind to its worker. *workers.Registry satisfies it.
type WorkerSet interface {
	Get(kind analysis.WorkerKind) workers.Worker
}

// Readiness reports whether the model can be called. *llm.Client satisfies it.
type Readiness interface {
	Ready() error
}

// Metrics receives per-request observations.
type Metrics interface {
	WorkerFinished(kind, outcome string, attempts int, d time.Duration)
	RequestFinished(outcome string, d time.Duration)
	PersistFinished(target string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) WorkerFinished(string, string, int, time.Duration) {}
func (nopMetrics) RequestFinished(string, time.Duration)             {}
func (nopMetrics) PersistFinished(string, bool)                      {}

// Deps are the collaborators of an Orchestrator. Auth may be nil when only
// AnalyzeTrusted is used.
type Deps struct {
	Auth    auth.Authenticator
	Store   store.Store
	Router  Router
	Workers WorkerSet
	Model   Readiness
	Metrics Metrics
	Logger  *slog.Logger
}

// Request is one analyze-entry call.
type Request struct {
	EntryID    string
	Transcript string
	OwnerID    string
	Bearer     string
}

// WorkerReport summarizes one worker run.
type WorkerReport struct {
	Kind     string `json:"kind"`
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	Duration int64  `json:"duration_ms"`
}

// Response is the merged analysis plus the processing time.
type Response struct {
	analysis.MergedAnalysis
	ProcessingTimeMS int64 `json:"processing_time_ms"`

	Workers []WorkerReport `json:"-"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics Metrics

	quotePolicy atomic.Value // analysis.QuotePolicy

	pendingMu sync.Mutex
	draining  bool // set by Drain; detached writes run inline afterwards
	pending   sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	policy := cfg.QuotePolicy
	if policy == "" {
		policy = analysis.QuoteFlag
	}
	o.quotePolicy.Store(policy)
	return o
}

// SetQuotePolicy changes the quote policy for subsequent merges.
func (o *Orchestrator) SetQuotePolicy(p analysis.QuotePolicy) { o.quotePolicy.Store(p) }

func (o *Orchestrator) QuotePolicy() analysis.QuotePolicy {
	return o.quotePolicy.Load().(analysis.QuotePolicy)
}

// Drain waits for detached persistence writes to finish or ctx to end.
// Requests still running after Drain starts write inline instead of
// detaching, so nothing is added to the wait group while it is waited on.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.pendingMu.Lock()
	o.draining = true
	o.pendingMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run tracks one request through the state machine.
type run struct {
	o     *Orchestrator
	start time.Time
	state State
}

func (r *run) enter(ctx context.Context, s State) {
	r.state = s
	r.o.logger.DebugContext(ctx, "analysis state", "state", s.String())
}

func (r *run) fail(ctx context.Context, err *Error) (*Response, error) {
	from := r.state
	r.enter(ctx, StateFailed)
	r.o.metrics.RequestFinished(string(err.Kind), time.Since(r.start))
	if err.Kind == KindInternal {
		r.o.logger.ErrorContext(ctx, "analysis failed", "state", from.String(), "error", err)
	} else {
		r.o.logger.InfoContext(ctx, "analysis rejected", "state", from.String(), "kind", string(err.Kind), "error", err)
	}
	return nil, err
}

// Analyze authenticates the caller and analyzes one of their entries.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (*Response, error) {
	r := &run{o: o, start: time.Now()}
	r.enter(ctx, StateAuthenticating)
	if o.deps.Auth == nil {
		return r.fail(ctx, internal("no authenticator configured", nil))
	}
	principal, err := o.deps.Auth.Authenticate(ctx, req.Bearer)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			return r.fail(ctx, authError(err))
		}
		return r.fail(ctx, internal("authenticate", err))
	}
	ctx = logging.WithAttrs(ctx, "user_id", principal.UserID)

	entryID := strings.TrimSpace(req.EntryID)
	if entryID == "" {
		return r.fail(ctx, badRequest("entryId is required"))
	}
	// Asking for someone else's entry looks the same as asking for a
	// missing one.
	if req.OwnerID != "" && req.OwnerID != principal.UserID {
		return r.fail(ctx, notFound(entryID, nil))
	}
	return o.analyze(ctx, r, principal.UserID, entryID, req.Transcript)
}

// AnalyzeTrusted analyzes an entry on behalf of its owner without a
// credential. Used by backfill and the CLI.
func (o *Orchestrator) AnalyzeTrusted(ctx context.Context, ownerID, entryID string) (*Response, error) {
	r := &run{o: o, start: time.Now(), state: StateLoadingContext}
	ctx = logging.WithAttrs(ctx, "user_id", ownerID)
	if strings.TrimSpace(entryID) == "" || strings.TrimSpace(ownerID) == "" {
		return r.fail(ctx, badRequest("entry and owner are required"))
	}
	return o.analyze(ctx, r, ownerID, entryID, "")
}

func (o *Orchestrator) analyze(ctx context.Context, r *run, ownerID, entryID, transcript string) (*Response, error) {
	ctx = logging.WithAttrs(ctx, "entry_id", entryID)

	r.enter(ctx, StateLoadingContext)
	entry, err := o.deps.Store.GetEntry(ctx, ownerID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return r.fail(ctx, notFound(entryID, err))
	}
	if err != nil {
		return r.fail(ctx, internal("load entry", err))
	}
	// The capture flow may not have stored the transcript yet.
	if strings.TrimSpace(entry.Transcript) == "" && strings.TrimSpace(transcript) != "" {
		entry.Transcript = transcript
	}
	principles, err := o.deps.Store.GetPrinciples(ctx, ownerID)
	if err != nil {
		o.logger.WarnContext(ctx, "load principles failed, continuing without", "error", err)
		principles = nil
	}

	if o.deps.Model != nil {
		if err := o.deps.Model.Ready(); err != nil {
			return r.fail(ctx, internal("model unavailable", err))
		}
	}

	r.enter(ctx, StateRouting)
	kinds := o.deps.Router.Decide(ctx, entry)
	o.logger.DebugContext(ctx, "routed", "workers", kinds.String())

	r.enter(ctx, StateInvoking)
	invokeCtx := ctx
	if o.cfg.DebugDir != "" {
		invokeCtx = llm.WithDebug(ctx, llm.DebugConfig{Dir: o.cfg.DebugDir, Scope: entryID})
	}
	input := entry.Input(principles)
	tasks := make([]analysis.WorkerTask, 0, kinds.Len())
	for _, kind := range kinds.Kinds() {
		tasks = append(tasks, analysis.WorkerTask{Kind: kind, Input: input, Timeout: o.cfg.timeout(kind)})
	}
	outcomes := o.invoke(invokeCtx, tasks)
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, internal("request canceled", err))
	}

	r.enter(ctx, StateMerging)
	merged := analysis.Merge(outcomes, analysis.MergeOptions{
		Transcript:  entry.Transcript,
		QuotePolicy: o.QuotePolicy(),
	})

	r.enter(ctx, StatePersisting)
	if err := o.persist(ctx, ownerID, entryID, merged); err != nil {
		return r.fail(ctx, internal("persist analysis", err))
	}

	r.enter(ctx, StateResponding)
	elapsed := time.Since(r.start)
	resp := &Response{
		MergedAnalysis:   merged,
		ProcessingTimeMS: elapsed.Milliseconds(),
		Workers:          reports(outcomes),
	}
	r.enter(ctx, StateResponded)
	o.metrics.RequestFinished("ok", elapsed)
	o.logger.InfoContext(ctx, "analysis complete",
		"workers", kinds.String(),
		"failed", failedCount(outcomes),
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

func reports(outcomes []analysis.WorkerOutcome) []WorkerReport {
	out := make([]WorkerReport, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, WorkerReport{
			Kind:     o.Kind.String(),
			OK:       o.OK(),
			Reason:   string(o.Reason),
			Attempts: o.Attempts,
			Duration: o.Duration.Milliseconds(),
		})
	}
	return out
}

func failedCount(outcomes []analysis.WorkerOutcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}
