package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/llm"
	"github.com/Napageneral/reframe/internal/workers"
)

var (
	errAbandoned    = errors.New("request deadline reached before worker finished")
	errEmptyOutcome = errors.New("worker returned neither payload nor reason")
)

// requestDeadline bounds the whole fan-out.
func (o *Orchestrator) requestDeadline(tasks []analysis.WorkerTask) time.Duration {
	if o.cfg.RequestDeadline > 0 {
		return o.cfg.RequestDeadline
	}
	total := o.cfg.RequestMargin
	for _, t := range tasks {
		total += t.Timeout
	}
	return total
}

// invoke runs every task concurrently and returns one outcome per task, in
// task order. Tasks still running at the request deadline are reported as
// timeouts and canceled.
func (o *Orchestrator) invoke(ctx context.Context, tasks []analysis.WorkerTask) []analysis.WorkerOutcome {
	if len(tasks) == 0 {
		return nil
	}
	invokeCtx, cancel := context.WithTimeout(ctx, o.requestDeadline(tasks))
	defer cancel()

	limit := o.cfg.MaxConcurrency
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}

	// Buffered so finished tasks never block on an abandoned collector.
	results := make(chan analysis.WorkerOutcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(limit)
	go func() {
		for _, t := range tasks {
			if invokeCtx.Err() != nil {
				return
			}
			g.Go(func() error {
				results <- o.runTask(invokeCtx, t)
				return nil
			})
		}
	}()

	got := make(map[analysis.WorkerKind]analysis.WorkerOutcome, len(tasks))
	collect := func(out analysis.WorkerOutcome) {
		got[out.Kind] = out
		o.observe(ctx, out)
	}
wait:
	for len(got) < len(tasks) {
		select {
		case out := <-results:
			collect(out)
		case <-invokeCtx.Done():
			break wait
		}
	}
	// Keep results that landed together with the deadline.
drain:
	for len(got) < len(tasks) {
		select {
		case out := <-results:
			collect(out)
		default:
			break drain
		}
	}

	outcomes := make([]analysis.WorkerOutcome, 0, len(tasks))
	for _, t := range tasks {
		out, ok := got[t.Kind]
		if !ok {
			out = analysis.Failure(t.Kind, llm.ReasonTimeout, errAbandoned)
			o.observe(ctx, out)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// runTask invokes one worker under its own timeout, retrying upstream
// failures while the timeout allows.
func (o *Orchestrator) runTask(ctx context.Context, t analysis.WorkerTask) analysis.WorkerOutcome {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var out analysis.WorkerOutcome
	w := o.deps.Workers.Get(t.Kind)
	if w == nil {
		out = analysis.Failure(t.Kind, llm.ReasonUpstreamError, fmt.Errorf("no worker registered for %s", t.Kind))
	} else {
		for attempt := 1; ; attempt++ {
			out = invokeOnce(taskCtx, w, t)
			out.Attempts = attempt
			if out.OK() || !retryable(out.Reason) || attempt > o.cfg.Retries || taskCtx.Err() != nil {
				break
			}
			o.logger.DebugContext(ctx, "retrying worker", "kind", t.Kind.String(), "attempt", attempt, "reason", string(out.Reason))
		}
	}
	out.Kind = t.Kind
	out.Duration = time.Since(start)
	return out
}

// invokeOnce returns when the worker does or when ctx ends, whichever is
// first, so a worker that ignores its context cannot hold up the request.
func invokeOnce(ctx context.Context, w workers.Worker, t analysis.WorkerTask) analysis.WorkerOutcome {
	ch := make(chan analysis.WorkerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- analysis.Failure(t.Kind, llm.ReasonUpstreamError, fmt.Errorf("%s worker panic: %v", t.Kind, r))
			}
		}()
		ch <- w.Invoke(ctx, t.Input)
	}()

	select {
	case out := <-ch:
		if !out.OK() && out.Reason == "" {
			return analysis.Failure(t.Kind, llm.ReasonUpstreamError, errEmptyOutcome)
		}
		if out.OK() && out.Kind != t.Kind {
			return analysis.Failure(t.Kind, llm.ReasonSchemaValidationFailed, fmt.Errorf("worker for %s returned %s payload", t.Kind, out.Kind))
		}
		return out
	case <-ctx.Done():
		return analysis.Failure(t.Kind, llm.ReasonTimeout, ctx.Err())
	}
}

func retryable(r llm.Reason) bool {
	return r == llm.ReasonUpstreamError || r == llm.ReasonUpstreamUnavailable
}

// observe logs and records one collected outcome.
func (o *Orchestrator) observe(ctx context.Context, out analysis.WorkerOutcome) {
	outcome := "success"
	if !out.OK() {
		outcome = string(out.Reason)
		o.logger.WarnContext(ctx, "worker failed",
			"kind", out.Kind.String(),
			"reason", outcome,
			"attempts", out.Attempts,
			"duration_ms", out.Duration.Milliseconds(),
			"error", out.Err,
		)
	} else {
		o.logger.DebugContext(ctx, "worker finished",
			"kind", out.Kind.String(),
			"attempts", out.Attempts,
			"duration_ms", out.Duration.Milliseconds(),
		)
	}
	o.metrics.WorkerFinished(out.Kind.String(), outcome, out.Attempts, out.Duration)
}
