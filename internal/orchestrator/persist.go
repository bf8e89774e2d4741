package orchestrator

import (
	"context"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/store"
)

type persistWrite struct {
	target string
	policy Policy
	fn     func(context.Context) error
}

// persist writes the analysis, its themes and its insights according to
// the per-target policy. Only a failed awaited analysis write under
// RequireDurable is returned; every other failure is logged.
func (o *Orchestrator) persist(ctx context.Context, ownerID, entryID string, merged analysis.MergedAnalysis) error {
	p := o.cfg.Persist
	writes := []persistWrite{
		{store.TargetAnalysis, p.Analysis, func(ctx context.Context) error {
			return o.deps.Store.SaveAnalysis(ctx, ownerID, entryID, merged)
		}},
		{store.TargetThemes, p.Themes, func(ctx context.Context) error {
			return o.deps.Store.InsertThemes(ctx, ownerID, entryID, merged.ThemeNames())
		}},
		{store.TargetInsights, p.Insights, func(ctx context.Context) error {
			return o.deps.Store.UpsertInsights(ctx, ownerID, entryID, merged.Insights())
		}},
	}
	for _, w := range writes {
		if w.policy == PolicyDetached {
			o.detach(ctx, w)
			continue
		}
		err := o.write(ctx, w)
		if err != nil && w.target == store.TargetAnalysis && p.RequireDurable {
			return err
		}
	}
	return nil
}

// detach runs w after the request returns. The write keeps the request's
// log attributes but not its cancellation. Once draining, w runs inline.
func (o *Orchestrator) detach(ctx context.Context, w persistWrite) {
	dctx := context.WithoutCancel(ctx)
	o.pendingMu.Lock()
	if o.draining {
		o.pendingMu.Unlock()
		o.write(dctx, w)
		return
	}
	o.pending.Add(1)
	o.pendingMu.Unlock()
	go func() {
		defer o.pending.Done()
		o.write(dctx, w)
	}()
}

func (o *Orchestrator) write(ctx context.Context, w persistWrite) error {
	wctx, cancel := context.WithTimeout(ctx, o.cfg.persistTimeout())
	defer cancel()
	err := w.fn(wctx)
	o.metrics.PersistFinished(w.target, err == nil)
	if err != nil {
		o.logger.ErrorContext(ctx, "persistence write failed", "target", w.target, "policy", string(w.policy), "error", err)
		return err
	}
	o.logger.DebugContext(ctx, "persisted", "target", w.target, "policy", string(w.policy))
	return nil
}
