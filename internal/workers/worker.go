// Package workers implements one analysis worker per analysis.WorkerKind.
// Each worker builds its prompt, makes one schema-validated model call and
// returns a WorkerOutcome. Workers never return errors or panic past Invoke.
package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/llm"
)

// Worker turns entry context into one analysis facet.
type Worker interface {
	Kind() analysis.WorkerKind
	Invoke(ctx context.Context, in analysis.WorkerInput) analysis.WorkerOutcome
}

var (
	emotionSchema    = llm.SchemaFor[analysis.EmotionPayload]("emotions")
	themeSchema      = llm.SchemaFor[analysis.ThemePayload]("themes")
	distortionSchema = llm.SchemaFor[analysis.DistortionPayload]("distortions")
	reframeSchema    = llm.SchemaFor[analysis.ReframePayload]("reframes")
	primarySchema    = llm.SchemaFor[analysis.PrimarySummary]("primary_summary")
	routingSchema    = llm.SchemaFor[analysis.RoutingDecision]("routing")
)

// Options tunes the generation budget of every worker.
type Options struct {
	// Temperature overrides each worker's default when non-nil.
	Temperature *float64
	// MaxOutputTokens overrides each worker's default when positive.
	MaxOutputTokens int
}

func (o Options) budget(def llm.Budget) llm.Budget {
	if o.Temperature != nil {
		def.Temperature = *o.Temperature
	}
	if o.MaxOutputTokens > 0 {
		def.MaxOutputTokens = o.MaxOutputTokens
	}
	return def
}

// modelWorker is the shared shape of every worker: a prompt builder, a
// schema and an optional post-processing step on the validated payload.
type modelWorker[T any] struct {
	kind   analysis.WorkerKind
	client *llm.Client
	schema *llm.Schema
	budget llm.Budget
	prompt func(analysis.WorkerInput) string
	shape  func(*T)
}

func (w *modelWorker[T]) Kind() analysis.WorkerKind { return w.kind }

func (w *modelWorker[T]) Invoke(ctx context.Context, in analysis.WorkerInput) (out analysis.WorkerOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = analysis.Failure(w.kind, llm.ReasonUpstreamError, fmt.Errorf("%s worker panic: %v", w.kind, r))
		}
		out.Duration = time.Since(start)
	}()

	if strings.TrimSpace(in.Transcript) == "" {
		return analysis.Failure(w.kind, llm.ReasonSchemaValidationFailed, fmt.Errorf("%s: empty transcript", w.kind))
	}

	payload, err := llm.Generate[T](ctx, w.client, w.kind.String(), w.prompt(in), w.schema, w.budget)
	if err != nil {
		return analysis.Failure(w.kind, llm.ReasonOf(err), err)
	}
	if w.shape != nil {
		w.shape(&payload)
	}
	return analysis.Success(w.kind, &payload)
}

// NewEmotion creates the Emotion worker. At most analysis.MaxEmotions
// emotions survive, in the order the model ranked them.
func NewEmotion(client *llm.Client, opts Options) Worker {
	return &modelWorker[analysis.EmotionPayload]{
		kind:   analysis.KindEmotion,
		client: client,
		schema: emotionSchema,
		budget: opts.budget(llm.Budget{MaxOutputTokens: 1024, Temperature: 0.3}),
		prompt: emotionPrompt,
		shape: func(p *analysis.EmotionPayload) {
			kept := p.Emotions[:0]
			for _, e := range p.Emotions {
				e.Emotion = strings.TrimSpace(e.Emotion)
				if e.Emotion == "" {
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) > analysis.MaxEmotions {
				kept = kept[:analysis.MaxEmotions]
			}
			p.Emotions = kept
		},
	}
}

// NewTheme creates the Theme worker.
func NewTheme(client *llm.Client, opts Options) Worker {
	return &modelWorker[analysis.ThemePayload]{
		kind:   analysis.KindTheme,
		client: client,
		schema: themeSchema,
		budget: opts.budget(llm.Budget{MaxOutputTokens: 1024, Temperature: 0.4}),
		prompt: themePrompt,
		shape: func(p *analysis.ThemePayload) {
			for i := range p.Themes {
				p.Themes[i].Theme = strings.TrimSpace(p.Themes[i].Theme)
			}
		},
	}
}

// NewDistortion creates the DistortionIdentification worker. Quote
// verification happens at merge time against the transcript.
func NewDistortion(client *llm.Client, opts Options) Worker {
	return &modelWorker[analysis.DistortionPayload]{
		kind:   analysis.KindDistortion,
		client: client,
		schema: distortionSchema,
		budget: opts.budget(llm.Budget{MaxOutputTokens: 2048, Temperature: 0.2}),
		prompt: distortionPrompt,
		shape: func(p *analysis.DistortionPayload) {
			for i := range p.Distortions {
				p.Distortions[i].QuoteVerified = nil
			}
		},
	}
}

// NewReframe creates the ReframeComparison worker.
func NewReframe(client *llm.Client, opts Options) Worker {
	return &modelWorker[analysis.ReframePayload]{
		kind:   analysis.KindReframe,
		client: client,
		schema: reframeSchema,
		budget: opts.budget(llm.Budget{MaxOutputTokens: 2048, Temperature: 0.5}),
		prompt: reframePrompt,
	}
}

// NewPrimarySummary creates the PrimarySummary worker.
func NewPrimarySummary(client *llm.Client, opts Options) Worker {
	return &modelWorker[analysis.PrimarySummary]{
		kind:   analysis.KindPrimarySummary,
		client: client,
		schema: primarySchema,
		budget: opts.budget(llm.Budget{MaxOutputTokens: 2048, Temperature: 0.7}),
		prompt: primaryPrompt,
	}
}

// constructors maps every kind to its worker. The array is sized by
// analysis.NumKinds so a new kind without an entry leaves a nil slot that
// NewRegistry rejects.
var constructors = [analysis.NumKinds]func(*llm.Client, Options) Worker{
	analysis.KindPrimarySummary: NewPrimarySummary,
	analysis.KindEmotion:        NewEmotion,
	analysis.KindTheme:          NewTheme,
	analysis.KindDistortion:     NewDistortion,
	analysis.KindReframe:        NewReframe,
}

// Registry resolves a WorkerKind to its Worker.
type Registry struct {
	workers [analysis.NumKinds]Worker
}

// NewRegistry builds every worker on top of client.
func NewRegistry(client *llm.Client, opts Options) *Registry {
	r := &Registry{}
	for i, build := range constructors {
		kind := analysis.WorkerKind(i)
		if build == nil {
			panic(fmt.Sprintf("workers: no worker registered for %s", kind))
		}
		r.workers[i] = build(client, opts)
	}
	return r
}

// Override replaces the worker for w.Kind(). Used to inject fakes.
func (r *Registry) Override(w Worker) {
	if w.Kind().Valid() {
		r.workers[w.Kind()] = w
	}
}

// Get returns the worker for kind, or nil for an invalid kind.
func (r *Registry) Get(kind analysis.WorkerKind) Worker {
	if !kind.Valid() {
		return nil
	}
	return r.workers[kind]
}
