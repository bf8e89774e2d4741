// Package router decides which analysis workers run for an entry.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/Napageneral/reframe/internal/analysis"
)

// Mode selects how the distortion decision is made.
type Mode string

const (
	// ModeHeuristic matches negative self-talk patterns locally.
	ModeHeuristic Mode = "heuristic"
	// ModeAgentic asks a classification model which workers to run.
	ModeAgentic Mode = "agentic"
)

// ParseMode parses a routing mode. The empty string means heuristic.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHeuristic, nil
	case ModeHeuristic, ModeAgentic:
		return m, nil
	default:
		return "", fmt.Errorf("unknown routing mode %q", s)
	}
}

// DefaultMinTranscriptRunes is the shortest transcript worth an emotion or
// theme call.
const DefaultMinTranscriptRunes = 30

// Classifier returns worker names for an entry. Unknown names are dropped.
type Classifier interface {
	Classify(ctx context.Context, entry analysis.JournalEntry) ([]string, error)
}

type Options struct {
	Mode               Mode
	MinTranscriptRunes int
	Classifier         Classifier
	Logger             *slog.Logger
}

// Router holds the routing configuration. Decide is safe for concurrent use
// and the mode can be swapped at runtime.
type Router struct {
	mode       atomic.Value // Mode
	minRunes   int
	classifier Classifier
	logger     *slog.Logger
}

func New(opts Options) *Router {
	r := &Router{
		minRunes:   opts.MinTranscriptRunes,
		classifier: opts.Classifier,
		logger:     opts.Logger,
	}
	if r.minRunes <= 0 {
		r.minRunes = DefaultMinTranscriptRunes
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHeuristic
	}
	r.mode.Store(mode)
	return r
}

// SetMode switches the routing mode for subsequent decisions.
func (r *Router) SetMode(m Mode) { r.mode.Store(m) }

func (r *Router) Mode() Mode { return r.mode.Load().(Mode) }

// Decide returns the workers to run for entry. It never fails: a failed or
// useless classification falls back to the safe default set.
func (r *Router) Decide(ctx context.Context, entry analysis.JournalEntry) analysis.KindSet {
	if r.Mode() != ModeAgentic || r.classifier == nil {
		return Heuristic(entry, r.minRunes)
	}

	names, err := r.classifier.Classify(ctx, entry)
	if err != nil {
		r.logger.Warn("routing classifier failed, using default workers", "entry_id", entry.ID, "error", err)
		return Fallback()
	}
	set, dropped := FromNames(names, entry)
	if len(dropped) > 0 {
		r.logger.Debug("routing classifier returned unknown workers", "entry_id", entry.ID, "dropped", dropped)
	}
	if set.Without(analysis.KindPrimarySummary).Len() == 0 {
		r.logger.Warn("routing classifier selected no workers, using default workers", "entry_id", entry.ID)
		return Fallback()
	}
	return set
}

// Heuristic is the local routing policy. It performs no I/O.
func Heuristic(entry analysis.JournalEntry, minRunes int) analysis.KindSet {
	set := analysis.NewKindSet(analysis.KindPrimarySummary)
	text := strings.TrimSpace(entry.Transcript)
	if utf8.RuneCountInString(text) >= minRunes {
		set = set.With(analysis.KindEmotion).With(analysis.KindTheme)
	}
	if HasNegativeSelfTalk(text) {
		set = set.With(analysis.KindDistortion)
	}
	if entry.HasReframe() {
		set = set.With(analysis.KindReframe)
	}
	return set
}

// Fallback is the set used when classification cannot be trusted.
func Fallback() analysis.KindSet {
	return analysis.NewKindSet(analysis.KindPrimarySummary, analysis.KindEmotion, analysis.KindTheme)
}

// FromNames validates classifier output. PrimarySummary is always present
// and ReframeComparison is kept only when the entry has a reframe.
func FromNames(names []string, entry analysis.JournalEntry) (analysis.KindSet, []string) {
	set := analysis.NewKindSet(analysis.KindPrimarySummary)
	var dropped []string
	for _, name := range names {
		kind, ok := analysis.ParseWorkerKind(name)
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		if kind == analysis.KindReframe && !entry.HasReframe() {
			dropped = append(dropped, name)
			continue
		}
		set = set.With(kind)
	}
	return set, dropped
}

var selfTalkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bi'?m (such )?(a|an) (failure|idiot|loser|mess|fraud|disappointment|burden)\b`),
	regexp.MustCompile(`\bi(?:'?m| am) (so |such |really |just )?(stupid|worthless|useless|pathetic|hopeless|terrible|awful|ugly|weak|dumb|broken)\b`),
	regexp.MustCompile(`\bi (always|never) \w+`),
	regexp.MustCompile(`\bi'?ll never\b`),
	regexp.MustCompile(`\bi (should|shouldn'?t|must|have to|ought to)( have)?\b`),
	regexp.MustCompile(`\bi can'?t do anything right\b`),
	regexp.MustCompile(`\bwhat'?s wrong with me\b`),
	regexp.MustCompile(`\b(hate|can'?t stand|am disgusted with) myself\b`),
	regexp.MustCompile(`\bit'?s (all )?my fault\b`),
	regexp.MustCompile(`\b(everyone|everybody|nobody|no one) (hates|likes|cares about|thinks|wants) (me|i)\b`),
	regexp.MustCompile(`\bi failed\b|\bfailed again\b|\bfailure\b`),
	regexp.MustCompile(`\b(nothing|everything) (ever )?(goes|works out|is) (right|wrong|ruined)\b`),
}

// HasNegativeSelfTalk reports whether text contains characteristic
// negative self-talk markers.
func HasNegativeSelfTalk(text string) bool {
	t := strings.ToLower(strings.NewReplacer("’", "'", "‘", "'").Replace(text))
	for _, re := range selfTalkPatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}
