// Package analysis holds the domain types shared by the router, the workers
// and the orchestrator, along with the deterministic merge of worker outcomes.
package analysis

import (
	"sort"
	"strings"
	"time"

	"github.com/Napageneral/reframe/internal/llm"
)

// Transformation is one lexicon substitution applied to produce the reframed text.
type Transformation struct {
	OldWord  string `json:"oldWord"`
	NewWord  string `json:"newWord"`
	Position int    `json:"position"`
}

// JournalEntry is one journaling session as read from the data layer.
// The orchestrator never mutates it.
type JournalEntry struct {
	ID                     string           `json:"id"`
	OwnerID                string           `json:"ownerId"`
	Transcript             string           `json:"transcript"`
	ReframedText           string           `json:"reframedText,omitempty"`
	AppliedTransformations []Transformation `json:"appliedTransformations,omitempty"`
	CreatedAt              time.Time        `json:"createdAt"`
}

// HasReframe reports whether the user produced a reframed version.
func (e JournalEntry) HasReframe() bool {
	return strings.TrimSpace(e.ReframedText) != ""
}

// Input builds an independent worker input. Slices are copied so concurrent
// workers never share mutable state.
func (e JournalEntry) Input(principles []string) WorkerInput {
	in := WorkerInput{
		EntryID:      e.ID,
		Transcript:   e.Transcript,
		ReframedText: e.ReframedText,
	}
	if len(e.AppliedTransformations) > 0 {
		in.AppliedTransformations = append([]Transformation(nil), e.AppliedTransformations...)
	}
	if len(principles) > 0 {
		in.Principles = append([]string(nil), principles...)
	}
	return in
}

// WorkerInput is the entry context handed to a single worker.
type WorkerInput struct {
	EntryID                string
	Transcript             string
	ReframedText           string
	AppliedTransformations []Transformation
	Principles             []string
}

// WorkerKind identifies one analysis facet.
type WorkerKind int

const (
	KindPrimarySummary WorkerKind = iota
	KindEmotion
	KindTheme
	KindDistortion
	KindReframe

	kindCount
)

// NumKinds is the number of worker kinds. Registries index arrays by kind.
const NumKinds = int(kindCount)

var kindNames = [NumKinds]string{
	KindPrimarySummary: "primary_summary",
	KindEmotion:        "emotion",
	KindTheme:          "theme",
	KindDistortion:     "distortion_identification",
	KindReframe:        "reframe_comparison",
}

// aliases accepted from the routing classifier and CLI flags.
var kindAliases = map[string]WorkerKind{
	"legacy":      KindPrimarySummary,
	"summary":     KindPrimarySummary,
	"emotions":    KindEmotion,
	"themes":      KindTheme,
	"distortion":  KindDistortion,
	"distortions": KindDistortion,
	"reframe":     KindReframe,
	"reframes":    KindReframe,
}

func (k WorkerKind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k WorkerKind) Valid() bool {
	return k >= 0 && k < kindCount
}

// ParseWorkerKind maps a name onto a WorkerKind. Matching ignores case,
// surrounding whitespace and the choice between '-', ' ' and '_'.
func ParseWorkerKind(name string) (WorkerKind, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	for i, kn := range kindNames {
		if n == kn {
			return WorkerKind(i), true
		}
	}
	k, ok := kindAliases[n]
	return k, ok
}

// AllKinds returns every kind in declaration order.
func AllKinds() []WorkerKind {
	out := make([]WorkerKind, 0, NumKinds)
	for k := WorkerKind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// KindSet is a set of worker kinds.
type KindSet uint32

// NewKindSet returns a set holding kinds. Invalid kinds are ignored.
func NewKindSet(kinds ...WorkerKind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

func (s KindSet) With(k WorkerKind) KindSet {
	if !k.Valid() {
		return s
	}
	return s | 1<<uint(k)
}

func (s KindSet) Without(k WorkerKind) KindSet {
	if !k.Valid() {
		return s
	}
	return s &^ (1 << uint(k))
}

func (s KindSet) Has(k WorkerKind) bool {
	return k.Valid() && s&(1<<uint(k)) != 0
}

func (s KindSet) Len() int {
	n := 0
	for k := WorkerKind(0); k < kindCount; k++ {
		if s.Has(k) {
			n++
		}
	}
	return n
}

// Kinds lists the members in declaration order.
func (s KindSet) Kinds() []WorkerKind {
	out := make([]WorkerKind, 0, NumKinds)
	for k := WorkerKind(0); k < kindCount; k++ {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s KindSet) String() string {
	names := make([]string, 0, NumKinds)
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// WorkerTask describes one worker invocation for one request.
type WorkerTask struct {
	Kind    WorkerKind
	Input   WorkerInput
	Timeout time.Duration
}

// WorkerOutcome is the tagged result of one task: either Payload is set
// (success) or Reason is set (failure). Payload is never partially filled.
type WorkerOutcome struct {
	Kind     WorkerKind
	Payload  any
	Reason   llm.Reason
	Err      error
	Attempts int
	Duration time.Duration
}

// Success builds a successful outcome.
func Success(kind WorkerKind, payload any) WorkerOutcome {
	return WorkerOutcome{Kind: kind, Payload: payload}
}

// Failure builds a failed outcome.
func Failure(kind WorkerKind, reason llm.Reason, err error) WorkerOutcome {
	return WorkerOutcome{Kind: kind, Reason: reason, Err: err}
}

// OK reports whether the outcome carries a payload.
func (o WorkerOutcome) OK() bool {
	return o.Reason == "" && o.Payload != nil
}
