package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/reframe/internal/analysis"
)

const failureTranscript = "I can't believe I failed again, I'm such a failure"

func TestHeuristic(t *testing.T) {
	tests := []struct {
		name  string
		entry analysis.JournalEntry
		want  []analysis.WorkerKind
	}{
		{
			name:  "near empty",
			entry: analysis.JournalEntry{Transcript: "ok"},
			want:  []analysis.WorkerKind{analysis.KindPrimarySummary},
		},
		{
			name:  "neutral entry",
			entry: analysis.JournalEntry{Transcript: "Went to the farmers market with my sister and bought peaches."},
			want:  []analysis.WorkerKind{analysis.KindPrimarySummary, analysis.KindEmotion, analysis.KindTheme},
		},
		{
			name:  "negative self-talk",
			entry: analysis.JournalEntry{Transcript: failureTranscript},
			want: []analysis.WorkerKind{
				analysis.KindPrimarySummary, analysis.KindEmotion, analysis.KindTheme, analysis.KindDistortion,
			},
		},
		{
			name:  "short self-talk still routes to distortion",
			entry: analysis.JournalEntry{Transcript: "I’m so stupid."},
			want:  []analysis.WorkerKind{analysis.KindPrimarySummary, analysis.KindDistortion},
		},
		{
			name: "reframed",
			entry: analysis.JournalEntry{
				Transcript:   "I hate my job and my boss never listens to anything I say",
				ReframedText: "I dislike my job and my boss rarely listens to what I say",
			},
			want: []analysis.WorkerKind{
				analysis.KindPrimarySummary, analysis.KindEmotion, analysis.KindTheme, analysis.KindReframe,
			},
		},
		{
			name:  "whitespace reframe is no reframe",
			entry: analysis.JournalEntry{Transcript: "ok", ReframedText: "   "},
			want:  []analysis.WorkerKind{analysis.KindPrimarySummary},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Heuristic(tt.entry, DefaultMinTranscriptRunes)
			assert.Equal(t, tt.want, got.Kinds())
		})
	}
}

func TestHasNegativeSelfTalk(t *testing.T) {
	positives := []string{
		"I always mess things up",
		"It's all my fault",
		"what's wrong with me",
		"Nobody cares about me",
		"I should have known better",
		"I'll never get this right",
	}
	for _, s := range positives {
		assert.True(t, HasNegativeSelfTalk(s), s)
	}
	negatives := []string{
		"Had a calm morning and a good coffee.",
		"My friend said she always loves our walks.",
	}
	for _, s := range negatives {
		assert.False(t, HasNegativeSelfTalk(s), s)
	}
}

type fakeClassifier struct {
	names []string
	err   error
	calls int
}

func (f *fakeClassifier) Classify(ctx context.Context, entry analysis.JournalEntry) ([]string, error) {
	f.calls++
	return f.names, f.err
}

func TestDecideAgentic(t *testing.T) {
	entry := analysis.JournalEntry{ID: "e1", Transcript: failureTranscript}

	t.Run("invalid names dropped", func(t *testing.T) {
		c := &fakeClassifier{names: []string{"distortion_identification", "horoscope", "reframe_comparison"}}
		r := New(Options{Mode: ModeAgentic, Classifier: c})
		got := r.Decide(context.Background(), entry)
		assert.Equal(t, []analysis.WorkerKind{analysis.KindPrimarySummary, analysis.KindDistortion}, got.Kinds())
		assert.Equal(t, 1, c.calls)
	})

	t.Run("classifier failure falls back", func(t *testing.T) {
		c := &fakeClassifier{err: errors.New("upstream_error")}
		r := New(Options{Mode: ModeAgentic, Classifier: c})
		got := r.Decide(context.Background(), entry)
		assert.Equal(t, Fallback(), got)
		assert.True(t, got.Has(analysis.KindEmotion))
		assert.True(t, got.Has(analysis.KindTheme))
	})

	t.Run("nothing valid falls back", func(t *testing.T) {
		r := New(Options{Mode: ModeAgentic, Classifier: &fakeClassifier{names: []string{"nope"}}})
		assert.Equal(t, Fallback(), r.Decide(context.Background(), entry))
	})

	t.Run("heuristic mode never classifies", func(t *testing.T) {
		c := &fakeClassifier{names: []string{"emotion"}}
		r := New(Options{Mode: ModeHeuristic, Classifier: c})
		r.Decide(context.Background(), entry)
		assert.Zero(t, c.calls)

		r.SetMode(ModeAgentic)
		r.Decide(context.Background(), entry)
		assert.Equal(t, 1, c.calls)
	})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHeuristic, m)

	m, err = ParseMode("Agentic")
	require.NoError(t, err)
	assert.Equal(t, ModeAgentic, m)

	_, err = ParseMode("random")
	assert.Error(t, err)
}
