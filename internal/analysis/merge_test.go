package analysis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/reframe/internal/llm"
)

const transcript = "I can't believe I failed again, I'm such a failure"

func successOutcomes() []WorkerOutcome {
	return []WorkerOutcome{
		Success(KindPrimarySummary, &PrimarySummary{
			EntryBreakdown:   "You are being hard on yourself after a setback.",
			Mood:             []string{"Down", "anxious"},
			People:           []string{"Manager"},
			IdentifiedThemes: []string{"Career Dissatisfaction", "self-worth"},
			ActionableInsight: ActionableInsight{
				ReflectionPrompt: "What would you tell a friend?",
				ActionSuggestion: &ActionSuggestion{Title: "Walk", Description: "Take a short walk."},
			},
		}),
		Success(KindEmotion, &EmotionPayload{Emotions: []Emotion{
			{Emotion: "shame", Justification: "such a failure"},
			{Emotion: "frustration", Justification: "again"},
		}}),
		Success(KindTheme, &ThemePayload{Themes: []Theme{
			{Theme: "Self-Worth", Justification: "identity tied to outcome"},
			{Theme: "Perfectionism", Justification: "zero tolerance"},
		}}),
		Success(KindDistortion, &DistortionPayload{Distortions: []Distortion{
			{Distortion: "Labeling", Justification: "calls self a failure", Quote: "I'm such a failure"},
			{Distortion: "Overgeneralization", Justification: "always", Quote: "I always fail"},
		}}),
		Success(KindReframe, &ReframePayload{Reframes: []Reframe{
			{OriginalThought: "I failed", ReframedThought: "I learned", TechniqueUsed: "Reframing", Benefit: "Less shame"},
		}}),
	}
}

func TestMergeAllSucceeded(t *testing.T) {
	m := Merge(successOutcomes(), MergeOptions{Transcript: transcript, QuotePolicy: QuoteFlag})

	assert.Equal(t, "You are being hard on yourself after a setback.", m.EntryBreakdown)
	assert.Equal(t, []string{"shame", "frustration"}, m.Mood, "emotion worker takes precedence for mood")
	assert.Equal(t, []string{"Manager"}, m.People)
	assert.Len(t, m.Emotions, 2)
	assert.Len(t, m.Themes, 2)
	assert.Len(t, m.CBTReframes, 1)
	require.Len(t, m.CognitiveDistortions, 2)
	require.NotNil(t, m.CognitiveDistortions[0].QuoteVerified)
	assert.True(t, *m.CognitiveDistortions[0].QuoteVerified)
	require.NotNil(t, m.CognitiveDistortions[1].QuoteVerified)
	assert.False(t, *m.CognitiveDistortions[1].QuoteVerified)
	assert.Equal(t, "Walk", m.ActionableInsight.ActionSuggestion.Title)
}

// Every subset of succeeding workers merges into a fully populated record.
func TestMergeTotality(t *testing.T) {
	all := successOutcomes()
	for mask := 0; mask < 1<<len(all); mask++ {
		outcomes := make([]WorkerOutcome, 0, len(all))
		for i, o := range all {
			if mask&(1<<i) != 0 {
				outcomes = append(outcomes, o)
			} else {
				outcomes = append(outcomes, Failure(o.Kind, llm.ReasonTimeout, context.DeadlineExceeded))
			}
		}
		m := Merge(outcomes, MergeOptions{Transcript: transcript})

		assert.NotEmpty(t, m.EntryBreakdown, "mask %05b", mask)
		assert.NotEmpty(t, m.ActionableInsight.ReflectionPrompt, "mask %05b", mask)
		assert.NotNil(t, m.Mood, "mask %05b", mask)
		assert.NotNil(t, m.People, "mask %05b", mask)
		assert.NotNil(t, m.IdentifiedThemes, "mask %05b", mask)
		assert.NotNil(t, m.Emotions, "mask %05b", mask)
		assert.NotNil(t, m.Themes, "mask %05b", mask)
		assert.NotNil(t, m.CognitiveDistortions, "mask %05b", mask)
		assert.NotNil(t, m.CBTReframes, "mask %05b", mask)

		data, err := json.Marshal(m)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "null", "mask %05b", mask)
	}
}

func TestMergeEmpty(t *testing.T) {
	m := Merge(nil, MergeOptions{})
	assert.Equal(t, FallbackBreakdown, m.EntryBreakdown)
	assert.Equal(t, FallbackReflectionPrompt, m.ActionableInsight.ReflectionPrompt)
	assert.Empty(t, m.CBTReframes)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cbt_reframes":[]`)
	assert.Contains(t, string(data), `"mood":[]`)
}

func TestMergeCommutative(t *testing.T) {
	base := successOutcomes()
	base[3] = Failure(KindDistortion, llm.ReasonSchemaValidationFailed, nil)
	want := Merge(base, MergeOptions{Transcript: transcript, QuotePolicy: QuoteFlag})

	permute(base, func(p []WorkerOutcome) {
		got := Merge(p, MergeOptions{Transcript: transcript, QuotePolicy: QuoteFlag})
		assert.Equal(t, want, got)
	})
}

func permute(items []WorkerOutcome, visit func([]WorkerOutcome)) {
	var rec func(k int)
	rec = func(k int) {
		if k == len(items) {
			visit(append([]WorkerOutcome(nil), items...))
			return
		}
		for i := k; i < len(items); i++ {
			items[k], items[i] = items[i], items[k]
			rec(k + 1)
			items[k], items[i] = items[i], items[k]
		}
	}
	rec(0)
}

func TestMergeMoodFallsBackToPrimary(t *testing.T) {
	outcomes := successOutcomes()
	outcomes[1] = Failure(KindEmotion, llm.ReasonUpstreamError, nil)
	m := Merge(outcomes, MergeOptions{})
	assert.Equal(t, []string{"Down", "anxious"}, m.Mood)

	outcomes[1] = Success(KindEmotion, &EmotionPayload{Emotions: []Emotion{}})
	m = Merge(outcomes, MergeOptions{})
	assert.Equal(t, []string{"Down", "anxious"}, m.Mood, "an empty emotion list does not erase mood")
}

func TestMergeCapsEmotions(t *testing.T) {
	var list []Emotion
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		list = append(list, Emotion{Emotion: name, Justification: "x"})
	}
	m := Merge([]WorkerOutcome{Success(KindEmotion, &EmotionPayload{Emotions: list})}, MergeOptions{})
	assert.Len(t, m.Emotions, MaxEmotions)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, m.Mood)
}

func TestMergeIgnoresMismatchedPayload(t *testing.T) {
	m := Merge([]WorkerOutcome{
		Success(KindTheme, &EmotionPayload{Emotions: []Emotion{{Emotion: "joy"}}}),
	}, MergeOptions{})
	assert.Empty(t, m.Emotions)
	assert.Empty(t, m.Themes)
}

func TestThemeNames(t *testing.T) {
	m := Merge(successOutcomes(), MergeOptions{})
	assert.Equal(t, []string{"Self-Worth", "Perfectionism", "Career Dissatisfaction"}, m.ThemeNames())
}
