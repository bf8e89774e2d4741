package analysis

import (
	"strings"
)

// Fallback text used when the primary summary is unavailable. Callers render
// both fields unconditionally.
const (
	FallbackBreakdown        = "Thank you for taking the time to reflect today. We couldn't generate a detailed breakdown for this entry right now, but putting your thoughts into words is a meaningful step on its own."
	FallbackReflectionPrompt = "What is one thing you noticed about yourself while writing this entry?"
)

// MergedAnalysis is the combined result of one orchestration run. Every list
// field is non-nil so callers always see a list.
type MergedAnalysis struct {
	EntryBreakdown       string            `json:"entry_breakdown"`
	Mood                 []string          `json:"mood"`
	People               []string          `json:"people"`
	IdentifiedThemes     []string          `json:"identified_themes"`
	ActionableInsight    ActionableInsight `json:"actionable_insight"`
	Emotions             []Emotion         `json:"emotions"`
	Themes               []Theme           `json:"themes"`
	CognitiveDistortions []Distortion      `json:"cognitive_distortions"`
	CBTReframes          []Reframe         `json:"cbt_reframes"`
}

// MergeOptions configures Merge.
type MergeOptions struct {
	Transcript  string
	QuotePolicy QuotePolicy
}

// Merge builds a MergedAnalysis from any collection of outcomes. Failed
// outcomes and kinds that never ran resolve to defaults. The collection is
// expected to hold at most one outcome per kind; the result then does not
// depend on its order.
func Merge(outcomes []WorkerOutcome, opts MergeOptions) MergedAnalysis {
	var (
		primary     *PrimarySummary
		emotions    *EmotionPayload
		themes      *ThemePayload
		distortions *DistortionPayload
		reframes    *ReframePayload
	)
	for _, o := range outcomes {
		if !o.OK() {
			continue
		}
		switch p := o.Payload.(type) {
		case *PrimarySummary:
			if o.Kind == KindPrimarySummary {
				primary = p
			}
		case *EmotionPayload:
			if o.Kind == KindEmotion {
				emotions = p
			}
		case *ThemePayload:
			if o.Kind == KindTheme {
				themes = p
			}
		case *DistortionPayload:
			if o.Kind == KindDistortion {
				distortions = p
			}
		case *ReframePayload:
			if o.Kind == KindReframe {
				reframes = p
			}
		}
	}

	m := MergedAnalysis{
		EntryBreakdown:       FallbackBreakdown,
		Mood:                 []string{},
		People:               []string{},
		IdentifiedThemes:     []string{},
		ActionableInsight:    ActionableInsight{ReflectionPrompt: FallbackReflectionPrompt},
		Emotions:             []Emotion{},
		Themes:               []Theme{},
		CognitiveDistortions: []Distortion{},
		CBTReframes:          []Reframe{},
	}

	if primary != nil {
		if s := strings.TrimSpace(primary.EntryBreakdown); s != "" {
			m.EntryBreakdown = s
		}
		m.Mood = cleanStrings(primary.Mood)
		m.People = cleanStrings(primary.People)
		m.IdentifiedThemes = cleanStrings(primary.IdentifiedThemes)
		insight := primary.ActionableInsight
		insight.ReflectionPrompt = strings.TrimSpace(insight.ReflectionPrompt)
		if insight.ReflectionPrompt == "" {
			insight.ReflectionPrompt = FallbackReflectionPrompt
		}
		if insight.ActionSuggestion != nil {
			s := *insight.ActionSuggestion
			insight.ActionSuggestion = &s
		}
		m.ActionableInsight = insight
	}

	if emotions != nil {
		for _, e := range emotions.Emotions {
			if strings.TrimSpace(e.Emotion) == "" {
				continue
			}
			if len(m.Emotions) == MaxEmotions {
				break
			}
			m.Emotions = append(m.Emotions, e)
		}
		// The emotion worker is the more specialized source for mood.
		if len(m.Emotions) > 0 {
			names := make([]string, 0, len(m.Emotions))
			for _, e := range m.Emotions {
				names = append(names, e.Emotion)
			}
			m.Mood = cleanStrings(names)
		}
	}

	if themes != nil {
		for _, t := range themes.Themes {
			if strings.TrimSpace(t.Theme) != "" {
				m.Themes = append(m.Themes, t)
			}
		}
	}

	if distortions != nil {
		m.CognitiveDistortions = ApplyQuotePolicy(distortions.Distortions, opts.Transcript, opts.QuotePolicy)
	}

	if reframes != nil {
		m.CBTReframes = append(m.CBTReframes, reframes.Reframes...)
	}

	return m
}

// ThemeNames returns the themes to persist: the theme worker's themes
// followed by the primary summary's, de-duplicated ignoring case.
func (m MergedAnalysis) ThemeNames() []string {
	names := make([]string, 0, len(m.Themes)+len(m.IdentifiedThemes))
	for _, t := range m.Themes {
		names = append(names, t.Theme)
	}
	names = append(names, m.IdentifiedThemes...)
	return cleanStrings(names)
}

// Insights is the structured record upserted per entry.
type Insights struct {
	Emotions    []Emotion    `json:"emotions"`
	Themes      []Theme      `json:"themes"`
	Distortions []Distortion `json:"distortions"`
	Reframes    []Reframe    `json:"reframes"`
}

func (m MergedAnalysis) Insights() Insights {
	return Insights{
		Emotions:    m.Emotions,
		Themes:      m.Themes,
		Distortions: m.CognitiveDistortions,
		Reframes:    m.CBTReframes,
	}
}

// cleanStrings trims values, drops empties and removes case-insensitive
// duplicates, keeping the first spelling. The result is never nil.
func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
