package analysis

// Worker payloads. Field tags drive both the JSON schema sent to the model
// and the validation applied to its reply.

// MaxEmotions caps the emotion list.
const MaxEmotions = 5

type Emotion struct {
	Emotion       string `json:"emotion" jsonschema:"required,description=Single-word emotion name"`
	Justification string `json:"justification" jsonschema:"required"`
}

type EmotionPayload struct {
	Emotions []Emotion `json:"emotions" jsonschema:"required"`
}

type Theme struct {
	Theme         string `json:"theme" jsonschema:"required,description=Short title-cased theme"`
	Justification string `json:"justification" jsonschema:"required"`
}

type ThemePayload struct {
	Themes []Theme `json:"themes" jsonschema:"required"`
}

type Distortion struct {
	Distortion    string `json:"distortion" jsonschema:"required"`
	Justification string `json:"justification" jsonschema:"required"`
	Quote         string `json:"quote" jsonschema:"required,description=Verbatim excerpt from the transcript"`
	// Set by the merge step when the quote policy is flag.
	QuoteVerified *bool `json:"quote_verified,omitempty" jsonschema:"-"`
}

type DistortionPayload struct {
	Distortions []Distortion `json:"distortions" jsonschema:"required"`
}

type Reframe struct {
	OriginalThought string `json:"original_thought" jsonschema:"required"`
	ReframedThought string `json:"reframed_thought" jsonschema:"required"`
	TechniqueUsed   string `json:"technique_used" jsonschema:"required"`
	Benefit         string `json:"benefit" jsonschema:"required"`
}

type ReframePayload struct {
	Reframes []Reframe `json:"reframes" jsonschema:"required"`
}

type ActionSuggestion struct {
	Title       string `json:"title" jsonschema:"required"`
	Description string `json:"description" jsonschema:"required"`
}

type ActionableInsight struct {
	ReflectionPrompt string            `json:"reflection_prompt" jsonschema:"required"`
	ActionSuggestion *ActionSuggestion `json:"action_suggestion,omitempty"`
}

// PrimarySummary is the narrative analysis every caller renders.
type PrimarySummary struct {
	EntryBreakdown    string            `json:"entry_breakdown" jsonschema:"required"`
	Mood              []string          `json:"mood" jsonschema:"required"`
	People            []string          `json:"people" jsonschema:"required"`
	IdentifiedThemes  []string          `json:"identified_themes" jsonschema:"required"`
	ActionableInsight ActionableInsight `json:"actionable_insight" jsonschema:"required"`
}

// RoutingDecision is the classifier's reply in agentic routing mode.
type RoutingDecision struct {
	Workers []string `json:"workers" jsonschema:"required"`
}
