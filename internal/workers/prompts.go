package workers

import (
	"fmt"
	"strings"

	"github.com/Napageneral/reframe/internal/analysis"
)

const systemContext = "You are a compassionate journaling assistant trained in cognitive behavioral therapy (CBT).\n" +
	"You analyze a user's private journal entry. Be warm, specific and grounded in what the user actually wrote.\n\n"

func writeTranscript(sb *strings.Builder, tag, text string) {
	sb.WriteString("<" + tag + ">\n")
	sb.WriteString(strings.TrimSpace(text))
	sb.WriteString("\n</" + tag + ">\n\n")
}

func emotionPrompt(in analysis.WorkerInput) string {
	var sb strings.Builder
	sb.WriteString(systemContext)
	writeTranscript(&sb, "JOURNAL_ENTRY", in.Transcript)
	sb.WriteString(fmt.Sprintf(`## Instructions

Identify the emotions the writer is experiencing in the JOURNAL_ENTRY.

- Return at most %d emotions, strongest first.
- Each emotion is a single lowercase word (for example "shame", "frustration", "relief").
- The justification is one sentence pointing at what in the entry shows the emotion.
- Do not invent emotions the entry gives no evidence for.

Respond with JSON only: {"emotions": [{"emotion": "...", "justification": "..."}]}
`, analysis.MaxEmotions))
	return sb.String()
}

func themePrompt(in analysis.WorkerInput) string {
	var sb strings.Builder
	sb.WriteString(systemContext)
	writeTranscript(&sb, "JOURNAL_ENTRY", in.Transcript)
	sb.WriteString(`## Instructions

Extract the recurring life themes in the JOURNAL_ENTRY.

- Usually 2 or 3 themes.
- Each theme is a short Title Case phrase (for example "Career Dissatisfaction", "Family Boundaries").
- The justification is one sentence linking the theme to the entry.

Respond with JSON only: {"themes": [{"theme": "...", "justification": "..."}]}
`)
	return sb.String()
}

func distortionPrompt(in analysis.WorkerInput) string {
	var sb strings.Builder
	sb.WriteString(systemContext)
	writeTranscript(&sb, "JOURNAL_ENTRY", in.Transcript)
	sb.WriteString(`## Instructions

Identify cognitive distortions in the JOURNAL_ENTRY.

Common distortions: All-or-Nothing Thinking, Overgeneralization, Mental Filter,
Disqualifying the Positive, Mind Reading, Fortune Telling, Magnification,
Emotional Reasoning, Should Statements, Labeling, Personalization, Blame.

- Only report distortions that are clearly present. An empty list is a valid answer.
- "quote" MUST be copied verbatim from the JOURNAL_ENTRY. Do not paraphrase or fix spelling.
- The justification explains in one sentence why the quote shows the distortion.

Respond with JSON only: {"distortions": [{"distortion": "...", "justification": "...", "quote": "..."}]}
`)
	return sb.String()
}

func reframePrompt(in analysis.WorkerInput) string {
	var sb strings.Builder
	sb.WriteString(systemContext)
	writeTranscript(&sb, "ORIGINAL_ENTRY", in.Transcript)
	writeTranscript(&sb, "REFRAMED_ENTRY", in.ReframedText)
	writeTransformations(&sb, in.AppliedTransformations)
	sb.WriteString(`## Instructions

The user rewrote their ORIGINAL_ENTRY as the REFRAMED_ENTRY by swapping words.
Compare the two versions thought by thought.

- For each thought that changed, give the original thought, the reframed thought,
  the CBT technique the change reflects and the benefit for the writer.
- Quote thoughts as they appear in each version.

Respond with JSON only: {"reframes": [{"original_thought": "...", "reframed_thought": "...", "technique_used": "...", "benefit": "..."}]}
`)
	return sb.String()
}

func primaryPrompt(in analysis.WorkerInput) string {
	var sb strings.Builder
	sb.WriteString(systemContext)
	writeTranscript(&sb, "JOURNAL_ENTRY", in.Transcript)
	if strings.TrimSpace(in.ReframedText) != "" {
		writeTranscript(&sb, "REFRAMED_ENTRY", in.ReframedText)
		writeTransformations(&sb, in.AppliedTransformations)
	}
	if len(in.Principles) > 0 {
		sb.WriteString("<GUIDING_PRINCIPLES>\n")
		sb.WriteString("The user has chosen these principles to live by. Connect your insight to them where it fits:\n")
		for _, p := range in.Principles {
			sb.WriteString("- " + strings.TrimSpace(p) + "\n")
		}
		sb.WriteString("</GUIDING_PRINCIPLES>\n\n")
	}
	sb.WriteString(`## Instructions

Write a supportive analysis of the JOURNAL_ENTRY.

- entry_breakdown: 2-4 sentences reflecting back what the writer is going through, in second person.
- mood: the dominant moods as single lowercase words.
- people: names or roles of people mentioned ("Mom", "my manager"). Empty list if none.
- identified_themes: 1-3 short Title Case themes.
- actionable_insight.reflection_prompt: one open question for the writer to reflect on.
- actionable_insight.action_suggestion: optional small concrete step with a title and description.

Respond with JSON only:
{"entry_breakdown": "...", "mood": [], "people": [], "identified_themes": [], "actionable_insight": {"reflection_prompt": "...", "action_suggestion": {"title": "...", "description": "..."}}}
`)
	return sb.String()
}

func classifierPrompt(in analysis.WorkerInput) string {
	var sb strings.Builder
	sb.WriteString("You route journal entries to specialized analysis workers.\n\n")
	writeTranscript(&sb, "JOURNAL_ENTRY", in.Transcript)
	sb.WriteString("<WORKERS>\n")
	sb.WriteString("- emotion: detect the writer's emotions\n")
	sb.WriteString("- theme: extract recurring life themes\n")
	sb.WriteString("- distortion_identification: find cognitive distortions such as negative self-talk\n")
	sb.WriteString("- reframe_comparison: compare the entry with a user-reframed version\n")
	sb.WriteString("</WORKERS>\n\n")
	if strings.TrimSpace(in.ReframedText) != "" {
		sb.WriteString("A reframed version of this entry exists.\n\n")
	} else {
		sb.WriteString("No reframed version exists; never select reframe_comparison.\n\n")
	}
	sb.WriteString(`## Instructions

Select only the workers that would produce useful output for this entry.

Respond with JSON only: {"workers": ["..."]}
`)
	return sb.String()
}

func writeTransformations(sb *strings.Builder, ts []analysis.Transformation) {
	if len(ts) == 0 {
		return
	}
	sb.WriteString("<APPLIED_TRANSFORMATIONS>\n")
	for _, t := range ts {
		sb.WriteString(fmt.Sprintf("- %q -> %q (position %d)\n", t.OldWord, t.NewWord, t.Position))
	}
	sb.WriteString("</APPLIED_TRANSFORMATIONS>\n\n")
}
