package analysis

import (
	"testing"
)

func TestParseWorkerKind(t *testing.T) {
	tests := []struct {
		in   string
		want WorkerKind
		ok   bool
	}{
		{"emotion", KindEmotion, true},
		{"Theme", KindTheme, true},
		{"distortion-identification", KindDistortion, true},
		{"Reframe Comparison", KindReframe, true},
		{"legacy", KindPrimarySummary, true},
		{" distortions ", KindDistortion, true},
		{"sentiment", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseWorkerKind(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ParseWorkerKind(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestKindNamesRoundTrip(t *testing.T) {
	for _, k := range AllKinds() {
		got, ok := ParseWorkerKind(k.String())
		if !ok || got != k {
			t.Errorf("kind %d does not round-trip through %q", k, k.String())
		}
	}
	if WorkerKind(99).String() != "unknown" {
		t.Error("invalid kinds must not have a name")
	}
}

func TestKindSet(t *testing.T) {
	s := NewKindSet(KindReframe, KindPrimarySummary, WorkerKind(-1), KindReframe)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	kinds := s.Kinds()
	if kinds[0] != KindPrimarySummary || kinds[1] != KindReframe {
		t.Errorf("Kinds = %v, want declaration order", kinds)
	}
	s = s.Without(KindReframe)
	if s.Has(KindReframe) || !s.Has(KindPrimarySummary) {
		t.Errorf("Without removed the wrong kind: %v", s)
	}
}

func TestEntryInputCopies(t *testing.T) {
	entry := JournalEntry{
		ID:                     "e1",
		Transcript:             "text",
		AppliedTransformations: []Transformation{{OldWord: "hate", NewWord: "dislike"}},
	}
	principles := []string{"be kind"}
	in := entry.Input(principles)
	in.AppliedTransformations[0].NewWord = "changed"
	in.Principles[0] = "changed"
	if entry.AppliedTransformations[0].NewWord != "dislike" || principles[0] != "be kind" {
		t.Error("worker input shares memory with the entry")
	}
}
