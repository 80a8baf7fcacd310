package engine

import (
	"strings"
	"testing"

	"epic-poem/server/internal/model"
)

// TestBuildInstruction_FirstStanza 场景：第一节介绍梦想、不解决，且不带前文。
func TestBuildInstruction_FirstStanza(t *testing.T) {
	st := model.NewPoemState(model.Prompt{Name: "Diana", Dream: "became a firefighter"})
	got := BuildInstruction(st, model.DefaultSettings())

	for _, want := range []string{
		"The Day Diana became a firefighter",
		"first stanza out of 4",
		"6-8 words",
		"do not resolve it yet",
		"Make it family-friendly",
		"Return only the 2 lines, nothing else.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("instruction missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Previous stanzas") {
		t.Fatalf("first stanza should not include previous stanzas")
	}
}

// TestBuildInstruction_Continuation 场景：中间诗节按顺序列出前文三行，最后一节要求实现梦想。
func TestBuildInstruction_Continuation(t *testing.T) {
	st := model.NewPoemState(model.Prompt{Name: "Bob", Dream: "flew a fighter jet"})
	st.HasStarted = true
	st.CurrentStanza = 2
	st.CompletedStanzas = []model.Stanza{{"Bob looked up", "at the sky", "and sighed"}}

	got := BuildInstruction(st, model.DefaultSettings())
	want := "Stanza 1:\nBob looked up\nat the sky\nand sighed\n"
	if !strings.Contains(got, want) {
		t.Fatalf("previous stanza not rendered:\n%s", got)
	}
	if !strings.Contains(got, "Continue this story naturally in stanza 2.") || !strings.Contains(got, "5-7 words") {
		t.Fatalf("continuation text missing:\n%s", got)
	}
	if !strings.Contains(got, "leave it open") || strings.Contains(got, "final stanza") {
		t.Fatalf("middle stanza should keep the dream open:\n%s", got)
	}

	st.CurrentStanza = 4
	st.CompletedStanzas = append(st.CompletedStanzas,
		model.Stanza{"a", "b", "c"}, model.Stanza{"d", "e", "f"})
	got = BuildInstruction(st, model.DefaultSettings())
	if !strings.Contains(got, "dream comes true") || !strings.Contains(got, "Stanza 3:\nd\ne\nf") {
		t.Fatalf("final stanza instruction wrong:\n%s", got)
	}
}

func TestStyleConstraints(t *testing.T) {
	s := model.DefaultSettings()
	if got := styleConstraints(s); len(got) != 1 || got[0] != "Make it family-friendly" {
		t.Fatalf("default constraints = %q", got)
	}

	s.RhymeDifficulty = model.RhymeEasy
	s.NarrativeMode = model.NarrativeCrazy
	s.FamilyFriendly = false
	got := styleConstraints(s)
	if len(got) != 3 {
		t.Fatalf("constraints = %q", got)
	}
	if !strings.Contains(got[0], "one-syllable") || !strings.Contains(got[1], "absurd") || !strings.Contains(got[2], "cheeky") {
		t.Fatalf("constraints = %q", got)
	}
}
