package engine

import (
	"strings"
	"text/template"

	"epic-poem/server/internal/model"
)

// 押韵示例，固定 8 拍节奏
const rhythmExamples = `Examples of correct 8-beat rhythm (da-da-da-da):
"Diana woke up early and bright" (da-da-da-da-da-da-da-da)
"She grabbed her gear to join the fight"
"The siren called through morning light"
"Bob climbed into his jet so fast"
"He knew this day would be his last"`

var instructionTmpl = template.Must(template.New("instruction").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(
	`You are helping someone practice improv epic poems. ` +
		`{{if .IsFirst}}Generate exactly 2 lines for the beginning of an epic poem about {{.Topic}}. ` +
		`This is the first stanza out of {{.Total}}, so it should be introductory, not final ` +
		`(i.e. if the poem is about someone flying, they should not be flying already).` +
		`{{else}}Generate exactly 2 lines for continuing an epic poem about {{.Topic}}.

Previous stanzas of the story:
{{range $i, $s := .Previous}}Stanza {{inc $i}}:
{{index $s 0}}
{{index $s 1}}
{{index $s 2}}

{{end}}Continue this story naturally in stanza {{.Stanza}}.{{end}}

Requirements:
- Lines should rhyme with each other
- Each line must be {{.Words}} words maximum and follow the da-da-da-da rhythm (exactly 8 beats)
{{- if .IsFirst}}
- Start the story and set the scene
- Introduce the dream, but do not resolve it yet
{{- else if .IsFinal}}
- Continue the story naturally from where it left off
- This is the final stanza, bring the story to a satisfying conclusion where the dream comes true
{{- else}}
- Continue the story naturally from where it left off
- Show progress toward the dream, but leave it open
{{- end}}
- End the second line with a word that's easy to rhyme with
- Keep it fun, dramatic, and slightly over-the-top like epic poetry
{{- range .Constraints}}
- {{.}}
{{- end}}

{{.Examples}}

Your lines must follow this exact rhythm and length. Return only the 2 lines, nothing else.`))

type instructionData struct {
	Topic       string
	Stanza      int
	Total       int
	IsFirst     bool
	IsFinal     bool
	Words       string
	Previous    []model.Stanza
	Constraints []string
	Examples    string
}

// BuildInstruction 根据当前诗歌进度与设置生成送给生成器的指令。
//
// 没有已完成诗节时介绍梦想但不解决；第 4 节解决梦想；其余诗节展示进展并保持悬念。
func BuildInstruction(state model.PoemState, settings model.PoemSettings) string {
	data := instructionData{
		Topic:       model.PoemTitle(state.Character, state.Dream),
		Stanza:      state.CurrentStanza,
		Total:       model.StanzaCount,
		IsFirst:     len(state.CompletedStanzas) == 0,
		IsFinal:     state.CurrentStanza >= model.StanzaCount,
		Words:       "5-7",
		Previous:    state.CompletedStanzas,
		Constraints: styleConstraints(settings),
		Examples:    rhythmExamples,
	}
	if data.IsFirst {
		data.Words = "6-8"
	}

	var sb strings.Builder
	if err := instructionTmpl.Execute(&sb, data); err != nil {
		// 模板在编译期固定，数据只有字符串和切片，执行失败意味着程序错误
		panic(err)
	}
	return sb.String()
}

func styleConstraints(s model.PoemSettings) []string {
	var out []string
	switch s.RhymeDifficulty {
	case model.RhymeEasy:
		out = append(out, "Use simple, common one-syllable end rhymes (like day/way or light/bright)")
	case model.RhymeHard:
		out = append(out, "Use clever multi-syllable or slant rhymes instead of obvious ones")
	}
	if s.NarrativeMode == model.NarrativeCrazy {
		out = append(out, "Add an absurd, surprising twist while keeping the story coherent")
	}
	if s.FamilyFriendly {
		out = append(out, "Make it family-friendly")
	} else {
		out = append(out, "It can be cheeky and irreverent, but never hateful or explicit")
	}
	return out
}
