package model

import (
	"fmt"
	"time"
)

// StanzaCount 一首诗固定的诗节数。
const StanzaCount = 4

// LinesPerCouplet 每个诗节中机器生成的行数。
const LinesPerCouplet = 2

// Stanza 一个完成的诗节：两行机器生成 + 一行用户输入。
type Stanza [3]string

// Prompt 角色与梦想的组合，决定一首诗的主题。
type Prompt struct {
	Name  string `json:"name"`
	Dream string `json:"dream"`
}

// Title 返回该主题对应的诗歌标题。
func (p Prompt) Title() string {
	return PoemTitle(p.Name, p.Dream)
}

// PoemTitle 由角色和梦想拼出标题，例如 "The Day Diana became a firefighter"。
func PoemTitle(character, dream string) string {
	return "The Day " + character + " " + dream
}

// PoemState 保存一首进行中诗歌的全部状态。
// 只允许 engine 通过其状态转移函数修改。
type PoemState struct {
	// 角色与梦想，在一首诗的生命周期内不变。
	Character string `json:"character"`
	Dream     string `json:"dream"`

	// 当前诗节，取值 1..4，单调递增。
	CurrentStanza int `json:"current_stanza"`
	// 机器当前诗节的两行；每次生成整体替换，新诗节开始时清空。
	GeneratedLines []string `json:"generated_lines"`
	// 用户本诗节提交的行，提交前为空。
	UserLine string `json:"user_line"`

	// IsGenerating 与 IsWaitingForUser 不会同时为 true。
	IsGenerating     bool `json:"is_generating"`
	IsWaitingForUser bool `json:"is_waiting_for_user"`
	HasStarted       bool `json:"has_started"`

	// 已完成的诗节，只追加；新诗开始时重置。
	CompletedStanzas []Stanza `json:"completed_stanzas"`
}

// NewPoemState 为给定主题创建一个未开始的状态。
func NewPoemState(p Prompt) PoemState {
	return PoemState{
		Character:        p.Name,
		Dream:            p.Dream,
		CurrentStanza:    1,
		GeneratedLines:   []string{},
		CompletedStanzas: []Stanza{},
	}
}

// Prompt 返回当前状态对应的主题。
func (s PoemState) Prompt() Prompt {
	return Prompt{Name: s.Character, Dream: s.Dream}
}

// Clone 深拷贝，返回值可安全地交给其他 goroutine。
func (s PoemState) Clone() PoemState {
	out := s
	out.GeneratedLines = append([]string{}, s.GeneratedLines...)
	out.CompletedStanzas = append([]Stanza{}, s.CompletedStanzas...)
	return out
}

// Check 校验状态不变量，主要用于测试与恢复快照。
func (s PoemState) Check() error {
	if s.IsGenerating && s.IsWaitingForUser {
		return fmt.Errorf("generating and waiting for user at the same time")
	}
	if s.CurrentStanza < 1 || s.CurrentStanza > StanzaCount {
		return fmt.Errorf("current stanza %d out of range", s.CurrentStanza)
	}
	if len(s.GeneratedLines) > LinesPerCouplet {
		return fmt.Errorf("%d generated lines", len(s.GeneratedLines))
	}
	if len(s.CompletedStanzas) > StanzaCount {
		return fmt.Errorf("%d completed stanzas", len(s.CompletedStanzas))
	}
	return nil
}

// ArchivedPoem 一首完成的诗，创建后不可变。
type ArchivedPoem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Stanzas   []Stanza  `json:"stanzas"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot 是展示层渲染所需的全部信息。
type Snapshot struct {
	// Version 每次状态变化递增，消费方据此丢弃乱序到达的旧快照。
	Version         uint64         `json:"version"`
	Poem            PoemState      `json:"poem"`
	SupportVoices   [2]string      `json:"support_voices"`
	Archive         []ArchivedPoem `json:"archive"`
	ActiveArchiveID string         `json:"active_archive_id,omitempty"`
	// Status 生成子系统当前的提示信息（最多一条），成功后清空。
	Status   string        `json:"status,omitempty"`
	Settings PoemSettings  `json:"settings"`
	Speech   *SpeechStatus `json:"speech,omitempty"`
}

// SpeechStatus 语音管线对外暴露的状态。
type SpeechStatus struct {
	Speaking bool `json:"speaking"`
	// Listening 表示正在采集用户语音。
	Listening bool `json:"listening"`
	// ActiveSpeaker 正在朗读的行号，-1 表示没有。
	ActiveSpeaker int    `json:"active_speaker"`
	Error         string `json:"error,omitempty"`
}
