package model

import "fmt"

// RhymeDifficulty 押韵难度。
type RhymeDifficulty string

const (
	RhymeEasy   RhymeDifficulty = "easy"
	RhymeMedium RhymeDifficulty = "medium"
	RhymeHard   RhymeDifficulty = "hard"
)

// NarrativeMode 叙事风格。
type NarrativeMode string

const (
	NarrativeSimple NarrativeMode = "simple"
	NarrativeCrazy  NarrativeMode = "crazy"
)

// Provider 文本生成服务提供方。
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
)

// AudioMode 朗读方式：human 使用远端语音（失败时降级本地），
// device 只用本地合成器，none 关闭朗读。
type AudioMode string

const (
	AudioHuman  AudioMode = "human"
	AudioDevice AudioMode = "device"
	AudioNone   AudioMode = "none"
)

// PoemSettings 纯配置，只影响送给生成器的文本与是否朗读。
type PoemSettings struct {
	RhymeDifficulty RhymeDifficulty `json:"rhyme_difficulty" yaml:"rhyme_difficulty"`
	FamilyFriendly  bool            `json:"family_friendly" yaml:"family_friendly"`
	NarrativeMode   NarrativeMode   `json:"narrative_mode" yaml:"narrative_mode"`
	Provider        Provider        `json:"provider" yaml:"provider"`
	AudioMode       AudioMode       `json:"audio_mode" yaml:"audio_mode"`
	ShowModelPicker bool            `json:"show_model_picker" yaml:"show_model_picker"`
}

// DefaultSettings 返回默认设置。
func DefaultSettings() PoemSettings {
	return PoemSettings{
		RhymeDifficulty: RhymeMedium,
		FamilyFriendly:  true,
		NarrativeMode:   NarrativeSimple,
		Provider:        ProviderOpenAI,
		AudioMode:       AudioHuman,
	}
}

// Validate 检查各枚举取值是否合法。
func (s PoemSettings) Validate() error {
	switch s.RhymeDifficulty {
	case RhymeEasy, RhymeMedium, RhymeHard:
	default:
		return fmt.Errorf("invalid rhyme difficulty %q", s.RhymeDifficulty)
	}
	switch s.NarrativeMode {
	case NarrativeSimple, NarrativeCrazy:
	default:
		return fmt.Errorf("invalid narrative mode %q", s.NarrativeMode)
	}
	switch s.Provider {
	case ProviderOpenAI, ProviderGemini, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid provider %q", s.Provider)
	}
	switch s.AudioMode {
	case AudioHuman, AudioDevice, AudioNone:
	default:
		return fmt.Errorf("invalid audio mode %q", s.AudioMode)
	}
	return nil
}

// SettingsPatch 部分更新；nil 字段保持不变。
type SettingsPatch struct {
	RhymeDifficulty *RhymeDifficulty `json:"rhyme_difficulty,omitempty"`
	FamilyFriendly  *bool            `json:"family_friendly,omitempty"`
	NarrativeMode   *NarrativeMode   `json:"narrative_mode,omitempty"`
	Provider        *Provider        `json:"provider,omitempty"`
	AudioMode       *AudioMode       `json:"audio_mode,omitempty"`
	ShowModelPicker *bool            `json:"show_model_picker,omitempty"`
}

// Apply 返回应用补丁后的新设置，不修改原值。
func (p SettingsPatch) Apply(s PoemSettings) PoemSettings {
	if p.RhymeDifficulty != nil {
		s.RhymeDifficulty = *p.RhymeDifficulty
	}
	if p.FamilyFriendly != nil {
		s.FamilyFriendly = *p.FamilyFriendly
	}
	if p.NarrativeMode != nil {
		s.NarrativeMode = *p.NarrativeMode
	}
	if p.Provider != nil {
		s.Provider = *p.Provider
	}
	if p.AudioMode != nil {
		s.AudioMode = *p.AudioMode
	}
	if p.ShowModelPicker != nil {
		s.ShowModelPicker = *p.ShowModelPicker
	}
	return s
}
