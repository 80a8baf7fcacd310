package prompts

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"epic-poem/server/internal/model"
)

// Builtin 内置的角色/梦想组合。
var Builtin = []model.Prompt{
	{Name: "Diana", Dream: "became a firefighter"},
	{Name: "Bob", Dream: "became a fighter pilot"},
	{Name: "Sarah", Dream: "climbed Mount Everest"},
	{Name: "Marcus", Dream: "opened a restaurant"},
	{Name: "Luna", Dream: "traveled to space"},
	{Name: "Jake", Dream: "discovered a new species"},
	{Name: "Maia", Dream: "started her own bakery"},
	{Name: "Oliver", Dream: "danced on Broadway"},
	{Name: "Zoe", Dream: "saved endangered animals"},
	{Name: "Alex", Dream: "learned to fly"},
	{Name: "Priya", Dream: "built a city"},
	{Name: "Hiro", Dream: "went diving"},
	{Name: "Selene", Dream: "went to the moon"},
	{Name: "Ravi", Dream: "made a robot"},
	{Name: "Amara", Dream: "healed a forest"},
	{Name: "Theo", Dream: "built a boat"},
	{Name: "Nia", Dream: "united rival kingdoms"},
	{Name: "Leo", Dream: "rode a dragon"},
	{Name: "Quinn", Dream: "solved a mystery"},
	{Name: "Isla", Dream: "ate an entire pizza"},
	{Name: "Santi", Dream: "tamed a storm"},
	{Name: "Kai", Dream: "sailed the seven seas"},
	{Name: "Iris", Dream: "painted a masterpiece"},
	{Name: "Felix", Dream: "discovered treasure"},
	{Name: "Nova", Dream: "invented a time machine"},
	{Name: "River", Dream: "swam with dolphins"},
	{Name: "Maya", Dream: "wrote a novel"},
	{Name: "Atlas", Dream: "explored a temple"},
	{Name: "Echo", Dream: "sang at a wedding"},
	{Name: "Sage", Dream: "grew a garden"},
	{Name: "Phoenix", Dream: "raced the desert"},
	{Name: "Lyra", Dream: "conducted an orchestra"},
	{Name: "Orion", Dream: "mapped the stars"},
}

// SupportVoiceNames 舞台上两位“配音员”的候选名字。
var SupportVoiceNames = []string{
	"Raza", "Artemis", "Diana", "Marin", "Anna", "MJ", "Lisa",
	"Sam", "Adrienne", "Ivan", "Lauren", "Gui", "Brody",
}

// Library 是一份只读的主题与配音员名字清单。
type Library struct {
	prompts []model.Prompt
	voices  []string
}

// New 使用给定清单创建 Library；空清单回退到内置数据。
func New(prompts []model.Prompt, voices []string) *Library {
	if len(prompts) == 0 {
		prompts = Builtin
	}
	if len(voices) < 2 {
		voices = SupportVoiceNames
	}
	return &Library{prompts: prompts, voices: voices}
}

// Load 从 JSON 文件加载主题清单（[{"name":..,"dream":..}]）。
// path 为空时直接使用内置清单。
func Load(path string) (*Library, error) {
	if path == "" {
		return New(nil, nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	var prompts []model.Prompt
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	for i, p := range prompts {
		if p.Name == "" || p.Dream == "" {
			return nil, fmt.Errorf("prompt %d: name and dream are required", i)
		}
	}

	return New(prompts, nil), nil
}

// Prompts 返回清单副本。
func (l *Library) Prompts() []model.Prompt {
	out := make([]model.Prompt, len(l.prompts))
	copy(out, l.prompts)
	return out
}

// Pick 随机挑选一个主题，且不会与 exclude 相同（清单只有一项时除外）。
func (l *Library) Pick(rng *rand.Rand, exclude *model.Prompt) model.Prompt {
	if exclude == nil || len(l.prompts) == 1 {
		return l.prompts[rng.IntN(len(l.prompts))]
	}

	candidates := make([]model.Prompt, 0, len(l.prompts))
	for _, p := range l.prompts {
		if p != *exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return l.prompts[0]
	}
	return candidates[rng.IntN(len(candidates))]
}

// SupportVoices 洗牌后取前两个名字。
func (l *Library) SupportVoices(rng *rand.Rand) [2]string {
	shuffled := append([]string{}, l.voices...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return [2]string{shuffled[0], shuffled[1]}
}
