package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"go.uber.org/zap"

	"epic-poem/server/internal/config"
	"epic-poem/server/internal/metrics"
	"epic-poem/server/internal/model"
)

var (
	// ErrUnauthorized 提供方拒绝了 API key（HTTP 401）。
	ErrUnauthorized = errors.New("llm: invalid API key")
	// ErrProviderUnavailable 选中的提供方没有配置 key。
	ErrProviderUnavailable = errors.New("llm: provider not configured")
)

// Generator 流式文本生成器。
//
// Stream 返回一个惰性、有限、不可重启的片段序列；出错时以 (""，err) 结束。
// ctx 取消后实现应尽快结束序列。
type Generator interface {
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Registry 按提供方保存可用的生成器
type Registry struct {
	mu         sync.RWMutex
	generators map[model.Provider]Generator
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{generators: make(map[model.Provider]Generator)}
}

// Register 注册（或替换）某个提供方的生成器
func (r *Registry) Register(p model.Provider, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[p] = g
}

// For 返回提供方对应的生成器
func (r *Registry) For(p model.Provider) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, p)
	}
	return g, nil
}

// Providers 返回已注册的提供方，按名称排序
func (r *Registry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.generators))
	for p := range r.generators {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewRegistryFromConfig 为每个配置了 key 的提供方创建生成器，并统一包上指标采集。
func NewRegistryFromConfig(ctx context.Context, cfg config.LLMConfig, m *metrics.PoemMetrics, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()

	if cfg.OpenAI.APIKey != "" {
		r.Register(model.ProviderOpenAI, NewMetered(string(model.ProviderOpenAI), NewOpenAIGenerator(cfg.OpenAI), m, logger))
	}
	if cfg.Gemini.APIKey != "" {
		g, err := NewGeminiGenerator(ctx, cfg.Gemini)
		if err != nil {
			return nil, fmt.Errorf("create gemini generator: %w", err)
		}
		r.Register(model.ProviderGemini, NewMetered(string(model.ProviderGemini), g, m, logger))
	}
	if cfg.Anthropic.APIKey != "" {
		r.Register(model.ProviderAnthropic, NewMetered(string(model.ProviderAnthropic), NewAnthropicGenerator(cfg.Anthropic), m, logger))
	}
	return r, nil
}
