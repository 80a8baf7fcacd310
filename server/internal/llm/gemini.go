package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"google.golang.org/genai"

	"epic-poem/server/internal/config"
)

// GeminiGenerator 基于 google.golang.org/genai 的流式生成。
type GeminiGenerator struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGeminiGenerator 创建 Gemini 生成器
func NewGeminiGenerator(ctx context.Context, cfg config.LLMProviderConfig) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini", ErrProviderUnavailable)
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIURL != "" {
		cc.HTTPOptions.BaseURL = cfg.APIURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	gc := &genai.GenerateContentConfig{}
	if cfg.Temperature > 0 {
		gc.Temperature = genai.Ptr(float32(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(cfg.MaxTokens)
	}
	return &GeminiGenerator{client: client, model: modelName, config: gc}, nil
}

func (g *GeminiGenerator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		// GenerateContentStream 会写入默认值，每次用一份拷贝
		cfg := *g.config
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), &cfg) {
			if err != nil {
				yield("", geminiError(err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: gemini", ErrUnauthorized)
	}
	return fmt.Errorf("gemini stream: %w", err)
}
