package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"epic-poem/server/internal/config"
)

// OpenAIGenerator 基于官方 openai-go SDK 的流式 chat completions。
type OpenAIGenerator struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIGenerator 创建 OpenAI 生成器；额外的 opts 主要给测试替换重试策略。
func NewOpenAIGenerator(cfg config.LLMProviderConfig, opts ...option.RequestOption) *OpenAIGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.APIURL))
	}
	reqOpts = append(reqOpts, opts...)

	modelName := cfg.Model
	if modelName == "" {
		modelName = "gpt-4.1-nano"
	}
	return &OpenAIGenerator{
		client:      openai.NewClient(reqOpts...),
		model:       modelName,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (g *OpenAIGenerator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(g.model),
			Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		}
		if g.temperature > 0 {
			params.Temperature = openai.Float(g.temperature)
		}
		if g.maxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(g.maxTokens))
		}

		stream := g.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", openAIError(err))
		}
	}
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: openai", ErrUnauthorized)
	}
	return fmt.Errorf("openai stream: %w", err)
}
