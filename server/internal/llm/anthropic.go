package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"epic-poem/server/internal/config"
)

// AnthropicGenerator Anthropic Messages API 的流式客户端（SSE）。
type AnthropicGenerator struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewAnthropicGenerator 创建 Anthropic 生成器
func NewAnthropicGenerator(cfg config.LLMProviderConfig) *AnthropicGenerator {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.anthropic.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-haiku-20240307"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	// 流式响应没有整体超时，由调用方的 ctx 控制
	return &AnthropicGenerator{config: cfg, httpClient: &http.Client{}}
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicGenerator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reqBody := map[string]any{
			"model":      c.config.Model,
			"max_tokens": c.config.MaxTokens,
			"stream":     true,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}
		if c.config.Temperature > 0 {
			reqBody["temperature"] = c.config.Temperature
		}

		body, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("marshal request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.APIURL, "/")+"/messages", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("create request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("x-api-key", c.config.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			yield("", fmt.Errorf("execute request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			yield("", fmt.Errorf("%w: anthropic", ErrUnauthorized))
			return
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var evt anthropicEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				yield("", fmt.Errorf("unmarshal event: %w", err))
				return
			}

			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
					continue
				}
				if !yield(evt.Delta.Text, nil) {
					return
				}
			case "error":
				yield("", fmt.Errorf("anthropic stream error: %s: %s", evt.Error.Type, evt.Error.Message))
				return
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}
