package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"epic-poem/server/internal/config"
)

// ElevenLabsClient 同时实现 Synthesizer 和 Transcriber。
type ElevenLabsClient struct {
	config     config.ElevenLabsConfig
	httpClient *http.Client
}

func NewElevenLabsClient(cfg config.ElevenLabsConfig) *ElevenLabsClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = "eleven_flash_v2"
	}
	if cfg.STTModel == "" {
		cfg.STTModel = "scribe_v1"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_22050_32"
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "eng"
	}
	return &ElevenLabsClient{config: cfg, httpClient: &http.Client{}}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

type ttsRequest struct {
	Text                     string        `json:"text"`
	ModelID                  string        `json:"model_id"`
	OutputFormat             string        `json:"output_format"`
	VoiceSettings            voiceSettings `json:"voice_settings"`
	OptimizeStreamingLatency int           `json:"optimize_streaming_latency"`
}

// 戏剧化的朗读风格：低稳定性、高相似度、略快
var narratorVoice = voiceSettings{
	Stability:       0.05,
	SimilarityBoost: 0.9,
	Style:           0.15,
	UseSpeakerBoost: false,
	Speed:           1.05,
}

// Synthesize 调用流式 TTS 接口并读完整个音频
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{
		Text:                     text,
		ModelID:                  c.config.TTSModel,
		OutputFormat:             c.config.OutputFormat,
		VoiceSettings:            narratorVoice,
		OptimizeStreamingLatency: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.endpoint("/v1/text-to-speech/" + url.PathEscape(voice) + "/stream")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs tts failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs tts returned no audio")
	}
	return audio, nil
}

type sttResponse struct {
	Text    *string `json:"text"`
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

// Transcribe 以 multipart 上传录音
func (c *ElevenLabsClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"model_id", c.config.STTModel},
		{"language_code", c.config.LanguageCode},
		{"diarize", "false"},
		{"tag_audio_events", "false"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	part, err := w.CreateFormFile("file", "recording.webm")
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/speech-to-text"), &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("xi-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("elevenlabs stt failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Text != nil {
		return strings.TrimSpace(*out.Text), nil
	}
	if len(out.Results) > 0 {
		parts := make([]string, 0, len(out.Results))
		for _, r := range out.Results {
			if t := strings.TrimSpace(r.Text); t != "" {
				parts = append(parts, t)
			}
		}
		if combined := strings.Join(parts, " "); combined != "" {
			return combined, nil
		}
	}
	return "", errors.New("unexpected transcription payload")
}

func (c *ElevenLabsClient) endpoint(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}
