package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"epic-poem/server/internal/config"
)

// OpenAISpeech 用 openai-go 的 audio 接口实现 Synthesizer 和 Transcriber。
type OpenAISpeech struct {
	client   openai.Client
	ttsModel string
	sttModel string
}

func NewOpenAISpeech(cfg config.OpenAISpeech, opts ...option.RequestOption) *OpenAISpeech {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	tts, stt := cfg.TTSModel, cfg.STTModel
	if tts == "" {
		tts = openai.SpeechModelTTS1
	}
	if stt == "" {
		stt = openai.AudioModelWhisper1
	}
	return &OpenAISpeech{client: openai.NewClient(reqOpts...), ttsModel: tts, sttModel: stt}
}

func (s *OpenAISpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          s.ttsModel,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          openai.Float(1.05),
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("openai tts returned no audio")
	}
	return audio, nil
}

func (s *OpenAISpeech) Transcribe(ctx context.Context, audio []byte) (string, error) {
	out, err := s.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), "recording.webm", "audio/webm"),
		Model:    s.sttModel,
		Language: openai.String("en"),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return out.Text, nil
}
