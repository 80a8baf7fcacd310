package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"

	"epic-poem/server/internal/config"
)

// TestElevenLabs_Synthesize 场景：请求路径带音色，头部带 key，请求体带模型与朗读风格，返回完整音频。
func TestElevenLabs_Synthesize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "xi-test" {
			t.Errorf("missing api key header")
		}
		var body ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Text != "Diana woke up" || body.ModelID != "eleven_flash_v2" || body.OutputFormat != "mp3_22050_32" {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.VoiceSettings.Stability != 0.05 || body.VoiceSettings.Speed != 1.05 {
			t.Errorf("unexpected voice settings: %+v", body.VoiceSettings)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-mp3-bytes"))
	}))
	defer ts.Close()

	c := NewElevenLabsClient(config.ElevenLabsConfig{APIKey: "xi-test", BaseURL: ts.URL})
	audio, err := c.Synthesize(context.Background(), "Diana woke up", "voice-1")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "ID3-mp3-bytes" {
		t.Fatalf("audio = %q", audio)
	}
}

func TestElevenLabs_SynthesizeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := NewElevenLabsClient(config.ElevenLabsConfig{APIKey: "k", BaseURL: ts.URL})
	_, err := c.Synthesize(context.Background(), "x", "v")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

// TestElevenLabs_Transcribe 场景：multipart 带模型与语言字段；返回 results 数组时拼接文本。
func TestElevenLabs_Transcribe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/speech-to-text" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("model_id") != "scribe_v1" || r.FormValue("language_code") != "eng" || r.FormValue("diarize") != "false" {
			t.Errorf("unexpected form: %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "recording.webm" || string(data) != "webm-bytes" {
			t.Errorf("file = %s %q", hdr.Filename, data)
		}
		_, _ = w.Write([]byte(`{"results":[{"text":" and saved "},{"text":""},{"text":"the day"}]}`))
	}))
	defer ts.Close()

	c := NewElevenLabsClient(config.ElevenLabsConfig{APIKey: "k", BaseURL: ts.URL})
	text, err := c.Transcribe(context.Background(), []byte("webm-bytes"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "and saved the day" {
		t.Fatalf("text = %q", text)
	}
}

func TestElevenLabs_TranscribeUnexpectedPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	c := NewElevenLabsClient(config.ElevenLabsConfig{APIKey: "k", BaseURL: ts.URL})
	if _, err := c.Transcribe(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error for unexpected payload")
	}
}

// TestOpenAISpeech_RoundTrip 场景：TTS 返回原始音频，转写返回 text 字段。
func TestOpenAISpeech_RoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/audio/speech":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["voice"] != "nova" || body["model"] != "tts-1" {
				t.Errorf("unexpected speech body: %v", body)
			}
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("mp3"))
		case "/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if r.FormValue("model") != "whisper-1" {
				t.Errorf("model = %q", r.FormValue("model"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"text":"she saved the cat"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	s := NewOpenAISpeech(config.OpenAISpeech{APIKey: "sk-test", BaseURL: ts.URL + "/"}, option.WithMaxRetries(0))
	audio, err := s.Synthesize(context.Background(), "hello", "nova")
	if err != nil || string(audio) != "mp3" {
		t.Fatalf("synthesize: %q %v", audio, err)
	}
	text, err := s.Transcribe(context.Background(), []byte("webm"))
	if err != nil || text != "she saved the cat" {
		t.Fatalf("transcribe: %q %v", text, err)
	}
}

func TestNewRemote(t *testing.T) {
	cfg := config.Default().Speech
	if s, tr := NewRemote(cfg); s != nil || tr != nil {
		t.Fatalf("expected no remote speech without a key")
	}
	cfg.ElevenLabs.APIKey = "xi"
	s, tr := NewRemote(cfg)
	if _, ok := s.(*ElevenLabsClient); !ok || tr == nil {
		t.Fatalf("expected elevenlabs client, got %T", s)
	}
	cfg.Provider = "openai"
	cfg.OpenAI.APIKey = "sk"
	if s, _ := NewRemote(cfg); s == nil {
		t.Fatalf("expected openai speech")
	} else if _, ok := s.(*OpenAISpeech); !ok {
		t.Fatalf("expected openai speech, got %T", s)
	}
}

func TestCommandSynthesizerArgs(t *testing.T) {
	c := NewCommandSynthesizer("espeak", []string{"en+m3", "en+f3"})
	got := c.args("hello there", 1)
	want := []string{"-v", "en+f3", "hello there"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("args = %q", got)
	}
	if err := c.Speak(context.Background(), "   ", 0); err == nil {
		t.Fatalf("expected error for blank text")
	}
}
