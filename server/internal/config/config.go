package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"epic-poem/server/internal/model"
)

// Config 全局配置
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	LLM       LLMConfig          `yaml:"llm"`
	Speech    SpeechConfig       `yaml:"speech"`
	Engine    EngineConfig       `yaml:"engine"`
	Store     StoreConfig        `yaml:"store"`
	Logging   LoggingConfig      `yaml:"logging"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Paths     PathsConfig        `yaml:"paths"`
	Defaults  model.PoemSettings `yaml:"defaults"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins 允许跨域/WebSocket 的来源，开发期一般是本地 Vite。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 文本生成配置，每个 provider 一份。
type LLMConfig struct {
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Gemini    LLMProviderConfig `yaml:"gemini"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// SpeechConfig 朗读与录音配置。
type SpeechConfig struct {
	// Provider 远端语音服务：elevenlabs | openai
	Provider      string        `yaml:"provider"`
	ListenTimeout time.Duration `yaml:"listen_timeout"`
	// VoiceIDs 两行诗各自使用的音色。
	VoiceIDs   []string         `yaml:"voice_ids"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	OpenAI     OpenAISpeech     `yaml:"openai"`
	// LocalCommand 本地合成命令（say / espeak），为空则本地降级交给浏览器。
	LocalCommand string   `yaml:"local_command"`
	LocalVoices  []string `yaml:"local_voices"`
}

type ElevenLabsConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	TTSModel     string `yaml:"tts_model"`
	STTModel     string `yaml:"stt_model"`
	OutputFormat string `yaml:"output_format"`
	LanguageCode string `yaml:"language_code"`
}

type OpenAISpeech struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	TTSModel string `yaml:"tts_model"`
	STTModel string `yaml:"stt_model"`
	// Voices OpenAI 的音色名，VoiceIDs 只对 ElevenLabs 有效。
	Voices []string `yaml:"voices"`
}

// EngineConfig 诗节推进节奏。
type EngineConfig struct {
	StanzaDwell     time.Duration `yaml:"stanza_dwell"`
	RegenerateDelay time.Duration `yaml:"regenerate_delay"`
	NewPoemDelay    time.Duration `yaml:"new_poem_delay"`
}

// StoreConfig 持久化配置：memory | sqlite | postgres
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// DatabaseURL 仅 postgres 使用，只存放归档。
	DatabaseURL string `yaml:"database_url"`
	// MaxArchived 归档上限，超过后删除最旧的；0 表示不限。
	MaxArchived int `yaml:"max_archived"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type TelemetryConfig struct {
	StdoutTrace bool `yaml:"stdout_trace"`
}

type PathsConfig struct {
	// Prompts 可选的主题清单 JSON，为空使用内置清单。
	Prompts string `yaml:"prompts"`
}

// Default 返回一份可直接运行的配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		LLM: LLMConfig{
			OpenAI:    LLMProviderConfig{Model: "gpt-4.1-nano", Temperature: 0.9},
			Gemini:    LLMProviderConfig{Model: "gemini-2.0-flash", Temperature: 0.9},
			Anthropic: LLMProviderConfig{APIURL: "https://api.anthropic.com/v1", Model: "claude-3-haiku-20240307", MaxTokens: 4096},
		},
		Speech: SpeechConfig{
			Provider:      "elevenlabs",
			ListenTimeout: 8 * time.Second,
			VoiceIDs:      []string{"21m00Tcm4TlvDq8ikWAM", "EXAVITQu4vr4xnSDxMaL"},
			ElevenLabs: ElevenLabsConfig{
				BaseURL:      "https://api.elevenlabs.io",
				TTSModel:     "eleven_flash_v2",
				STTModel:     "scribe_v1",
				OutputFormat: "mp3_22050_32",
				LanguageCode: "eng",
			},
			OpenAI: OpenAISpeech{TTSModel: "tts-1", STTModel: "whisper-1", Voices: []string{"onyx", "nova"}},
		},
		Engine: EngineConfig{
			StanzaDwell:     2 * time.Second,
			RegenerateDelay: 100 * time.Millisecond,
			NewPoemDelay:    time.Second,
		},
		Store:    StoreConfig{Driver: "sqlite", Path: "data/epicpoem.db", MaxArchived: 200},
		Logging:  LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Defaults: model.DefaultSettings(),
	}
}

// Load 从文件加载配置并校验，未出现的字段保留 Default 的值。
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	cfg.printSummary()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	fmt.Printf("✅ Config validation passed\n\n")

	return cfg, nil
}

// Read 读取配置但不校验，archive 等子命令只需要其中的存储部分。
// path 为空时只使用默认值与环境变量。
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		fmt.Printf("✅ Config file read successfully (%d bytes)\n", len(data))

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		fmt.Printf("✅ Config parsed successfully\n")
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv 从环境变量覆盖敏感信息
func (c *Config) ApplyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		fmt.Printf("🔑 Using OPENAI_API_KEY from environment variable\n")
		c.LLM.OpenAI.APIKey = key
		if c.Speech.OpenAI.APIKey == "" {
			c.Speech.OpenAI.APIKey = key
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		fmt.Printf("🔑 Using GEMINI_API_KEY from environment variable\n")
		c.LLM.Gemini.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		fmt.Printf("🔑 Using ANTHROPIC_API_KEY from environment variable\n")
		c.LLM.Anthropic.APIKey = key
	}
	if key := os.Getenv("ELEVENLABS_API_KEY"); key != "" {
		fmt.Printf("🔑 Using ELEVENLABS_API_KEY from environment variable\n")
		c.Speech.ElevenLabs.APIKey = key
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		fmt.Printf("🗄️  Using DATABASE_URL from environment variable\n")
		c.Store.DatabaseURL = url
	}
}

func (c *Config) printSummary() {
	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s\n", c.Server.Addr())
	fmt.Printf("   Default provider: %s\n", c.Defaults.Provider)
	fmt.Printf("   Speech provider: %s (listen %s)\n", c.Speech.Provider, c.Speech.ListenTimeout)
	fmt.Printf("   Store: %s %s\n", c.Store.Driver, c.Store.Path)
	if c.Paths.Prompts != "" {
		fmt.Printf("   Prompts: %s\n", c.Paths.Prompts)
	}
	fmt.Printf("\n")
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server port must be positive")
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if !c.HasProvider(c.Defaults.Provider) {
		return fmt.Errorf("no API key configured for default provider %s", c.Defaults.Provider)
	}
	switch c.Speech.Provider {
	case "elevenlabs", "openai":
	default:
		return fmt.Errorf("unsupported speech provider: %s", c.Speech.Provider)
	}
	if c.Speech.ListenTimeout <= 0 {
		return fmt.Errorf("speech listen_timeout must be positive")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store database_url is required for postgres (set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	return nil
}

// HasProvider 判断该文本生成 provider 是否配置了 key。
func (c *Config) HasProvider(p model.Provider) bool {
	switch p {
	case model.ProviderOpenAI:
		return c.LLM.OpenAI.APIKey != ""
	case model.ProviderGemini:
		return c.LLM.Gemini.APIKey != ""
	case model.ProviderAnthropic:
		return c.LLM.Anthropic.APIKey != ""
	}
	return false
}

// NarrationVoices 返回当前远端语音服务给两行诗使用的音色
func (c *Config) NarrationVoices() [2]string {
	voices := c.Speech.VoiceIDs
	if c.Speech.Provider == "openai" {
		voices = c.Speech.OpenAI.Voices
	}
	var out [2]string
	for i := range out {
		if len(voices) > 0 {
			out[i] = voices[i%len(voices)]
		}
	}
	return out
}

// SpeechKey 返回当前远端语音服务的 key，为空表示只能使用本地合成。
func (c *Config) SpeechKey() string {
	if c.Speech.Provider == "openai" {
		return c.Speech.OpenAI.APIKey
	}
	return c.Speech.ElevenLabs.APIKey
}
