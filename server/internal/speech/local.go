package speech

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"epic-poem/server/internal/config"
)

// CommandSynthesizer 用本机命令（macOS say / Linux espeak）朗读，作为远端合成失败时的降级。
type CommandSynthesizer struct {
	command string
	voices  []string
}

// NewCommandSynthesizer command 为空时按系统选择 say 或 espeak
func NewCommandSynthesizer(command string, voices []string) *CommandSynthesizer {
	if command == "" {
		command = "espeak"
		if runtime.GOOS == "darwin" {
			command = "say"
		}
	}
	return &CommandSynthesizer{command: command, voices: voices}
}

// Available 命令是否存在于 PATH
func (c *CommandSynthesizer) Available() bool {
	_, err := exec.LookPath(c.command)
	return err == nil
}

func (c *CommandSynthesizer) Speak(ctx context.Context, text string, voiceIndex int) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("nothing to speak")
	}
	args := c.args(text, voiceIndex)
	cmd := exec.CommandContext(ctx, c.command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", c.command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CommandSynthesizer) args(text string, voiceIndex int) []string {
	var args []string
	if len(c.voices) > 0 {
		args = append(args, "-v", c.voices[voiceIndex%len(c.voices)])
	}
	return append(args, text)
}

// NewRemote 按配置构造远端合成与转写；没有 key 时都返回 nil。
func NewRemote(cfg config.SpeechConfig) (Synthesizer, Transcriber) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil
		}
		c := NewOpenAISpeech(cfg.OpenAI)
		return c, c
	default:
		if cfg.ElevenLabs.APIKey == "" {
			return nil, nil
		}
		c := NewElevenLabsClient(cfg.ElevenLabs)
		return c, c
	}
}
