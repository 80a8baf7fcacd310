package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "epicpoem",
	Short: "Interactive epic poem server",
	Long: `epicpoem serves a four-stanza storytelling game: a language model writes
two lines per stanza, the player answers with the third, and finished poems
are archived.

Secrets come from the environment (OPENAI_API_KEY, GEMINI_API_KEY,
ANTHROPIC_API_KEY, ELEVENLABS_API_KEY, DATABASE_URL).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config path (defaults only when empty)")
	rootCmd.AddCommand(serveCmd, archiveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
