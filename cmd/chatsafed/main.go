// Command chatsafed is a loopback-only OpenAI-compatible chat-completions
// gateway in front of a llama.cpp backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chatsafed",
		Short: "Local-first OpenAI-compatible chat-completions gateway",
		Long:  "chatsafed fronts a single llama.cpp-compatible backend with an OpenAI-compatible, loopback-only HTTP API.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML, JSON, or TOML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newValidateRegistryCommand(&configPath))
	return root
}
