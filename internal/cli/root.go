// Package cli implements the sightline command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/infra"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sightline",
	Short: "Sightline - real-time AI assistant gateway",
	Long: `Sightline - real-time AI assistant gateway

Desktop and browser clients send screenshots, prompts, images and voice
recordings; the gateway routes each request to the selected AI provider
and streams the answer back over websockets, SSE or plain HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			return os.Setenv("SIGHTLINE_CONFIG", configFile)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sightline %s\n", version)
		fmt.Fprintf(out, "  build:   %s\n", buildDate)
		fmt.Fprintf(out, "  commit:  %s\n", gitCommit)
		fmt.Fprintf(out, "  runtime: %s\n", infra.GetRuntimeInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ~/.sightline/sightline.json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(configCmdGroup)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(chatCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config for commands that only inspect state. A broken
// file falls back to defaults with a warning.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), styleWarn.Render("config: "+err.Error()))
		if cfg == nil {
			cfg = config.Default()
		}
	}
	return cfg
}
