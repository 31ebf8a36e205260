package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/sightline/sightline/internal/config"
)

var (
	configShowJSON    bool
	configShowSecrets bool
)

var configCmdGroup = &cobra.Command{
	Use:   "config",
	Short: "Inspect the Sightline configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (file + environment)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !configShowSecrets {
			cfg = redacted(cfg)
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if !configShowJSON {
			if data, err = yaml.JSONToYAML(data); err != nil {
				return fmt.Errorf("render yaml: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n"))
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n", styleMuted.Render("Config file:"), config.ConfigPath())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigPath()
		if _, err := config.LoadFrom(path); err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), styleError.Render("invalid: ")+path)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("ok: ")+path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("wrote ")+path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Print JSON instead of YAML")
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "Do not mask API keys and tokens")

	configCmdGroup.AddCommand(configShowCmd)
	configCmdGroup.AddCommand(configPathCmd)
	configCmdGroup.AddCommand(configValidateCmd)
	configCmdGroup.AddCommand(configInitCmd)
}

// redacted returns a copy of cfg with credentials masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Models.Providers = make(map[string]config.ProviderConfig, len(cfg.Models.Providers))
	for name, p := range cfg.Models.Providers {
		p.APIKey = maskSecret(p.APIKey)
		out.Models.Providers[name] = p
	}
	out.Gateway.Auth.Token = maskSecret(cfg.Gateway.Auth.Token)
	out.Voice.GoogleAPIKey = maskSecret(cfg.Voice.GoogleAPIKey)
	out.Channels.Telegram.BotToken = maskSecret(cfg.Channels.Telegram.BotToken)
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
