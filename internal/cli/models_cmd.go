package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/domain/model"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the providers and models requests can target",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := model.DefaultCatalog()
		out := cmd.OutOrStdout()
		if modelsJSON {
			data, err := catalog.MarshalJSON()
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(out, pretty.String())
			return nil
		}

		cfg := loadConfig(cmd)
		fmt.Fprint(out, renderCatalog(catalog, cfg))
		return nil
	},
}

func renderCatalog(catalog *model.Catalog, cfg *config.Config) string {
	var b strings.Builder
	defaultProvider := model.ParseProviderID(cfg.Models.DefaultProvider)
	for _, p := range catalog.Providers() {
		header := styleTitle.Render(string(p))
		if p == defaultProvider {
			header += " " + styleSuccess.Render("(default provider)")
		}
		if cfg.Provider(string(p)).APIKey == "" {
			header += " " + styleWarn.Render("no API key")
		}
		b.WriteString(header + "\n")

		defaultModel, _ := catalog.DefaultModel(p)
		models, _ := catalog.Models(p)
		for _, m := range models {
			marker := "  "
			if m.ID == defaultModel {
				marker = styleSuccess.Render("* ")
			}
			line := fmt.Sprintf("  %s%-32s %s", marker, m.ID, m.Name)
			if len(m.Capabilities) > 0 {
				line += " " + styleMuted.Render("["+strings.Join(m.Capabilities, ", ")+"]")
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

var (
	resolveModel    string
	resolveProvider string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which provider and model a request would use",
	Example: `  sightline resolve --model gpt-4o
  sightline resolve --provider claude
  sightline resolve --model gemini-2.0-flash --provider openai`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		resolver := model.NewResolver(model.DefaultCatalog())
		target, err := resolver.Resolve(resolveModel, resolveProvider, model.ParseProviderID(cfg.Models.DefaultProvider))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTarget(target))
		return nil
	},
}

func renderTarget(t model.ResolvedTarget) string {
	body := fmt.Sprintf("%s %s %s\n%s %s %s",
		styleMuted.Render("provider:"), string(t.Provider()), styleMuted.Render("("+string(t.ProviderSource())+")"),
		styleMuted.Render("model:   "), t.ModelID(), styleMuted.Render("("+string(t.ModelSource())+")"))
	return styleBox.Render(body)
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print the catalog as JSON")
	resolveCmd.Flags().StringVarP(&resolveModel, "model", "m", "", "Requested model id")
	resolveCmd.Flags().StringVarP(&resolveProvider, "provider", "p", "", "Requested provider")
}
