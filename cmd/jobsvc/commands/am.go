package commands

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/display"
	"github.com/teranos/jobsvc/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show jobsvc configuration",
	Long: sym.AM + ` am — Show jobsvc configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/jobsvc/config.toml)
3. User config (~/.jobsvc/config.toml)
4. Project config (nearest jobsvc.toml, searching up directories)
5. Environment variables (JOBSVC_* prefix)

Examples:
  jobsvc am show                    # Show current configuration
  jobsvc am show --format yaml      # Show configuration in YAML format
  jobsvc am get leader.heartbeat_expiration
  jobsvc am where                   # Show where each setting comes from
  jobsvc am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeConfig(cmd.OutOrStdout(), cfg, configFormat)
	},
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, retry.max_retries)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !am.GetViper().IsSet(key) {
			return fmt.Errorf("configuration key %q not found", key)
		}
		fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting is loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		data := pterm.TableData{{"KEY", "VALUE", "SOURCE", "PATH"}}
		for _, s := range am.Settings() {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source.Source), s.Source.Path})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// writeConfig renders cfg in one of the supported formats.
func writeConfig(w io.Writer, cfg *am.Config, format string) error {
	switch format {
	case "json":
		return display.OutputJSON(w, cfg)

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Fprintf(w, "# jobsvc configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Fprintf(w, "# jobsvc configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}
