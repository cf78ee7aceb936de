package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/scenesync/am"
	"github.com/teranos/scenesync/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage scenesync configuration",
	Long: `am - Manage scenesync configuration ("I am")

Display and manage scenesync configuration settings.

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (SCENESYNC_* prefix)
3. Project config (./am.toml or ./scenesync.toml, searched up directories)
4. User config (~/.scenesync/am.toml)
5. System config (/etc/scenesync/am.toml)
6. Default values

A running peer picks up policy changes in the project config without a
restart.

Examples:
  scenesync am show                          # Show current configuration
  scenesync am show --format json            # Show configuration in JSON format
  scenesync am show --sources                # Show where each value comes from
  scenesync am set policy.default_mode SCULPT
  scenesync am validate                      # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current scenesync configuration from all sources",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current scenesync configuration is valid, including the policy rules",
	RunE:  runAmValidate,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Write one value into the project config, or into ~/.scenesync/am.toml
when there is no project config. The previous file is kept as a rotating
backup (.back1, .back2, .back3).

Values are written as booleans or numbers when they parse as such.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var (
	configFormat string
	showSources  bool
	setUser      bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "Show the source of every setting")
	amSetCmd.Flags().BoolVar(&setUser, "user", false, "Write to ~/.scenesync/am.toml even inside a project")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amSetCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if showSources {
		return showConfigSources()
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# scenesync configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# scenesync configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func showConfigSources() error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	data := pterm.TableData{{"Key", "Value", "Source"}}
	for _, setting := range intro.Settings {
		valueStr := fmt.Sprintf("%v", setting.Value)
		if len(valueStr) > 50 {
			valueStr = valueStr[:47] + "..."
		}
		source := string(setting.Source)
		if setting.SourcePath != "" {
			source += " (" + setting.SourcePath + ")"
		}
		data = append(data, []string{setting.Key, valueStr, source})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	table, err := cfg.PolicyTable()
	if err != nil {
		return err
	}

	fmt.Println("✓ Configuration is valid")
	fmt.Printf("  %d policy rules, default mode %s\n", len(table.Entries()), cfg.GetDefaultMode())
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, err := configTarget(setUser)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	value := parseConfigValue(args[1])
	if err := am.SetValue(path, args[0], value); err != nil {
		return err
	}

	// the value must still make a valid configuration
	if cfg, err := am.LoadFromFile(path); err == nil {
		if err := cfg.Validate(); err != nil {
			pterm.Warning.Printf("%s now fails validation: %v\n", path, err)
		}
	}
	pterm.Success.Printf("%s = %v (%s)\n", args[0], value, path)
	return nil
}

// configTarget picks the file am set writes to.
func configTarget(user bool) (string, error) {
	if !user {
		if project := am.ProjectConfigPath(); project != "" {
			return project, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to find home directory")
	}
	return filepath.Join(home, ".scenesync", "am.toml"), nil
}

// parseConfigValue types a command line value the way TOML would.
func parseConfigValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil && !isNumeric(raw) {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// isNumeric keeps "1" and "0" numbers rather than booleans.
func isNumeric(s string) bool {
	return strings.Trim(s, "0123456789") == ""
}
