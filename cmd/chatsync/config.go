package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

// configKeys are the settable keys, in display order.
var configKeys = []struct {
	key  string
	desc string
}{
	{"default.base_url", "chat server address (default " + chatsync.DefaultBaseURL + ")"},
	{"default.data_dir", "directory of the device identity database (default: the config directory)"},
	{"default.simulator", "true keeps the identity in memory for one process, so several users can run side by side"},
	{"default.log_level", "debug, info, warning or error (default warning)"},
	{"default.output", "text, json or yaml (default text)"},
}

func configKeyHelp() string {
	var b strings.Builder
	b.WriteString("Keys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-20s %s\n", k.key, k.desc)
	}
	return b.String()
}

func init() {
	configSetCmd.Long = "Set a configuration value using dot notation.\n\n" + configKeyHelp() +
		"\nExample: chatsync config set default.simulator true"
	configCmd.Long = "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml\n" +
		"(or $" + configDirEnv + "/config.toml).\n\n" + configKeyHelp()

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
}

// effectiveConfig fills unset fields with the values commands fall back to.
func effectiveConfig(cfg *Config) (Config, error) {
	eff := *cfg
	eff.Default.BaseURL = valueOrDefault(eff.Default.BaseURL, chatsync.DefaultBaseURL)
	if eff.Default.DataDir == "" {
		dir, err := configDir()
		if err != nil {
			return eff, err
		}
		eff.Default.DataDir = dir
	}
	eff.Default.LogLevel = valueOrDefault(eff.Default.LogLevel, levelWarning)
	eff.Default.Output = valueOrDefault(eff.Default.Output, string(formatText))
	return eff, nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration with defaults filled in for unset keys. --output json|yaml changes the format; text prints TOML.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		format, err := parseFormat(valueOrDefault(flagOutput, cfg.Default.Output))
		if err != nil {
			return err
		}
		eff, err := effectiveConfig(cfg)
		if err != nil {
			return err
		}

		path, _ := configPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "No configuration file yet; showing defaults. Run 'chatsync init <base-url>' to create one.")
		}
		return render(os.Stdout, format, eff.Default, func(w io.Writer) {
			data, err := toml.Marshal(eff)
			if err != nil {
				fmt.Fprintf(w, "cannot marshal config: %v\n", err)
				return
			}
			fmt.Fprintf(w, "# %s\n%s", path, data)
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
