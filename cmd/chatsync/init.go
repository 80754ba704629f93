package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initSimulator bool

func init() {
	initCmd.Flags().BoolVar(&initSimulator, "simulator", false, "Keep the identity in memory only, so several users can run side by side")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the chat server URL in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the chat server address in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("base URL must start with http:// or https://")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if cmd.Flags().Changed("simulator") {
			cfg.Default.Simulator = initSimulator
		}
		if cfg.Default.Output == "" {
			cfg.Default.Output = string(formatText)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server %s saved to %s\n", baseURL, path)
		return nil
	},
}
