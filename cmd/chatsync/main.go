package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url" json:"base_url"`
	DataDir   string `toml:"data_dir" json:"data_dir"`
	Simulator bool   `toml:"simulator" json:"simulator"`
	LogLevel  string `toml:"log_level" json:"log_level"`
	Output    string `toml:"output" json:"output"`
}

// configDirEnv overrides the configuration directory.
const configDirEnv = "CHATSYNC_CONFIG_DIR"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv(configDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "data_dir":
			cfg.Default.DataDir = value
		case "simulator":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("simulator must be true or false: %w", err)
			}
			cfg.Default.Simulator = b
		case "log_level":
			cfg.Default.LogLevel = value
		case "output":
			if _, err := parseFormat(value); err != nil {
				return err
			}
			cfg.Default.Output = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

const (
	levelDebug   = "debug"
	levelInfo    = "info"
	levelWarning = "warning"
	levelError   = "error"
	levelDPanic  = "dpanic"
	levelPanic   = "panic"
	levelFatal   = "fatal"
)

// zapLevel maps a level name to a zap level, defaulting to warning.
func zapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case levelDebug:
		return zap.DebugLevel
	case levelInfo:
		return zap.InfoLevel
	case levelWarning, "warn":
		return zap.WarnLevel
	case levelError:
		return zap.ErrorLevel
	case levelDPanic:
		return zap.DPanicLevel
	case levelPanic:
		return zap.PanicLevel
	case levelFatal:
		return zap.FatalLevel
	default:
		return zap.WarnLevel
	}
}

// newLogger writes console-encoded logs to stderr so stdout stays parseable.
func newLogger(level string) (*zap.Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel(level))
	zapConfig.Encoding = "console"
	zapConfig.EncoderConfig = encoderConfig
	return zapConfig.Build()
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagOutput   string
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Real-time chat client",
	Long:          "Command-line client for the chat server.\nSign in, browse chats and groups, send messages and watch live updates.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warning, error (default from config, else warning)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "", "Output format: text, json or yaml (default from config, else text)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
