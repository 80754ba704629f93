package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

// requestTimeout bounds one-shot commands.
const requestTimeout = 15 * time.Second

// ============================================================================
// Session plumbing
// ============================================================================

// app is everything a command needs: the loaded config and an engine bound to
// the persisted identity store.
type app struct {
	cfg    *Config
	logger *zap.Logger
	store  chatsync.IdentityStore
	engine *chatsync.Engine
	format outputFormat
}

// openApp loads the config, opens the identity store and restores any saved
// identity. Callers must call close.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	format, err := parseFormat(valueOrDefault(flagOutput, cfg.Default.Output))
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(valueOrDefault(flagLogLevel, cfg.Default.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	dataDir := cfg.Default.DataDir
	if dataDir == "" {
		if dataDir, err = configDir(); err != nil {
			return nil, err
		}
	}
	store, err := chatsync.OpenIdentityStore(chatsync.ScopeFor(cfg.Default.Simulator), dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	opts := []chatsync.ClientOption{
		chatsync.WithLogger(logger),
		chatsync.WithTimeout(requestTimeout),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	engine := chatsync.NewEngine(chatsync.NewClient(opts...), store)
	if _, err := engine.Session.Restore(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store, engine: engine, format: format}, nil
}

func (a *app) close() {
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Debug("close identity store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// signedIn fails unless an identity was restored.
func (a *app) signedIn() error {
	if !a.engine.Session.Authenticated() {
		return errors.New("not signed in; run 'chatsync login' first")
	}
	return nil
}

// loadDirectory signs in and fetches the chat, group and invite lists.
func (a *app) loadDirectory(ctx context.Context) error {
	if err := a.signedIn(); err != nil {
		return err
	}
	if err := a.engine.Directory.LoadInitial(ctx); err != nil {
		return fmt.Errorf("failed to load chats: %w", err)
	}
	return nil
}

// selectConversation loads the directory and opens the conversation at index.
func (a *app) selectConversation(ctx context.Context, index int, group bool) error {
	if err := a.loadDirectory(ctx); err != nil {
		return err
	}
	kind := chatsync.SelectChat
	if group {
		kind = chatsync.SelectGroup
	}
	return a.engine.Select(ctx, index, kind)
}

// withTimeout returns the context for a one-shot command.
func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// outcomeError turns a rejected outcome into an error carrying the server's reason.
func outcomeError(out chatsync.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out.Status == chatsync.Rejected {
		return fmt.Errorf("rejected: %s", valueOrDefault(out.Reason, "no reason given"))
	}
	return nil
}

// ============================================================================
// Output
// ============================================================================

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func parseFormat(s string) (outputFormat, error) {
	switch outputFormat(strings.ToLower(s)) {
	case "", formatText:
		return formatText, nil
	case formatJSON:
		return formatJSON, nil
	case formatYAML, "yml":
		return formatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (valid: text, json, yaml)", s)
}

// render writes v in the selected format. text is used for formatText.
func render(w io.Writer, format outputFormat, v interface{}, text func(io.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		out, err := toYAML(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		text(w)
		return nil
	}
}

// toYAML goes through JSON so keys match the wire names in the json tags.
func toYAML(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func (a *app) print(v interface{}, text func(io.Writer)) error {
	return render(os.Stdout, a.format, v, text)
}

// maskKey shows only the ends of a credential.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(none)"
	case len(key) <= 8:
		return strings.Repeat("*", len(key))
	case len(key) <= 16:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
