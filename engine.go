package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	realtime *RealtimeConfig
	stream   *StreamOptions
	notifier *Notifier
	logger   *zap.Logger
}

// WithRealtimeConfig sets the push-channel configuration.
func WithRealtimeConfig(cfg *RealtimeConfig) EngineOption {
	return func(c *engineConfig) { c.realtime = cfg }
}

// WithStreamOptions sets the message stream options.
func WithStreamOptions(opts *StreamOptions) EngineOption {
	return func(c *engineConfig) { c.stream = opts }
}

// WithNotifier shares a notifier instead of creating one.
func WithNotifier(n *Notifier) EngineOption {
	return func(c *engineConfig) { c.notifier = n }
}

// WithEngineLogger sets the logger; the client's logger is used otherwise.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = logger }
}

// Engine wires the connection and the stores for one signed-in identity.
// Every component is reachable for reads; mutations go through their methods.
type Engine struct {
	Client    *Client
	Bus       *Bus
	Conn      *Connection
	Session   *Session
	Directory *DirectoryStore
	Stream    *MessageStream
	Presence  *PresenceTracker
	Notifier  *Notifier

	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	stopTick func()
}

// NewEngine builds the component graph around client, persisting the identity in store.
func NewEngine(client *Client, store IdentityStore, opts ...EngineOption) *Engine {
	cfg := &engineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = client.Logger()
	}
	if cfg.notifier == nil {
		cfg.notifier = NewNotifier(0)
	}
	rt := RealtimeConfig{}
	if cfg.realtime != nil {
		rt = *cfg.realtime
	}
	if rt.Logger == nil {
		rt.Logger = cfg.logger
	}

	e := &Engine{
		Client:   client,
		Bus:      NewBus(cfg.logger),
		Notifier: cfg.notifier,
		logger:   cfg.logger.Named("engine"),
	}
	e.Conn = client.Realtime(e.Bus, &rt)
	e.Session = NewSession(client, store, e.Notifier, cfg.logger)
	e.Directory = NewDirectoryStore(client, e.Session, e.Notifier, cfg.logger)
	e.Presence = NewPresenceTracker(e.Conn, e.Directory.ContactEmails, cfg.logger)
	e.Stream = NewMessageStream(client, e.Session, e.Conn, e.Notifier, cfg.logger, cfg.stream)

	client.OnUnauthorized(func(err error) {
		e.logger.Warn("credential rejected, ending session", zap.Error(err))
		e.Session.Expire()
	})
	e.Session.OnExpire(func() {
		e.Stop()
		e.Directory.Reset()
		e.Presence.Reset()
		_ = e.Stream.SwitchChat(context.Background(), "")
	})
	e.Session.OnSelectionReset(func() {
		_ = e.Stream.SwitchChat(context.Background(), "")
	})
	return e
}

// Start connects the push channel as the current identity, subscribes the
// stores and loads the directory. Calling it while running is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	me := e.Session.Identity()
	if me == nil {
		return ErrNoIdentity
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.Directory.Attach(e.Bus)
	e.Stream.Attach(e.Bus)
	e.Presence.Attach(e.Bus)
	e.stopTick = e.Conn.OnTick(e.Presence.Poll)
	e.mu.Unlock()

	var errs []error
	if err := e.Conn.Connect(ctx, me.Email); err != nil {
		msg := "Live updates are unavailable: "
		if e.Conn.State() == StateReconnecting {
			msg = "Live updates are unavailable, retrying: "
		}
		e.Notifier.fail("realtime", msg+err.Error())
		errs = append(errs, fmt.Errorf("connect: %w", err))
	}
	if err := e.Directory.LoadInitial(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Running reports whether Start has run without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stop unsubscribes the stores and closes the push channel.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopTick := e.stopTick
	e.stopTick = nil
	e.mu.Unlock()

	if stopTick != nil {
		stopTick()
	}
	e.Directory.Detach()
	e.Stream.Detach()
	e.Presence.Detach()
	if err := e.Conn.Disconnect(); err != nil {
		e.logger.Debug("disconnect", zap.Error(err))
	}
}

// Logout stops the engine, forgets the identity and clears all local state.
func (e *Engine) Logout() error {
	e.Stop()
	e.Directory.Reset()
	e.Presence.Reset()
	_ = e.Stream.SwitchChat(context.Background(), "")
	return e.Session.Logout()
}

// Select makes the conversation at index in the kind list active and loads
// its history. NoSelection clears the active conversation.
func (e *Engine) Select(ctx context.Context, index int, kind SelectionKind) error {
	if index == NoSelection {
		e.Session.ClearSelection()
		return e.Stream.SwitchChat(ctx, "")
	}

	me := e.Session.Email()
	var id string
	var peers []string
	switch kind {
	case SelectChat:
		chat, ok := e.Directory.ChatAt(index)
		if !ok {
			return invalid("index", fmt.Sprintf("no chat at %d", index))
		}
		id, peers = chat.ID, []string{chat.Participant.Email}
	case SelectGroup:
		g, ok := e.Directory.GroupAt(index)
		if !ok {
			return invalid("index", fmt.Sprintf("no group at %d", index))
		}
		id = g.ID
		for _, m := range g.Members {
			if !strings.EqualFold(m.Email, me) {
				peers = append(peers, m.Email)
			}
		}
	default:
		return invalid("kind", fmt.Sprintf("unknown selection kind %q", kind))
	}

	if err := e.Session.Select(index, kind); err != nil {
		return err
	}
	return e.Stream.SwitchChat(ctx, id, peers...)
}
