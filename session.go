package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SelectionKind says which sidebar list a selection index points into.
type SelectionKind string

const (
	SelectChat  SelectionKind = "chat"
	SelectGroup SelectionKind = "group"
)

// NoSelection is the index of an empty selection.
const NoSelection = -1

// Selection points at the active conversation.
type Selection struct {
	Index int           `json:"index"`
	Kind  SelectionKind `json:"kind"`
}

// Active reports whether a conversation is selected.
func (s Selection) Active() bool { return s.Index != NoSelection }

// Session owns the authenticated identity, its persistence and the UI
// selection state.
type Session struct {
	client   *Client
	store    IdentityStore
	notifier *Notifier
	logger   *zap.Logger

	mu          sync.RWMutex
	identity    *Identity
	selection   Selection
	invitePanel bool
	onReset     []func()
	onExpire    []func()
}

// NewSession creates a signed-out session persisting into store.
func NewSession(client *Client, store IdentityStore, notifier *Notifier, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		client:    client,
		store:     store,
		notifier:  notifier,
		logger:    logger.Named("session"),
		selection: Selection{Index: NoSelection, Kind: SelectChat},
	}
}

// Restore loads the persisted identity, if any, and installs its token.
func (s *Session) Restore() (*Identity, error) {
	id, err := LoadIdentity(s.store)
	if err != nil {
		return nil, fmt.Errorf("restore identity: %w", err)
	}
	if id == nil {
		return nil, nil
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	s.client.SetToken(id.Token)
	s.logger.Debug("identity restored", zap.String("email", id.Email))
	return s.Identity(), nil
}

// Login authenticates and persists the returned identity.
func (s *Session) Login(ctx context.Context, email, password string) (Outcome, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return s.invalid(invalid("credentials", "email and password are required"))
	}

	res, err := s.client.Users.Login(ctx, email, password)
	if err != nil {
		s.notifier.fail("session", "Login failed: "+err.Error())
		return rejected(err.Error()), fmt.Errorf("login: %w", err)
	}
	return s.adopt(res)
}

// Register creates an account and signs in as it.
func (s *Session) Register(ctx context.Context, username, email, password string) (Outcome, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	switch {
	case username == "":
		return s.invalid(invalid("username", "username is required"))
	case email == "":
		return s.invalid(invalid("email", "email is required"))
	case strings.TrimSpace(password) == "":
		return s.invalid(invalid("password", "password is required"))
	}

	res, err := s.client.Users.Register(ctx, &RegisterOptions{Username: username, Email: email, Password: password})
	if err != nil {
		s.notifier.fail("session", "Registration failed: "+err.Error())
		return rejected(err.Error()), fmt.Errorf("register: %w", err)
	}
	return s.adopt(res)
}

// UpdateProfile changes the username and background of the current identity.
// An empty username keeps the current one.
func (s *Session) UpdateProfile(ctx context.Context, username string, background int) (Outcome, error) {
	cur := s.Identity()
	if cur == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	if background < 0 {
		return s.invalid(invalid("background", "must not be negative"))
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = cur.Username
	}

	res, err := s.client.Users.Update(ctx, &UpdateProfileOptions{
		Email:      cur.Email,
		Username:   username,
		Background: background,
	})
	if err != nil {
		s.notifier.fail("session", "Profile update failed: "+err.Error())
		return rejected(err.Error()), fmt.Errorf("update profile: %w", err)
	}
	if !res.OK() {
		out := outcomeOf(res, Applied)
		s.notifier.fail("session", out.Reason)
		return out, nil
	}

	updated := *cur
	var fromServer Identity
	if err := res.Decode(&fromServer); err == nil && fromServer.Email != "" {
		updated.Username = fromServer.Username
		updated.ProfilePic = fromServer.ProfilePic
		updated.Background = fromServer.Background
		if fromServer.Token != "" {
			updated.Token = fromServer.Token
		}
	} else {
		updated.Username = username
		updated.Background = background
	}
	if err := s.install(&updated); err != nil {
		return rejected(err.Error()), err
	}
	s.notifier.success("session", nonEmpty(res.Message, "Profile updated"))
	return applied(), nil
}

// Logout forgets the identity and wipes persisted state.
func (s *Session) Logout() error {
	s.clear()
	if err := s.store.Clear(); err != nil {
		return fmt.Errorf("clear identity store: %w", err)
	}
	return nil
}

// Expire handles a rejected credential: persisted state is wiped, the identity
// is dropped and a notice asks the user to sign in again.
func (s *Session) Expire() {
	if err := s.store.Clear(); err != nil {
		s.logger.Error("clear identity store", zap.Error(err))
	}
	s.clear()
	s.notifier.fail("session", "Session expired, please sign in again")

	s.mu.RLock()
	hooks := append([]func(){}, s.onExpire...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h()
	}
}

// OnExpire registers a hook run after Expire.
func (s *Session) OnExpire(h func()) {
	s.mu.Lock()
	s.onExpire = append(s.onExpire, h)
	s.mu.Unlock()
}

// OnSelectionReset registers a hook run when the selected conversation disappears.
func (s *Session) OnSelectionReset(h func()) {
	s.mu.Lock()
	s.onReset = append(s.onReset, h)
	s.mu.Unlock()
}

// Identity returns a copy of the current identity, or nil when signed out.
func (s *Session) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// Authenticated reports whether an identity is present.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

// Email returns the identity key, or "" when signed out.
func (s *Session) Email() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.Email
}

// Select points the selection at index in the kind list. NoSelection clears it.
func (s *Session) Select(index int, kind SelectionKind) error {
	if index < NoSelection {
		return invalid("index", "must be -1 or greater")
	}
	if kind != SelectChat && kind != SelectGroup {
		return invalid("kind", fmt.Sprintf("unknown selection kind %q", kind))
	}
	s.mu.Lock()
	s.selection = Selection{Index: index, Kind: kind}
	s.mu.Unlock()
	return nil
}

// Selection returns the current selection.
func (s *Session) Selection() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// ClearSelection resets the selection to none.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	s.selection.Index = NoSelection
	s.mu.Unlock()
}

// ToggleInvitePanel flips the invite panel flag and returns the new value.
func (s *Session) ToggleInvitePanel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitePanel = !s.invitePanel
	return s.invitePanel
}

// InvitePanelOpen reports whether the invite panel is shown.
func (s *Session) InvitePanelOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invitePanel
}

// removed keeps the selection pointing at the same conversation after the
// entry at index was removed from the kind list. Selecting the removed entry
// resets the selection and runs the reset hooks.
func (s *Session) removed(kind SelectionKind, index int) {
	s.mu.Lock()
	sel := s.selection
	reset := false
	if sel.Kind == kind && sel.Active() {
		switch {
		case sel.Index == index:
			s.selection.Index = NoSelection
			reset = true
		case sel.Index > index:
			s.selection.Index--
		}
	}
	hooks := append([]func(){}, s.onReset...)
	s.mu.Unlock()

	if reset {
		for _, h := range hooks {
			h()
		}
	}
}

func (s *Session) adopt(res *Result) (Outcome, error) {
	out := outcomeOf(res, Applied)
	if !out.OK() {
		s.notifier.fail("session", out.Reason)
		return out, nil
	}
	var id Identity
	if err := res.Decode(&id); err != nil {
		return rejected("malformed identity"), fmt.Errorf("decode identity: %w", err)
	}
	if id.Email == "" {
		return rejected("malformed identity"), fmt.Errorf("decode identity: missing email")
	}
	s.ClearSelection()
	if err := s.install(&id); err != nil {
		return rejected(err.Error()), err
	}
	s.logger.Info("signed in", zap.String("email", id.Email))
	s.notifier.success("session", fmt.Sprintf("%s Welcome %s", nonEmpty(res.Message, "Signed in."), id.Username))
	return out, nil
}

func (s *Session) install(id *Identity) error {
	if err := SaveIdentity(s.store, id); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	s.mu.Lock()
	cp := *id
	s.identity = &cp
	s.mu.Unlock()
	s.client.SetToken(id.Token)
	return nil
}

func (s *Session) clear() {
	s.mu.Lock()
	s.identity = nil
	s.selection = Selection{Index: NoSelection, Kind: SelectChat}
	s.invitePanel = false
	s.mu.Unlock()
	s.client.SetToken("")
}

func (s *Session) invalid(err error) (Outcome, error) {
	s.notifier.fail("session", err.Error())
	return rejected(err.Error()), err
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
