package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DirectoryStore holds the sidebar collections: direct chats, groups and
// pending invites. It merges the initial REST load with push events.
type DirectoryStore struct {
	client   *Client
	session  *Session
	notifier *Notifier
	logger   *zap.Logger

	mu      sync.RWMutex
	chats   []DirectChat
	groups  []Group
	invites []Invite
	loaded  bool
	cancel  []func()
}

// NewDirectoryStore creates an empty directory for the session's identity.
func NewDirectoryStore(client *Client, session *Session, notifier *Notifier, logger *zap.Logger) *DirectoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryStore{
		client:   client,
		session:  session,
		notifier: notifier,
		logger:   logger.Named("directory"),
	}
}

// Attach subscribes the directory to its push events on sub.
func (d *DirectoryStore) Attach(sub Subscriber) {
	cancels := []func(){
		sub.Subscribe("directory", EventChatCreated, func(e Event) {
			if ev, ok := e.(ChatCreatedEvent); ok {
				d.onChatCreated(ev.Chat)
			}
		}),
		sub.Subscribe("directory", EventGroupCreated, func(e Event) {
			if ev, ok := e.(GroupCreatedEvent); ok {
				d.onGroupCreated(ev.Group)
			}
		}),
		sub.Subscribe("directory", EventInviteReceived, func(e Event) {
			if ev, ok := e.(InviteReceivedEvent); ok {
				d.onInviteReceived(ev.Invite)
			}
		}),
		sub.Subscribe("directory", EventChatRemoved, func(e Event) {
			if ev, ok := e.(ChatRemovedEvent); ok {
				d.onChatRemoved(ev.ChatID)
			}
		}),
	}
	d.mu.Lock()
	d.cancel = append(d.cancel, cancels...)
	d.mu.Unlock()
}

// Detach drops the directory's subscriptions.
func (d *DirectoryStore) Detach() {
	d.mu.Lock()
	cancels := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Reset empties every collection.
func (d *DirectoryStore) Reset() {
	d.mu.Lock()
	d.chats, d.groups, d.invites = nil, nil, nil
	d.loaded = false
	d.mu.Unlock()
}

// ============================================================================
// Initial Load
// ============================================================================

// LoadInitial fetches chats, groups and invites and replaces all three
// collections. On any failure the previous state is kept.
func (d *DirectoryStore) LoadInitial(ctx context.Context) error {
	me := d.session.Identity()
	if me == nil {
		return ErrNoIdentity
	}

	records, err := fetchList[ChatRecord](ctx, d.client.Chats.List, me.Email)
	if err != nil {
		return d.loadFailed("chats", err)
	}
	groups, err := fetchList[Group](ctx, d.client.Groups.List, me.Email)
	if err != nil {
		return d.loadFailed("groups", err)
	}
	invites, err := fetchList[Invite](ctx, d.client.Chats.Invites, me.Email)
	if err != nil {
		return d.loadFailed("invites", err)
	}

	chats := make([]DirectChat, 0, len(records))
	for _, rec := range records {
		chat, ok := projectChat(rec, me.Email)
		if !ok {
			d.logger.Warn("chat does not include local identity", zap.String("chat", rec.ID))
			continue
		}
		chats = append(chats, chat)
	}

	d.mu.Lock()
	d.chats = chats
	d.groups = groups
	d.invites = invites
	d.loaded = true
	d.mu.Unlock()

	d.logger.Info("directory loaded",
		zap.Int("chats", len(chats)),
		zap.Int("groups", len(groups)),
		zap.Int("invites", len(invites)))
	return nil
}

// Loaded reports whether LoadInitial has succeeded since the last Reset.
func (d *DirectoryStore) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *DirectoryStore) loadFailed(what string, err error) error {
	d.logger.Warn("load failed", zap.String("collection", what), zap.Error(err))
	d.notifier.fail("directory", "Something went wrong loading your "+what+". Please try again later.")
	return fmt.Errorf("load %s: %w", what, err)
}

func fetchList[T any](ctx context.Context, fetch func(context.Context, string) (*Result, error), email string) ([]T, error) {
	res, err := fetch(ctx, email)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, resultError(res)
	}
	var items []T
	if err := res.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return items, nil
}

// resultError turns a logically failed 200 envelope into an error.
func resultError(res *Result) error {
	return &APIError{StatusCode: http.StatusOK, Status: res.Status, Message: res.Message}
}

// projectChat keeps the participant that is not the local identity. It fails
// when the local identity is missing from the record.
func projectChat(rec ChatRecord, localEmail string) (DirectChat, bool) {
	var other *UserSummary
	found := false
	for i := range rec.Participants {
		p := &rec.Participants[i]
		if strings.EqualFold(p.Email, localEmail) && !found {
			found = true
			continue
		}
		if other == nil {
			other = p
		}
	}
	if !found || other == nil {
		return DirectChat{}, false
	}
	return DirectChat{
		ID:          rec.ID,
		Participant: *other,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, true
}

// ============================================================================
// Push Handlers
// ============================================================================

func (d *DirectoryStore) onChatCreated(rec ChatRecord) {
	me := d.session.Email()
	chat, ok := projectChat(rec, me)
	if !ok {
		d.logger.Warn("ignoring chat without local identity", zap.String("chat", rec.ID), zap.String("identity", me))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.chats {
		if c.ID == chat.ID || strings.EqualFold(c.Participant.Email, chat.Participant.Email) {
			d.logger.Debug("duplicate chat", zap.String("chat", chat.ID))
			return
		}
	}
	d.chats = append(d.chats, chat)
	d.invites = removeInvite(d.invites, chat.Participant.Email)
}

func (d *DirectoryStore) onGroupCreated(g Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.groups {
		if existing.ID == g.ID {
			return
		}
	}
	g.Members = append([]UserSummary(nil), g.Members...)
	d.groups = append(d.groups, g)
}

func (d *DirectoryStore) onInviteReceived(inv Invite) {
	d.mu.Lock()
	for _, existing := range d.invites {
		if (inv.ID != "" && existing.ID == inv.ID) || strings.EqualFold(existing.Email, inv.Email) {
			d.mu.Unlock()
			return
		}
	}
	d.invites = append(d.invites, inv)
	d.mu.Unlock()

	d.notifier.info("directory", fmt.Sprintf("New invite from %s", nonEmpty(inv.Username, inv.Email)))
}

func (d *DirectoryStore) onChatRemoved(chatID string) {
	d.mu.Lock()
	index := -1
	for i, c := range d.chats {
		if c.ID == chatID {
			index = i
			break
		}
	}
	if index < 0 {
		d.mu.Unlock()
		return
	}
	d.chats = append(d.chats[:index], d.chats[index+1:]...)
	d.mu.Unlock()

	d.session.removed(SelectChat, index)
}

func removeInvite(invites []Invite, email string) []Invite {
	out := invites[:0]
	for _, inv := range invites {
		if !strings.EqualFold(inv.Email, email) {
			out = append(out, inv)
		}
	}
	return out
}

// ============================================================================
// Actions
// ============================================================================

// InviteUser asks the server to send an invite to email.
func (d *DirectoryStore) InviteUser(ctx context.Context, email string) (Outcome, error) {
	me := d.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return d.invalid(invalid("email", "please enter an email"))
	case strings.EqualFold(email, me.Email):
		return d.invalid(invalid("email", "you cannot invite yourself"))
	}

	res, err := d.client.Chats.Invite(ctx, &InviteOptions{
		InvitedEmail:      email,
		InviteeEmail:      me.Email,
		InviteeUsername:   me.Username,
		InviteeProfilePic: me.ProfilePic,
	})
	if err != nil {
		return d.requestFailed("invite", err)
	}
	out := outcomeOf(res, Applied)
	d.report(out, nonEmpty(res.Message, "Invite sent"))
	return out, nil
}

// AcceptInvite accepts the invite from email. The invite is removed only when
// the server reports success; the chat itself arrives later as a push event.
func (d *DirectoryStore) AcceptInvite(ctx context.Context, email string) (Outcome, error) {
	me := d.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	res, err := d.client.Chats.AcceptInvite(ctx, me.Email, email)
	if err != nil {
		return d.requestFailed("accept invite", err)
	}
	out := outcomeOf(res, Pending)
	if out.OK() {
		d.dropInvite(email)
	}
	d.report(out, nonEmpty(res.Message, "Invite accepted"))
	return out, nil
}

// RejectInvite declines the invite from email.
func (d *DirectoryStore) RejectInvite(ctx context.Context, email string) (Outcome, error) {
	me := d.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	res, err := d.client.Chats.RejectInvite(ctx, me.Email, email)
	if err != nil {
		return d.requestFailed("reject invite", err)
	}
	out := outcomeOf(res, Applied)
	if out.OK() {
		d.dropInvite(email)
	}
	d.report(out, nonEmpty(res.Message, "Invite rejected"))
	return out, nil
}

// CreateGroup asks the server to create a group with the local identity and
// members. The group arrives later as a push event.
func (d *DirectoryStore) CreateGroup(ctx context.Context, name, icon string, members []string) (Outcome, error) {
	me := d.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return d.invalid(invalid("groupName", "group name is required"))
	}

	seen := map[string]bool{strings.ToLower(me.Email): true}
	participants := []string{me.Email}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[strings.ToLower(m)] {
			continue
		}
		seen[strings.ToLower(m)] = true
		participants = append(participants, m)
	}
	if len(participants) < 2 {
		return d.invalid(invalid("participants", "select at least one member"))
	}

	res, err := d.client.Groups.Create(ctx, &CreateGroupOptions{Name: name, Icon: icon, Participants: participants})
	if err != nil {
		return d.requestFailed("create group", err)
	}
	out := outcomeOf(res, Pending)
	d.report(out, nonEmpty(res.Message, "Group created successfully!"))
	return out, nil
}

// DeleteDirectChat deletes a chat and removes it locally once the server agrees.
func (d *DirectoryStore) DeleteDirectChat(ctx context.Context, chatID string) (Outcome, error) {
	me := d.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	chat, ok := d.chatByID(chatID)
	if !ok {
		return d.invalid(invalid("chat", "unknown chat "+chatID))
	}

	res, err := d.client.Chats.Delete(ctx, chatID, me.Email, chat.Participant.Email)
	if err != nil {
		return d.requestFailed("delete chat", err)
	}
	out := outcomeOf(res, Applied)
	if out.OK() {
		d.onChatRemoved(chatID)
	}
	d.report(out, nonEmpty(res.Message, "Chat deleted"))
	return out, nil
}

// DeleteGroup deletes a group and removes it locally once the server agrees.
func (d *DirectoryStore) DeleteGroup(ctx context.Context, groupID string) (Outcome, error) {
	me := d.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	g, ok := d.groupByID(groupID)
	if !ok {
		return d.invalid(invalid("group", "unknown group "+groupID))
	}
	members := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		members = append(members, m.Email)
	}

	res, err := d.client.Groups.Delete(ctx, groupID, me.Email, members)
	if err != nil {
		return d.requestFailed("delete group", err)
	}
	out := outcomeOf(res, Applied)
	if out.OK() {
		d.removeGroup(groupID)
	}
	d.report(out, nonEmpty(res.Message, "Group deleted"))
	return out, nil
}

func (d *DirectoryStore) dropInvite(email string) {
	d.mu.Lock()
	d.invites = removeInvite(d.invites, email)
	d.mu.Unlock()
}

func (d *DirectoryStore) removeGroup(groupID string) {
	d.mu.Lock()
	index := -1
	for i, g := range d.groups {
		if g.ID == groupID {
			index = i
			break
		}
	}
	if index < 0 {
		d.mu.Unlock()
		return
	}
	d.groups = append(d.groups[:index], d.groups[index+1:]...)
	d.mu.Unlock()

	d.session.removed(SelectGroup, index)
}

func (d *DirectoryStore) invalid(err error) (Outcome, error) {
	d.notifier.fail("directory", err.Error())
	return rejected(err.Error()), err
}

func (d *DirectoryStore) requestFailed(action string, err error) (Outcome, error) {
	d.logger.Warn("request failed", zap.String("action", action), zap.Error(err))
	d.notifier.fail("directory", fmt.Sprintf("Could not %s: %v", action, err))
	return rejected(err.Error()), fmt.Errorf("%s: %w", action, err)
}

func (d *DirectoryStore) report(out Outcome, successMsg string) {
	if out.OK() {
		d.notifier.success("directory", successMsg)
		return
	}
	d.notifier.fail("directory", out.Reason)
}

// ============================================================================
// Snapshots
// ============================================================================

// Chats returns a copy of the direct chats in sidebar order.
func (d *DirectoryStore) Chats() []DirectChat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DirectChat(nil), d.chats...)
}

// Groups returns a copy of the groups in sidebar order.
func (d *DirectoryStore) Groups() []Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Group, len(d.groups))
	for i, g := range d.groups {
		g.Members = append([]UserSummary(nil), g.Members...)
		out[i] = g
	}
	return out
}

// Invites returns a copy of the pending invites.
func (d *DirectoryStore) Invites() []Invite {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Invite(nil), d.invites...)
}

// ContactEmails returns the other participant of every direct chat.
func (d *DirectoryStore) ContactEmails() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.chats))
	for _, c := range d.chats {
		out = append(out, c.Participant.Email)
	}
	return out
}

// ChatAt returns the chat at a sidebar index.
func (d *DirectoryStore) ChatAt(index int) (DirectChat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 || index >= len(d.chats) {
		return DirectChat{}, false
	}
	return d.chats[index], true
}

// GroupAt returns the group at a sidebar index.
func (d *DirectoryStore) GroupAt(index int) (Group, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 || index >= len(d.groups) {
		return Group{}, false
	}
	g := d.groups[index]
	g.Members = append([]UserSummary(nil), g.Members...)
	return g, true
}

func (d *DirectoryStore) chatByID(id string) (DirectChat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.chats {
		if c.ID == id {
			return c, true
		}
	}
	return DirectChat{}, false
}

func (d *DirectoryStore) groupByID(id string) (Group, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, g := range d.groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// FilterChats returns the chats whose participant name contains term, ignoring case.
func (d *DirectoryStore) FilterChats(term string) []DirectChat {
	needle := strings.ToLower(strings.TrimSpace(term))
	chats := d.Chats()
	if needle == "" {
		return chats
	}
	out := chats[:0]
	for _, c := range chats {
		if strings.Contains(strings.ToLower(displayName(c.Participant)), needle) {
			out = append(out, c)
		}
	}
	return out
}

// FilterGroups returns the groups whose name contains term, ignoring case.
func (d *DirectoryStore) FilterGroups(term string) []Group {
	needle := strings.ToLower(strings.TrimSpace(term))
	groups := d.Groups()
	if needle == "" {
		return groups
	}
	out := groups[:0]
	for _, g := range groups {
		if strings.Contains(strings.ToLower(g.Name), needle) {
			out = append(out, g)
		}
	}
	return out
}

func displayName(u UserSummary) string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}
