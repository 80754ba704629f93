package chatsync

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfEmail = "a@x.com"

func newTestDirectory(t *testing.T) (*DirectoryStore, *fakeServer, *Session, *Notifier) {
	t.Helper()
	srv := newFakeServer(t)
	client := srv.client()
	s := signedInSession(t, client, selfEmail)
	notes := NewNotifier(0)
	return NewDirectoryStore(client, s, notes, nil), srv, s, notes
}

func serveDirectory(srv *fakeServer, chats []ChatRecord, groups []Group, invites []Invite) {
	srv.ok("GET", "/api/chat/getAllChats", chats)
	srv.ok("GET", "/api/group/getAllGroups", groups)
	srv.ok("GET", "/api/chat/getAllInvites", invites)
}

func TestDirectoryLoadInitial(t *testing.T) {
	d, srv, _, _ := newTestDirectory(t)
	serveDirectory(srv,
		[]ChatRecord{
			chatRecord("c1", selfEmail, "b@x.com"),
			chatRecord("c2", "c@x.com", selfEmail),
			chatRecord("stray", "x@x.com", "y@x.com"),
		},
		[]Group{{ID: "g1", Name: "Team", Members: []UserSummary{user(selfEmail), user("b@x.com")}}},
		[]Invite{{ID: "i1", Email: "d@x.com", Username: "dee"}},
	)

	require.NoError(t, d.LoadInitial(context.Background()))
	assert.True(t, d.Loaded())

	chats := d.Chats()
	require.Len(t, chats, 2, "chats without the local identity are dropped")
	assert.Equal(t, "b@x.com", chats[0].Participant.Email)
	assert.Equal(t, "c@x.com", chats[1].Participant.Email)
	assert.Equal(t, []string{"b@x.com", "c@x.com"}, d.ContactEmails())
	assert.Len(t, d.Groups(), 1)
	assert.Len(t, d.Invites(), 1)
}

func TestDirectoryLoadFailureKeepsState(t *testing.T) {
	d, srv, _, notes := newTestDirectory(t)
	serveDirectory(srv, []ChatRecord{chatRecord("c1", selfEmail, "b@x.com")}, nil, nil)
	require.NoError(t, d.LoadInitial(context.Background()))

	srv.ok("GET", "/api/chat/getAllChats", []ChatRecord{chatRecord("c9", selfEmail, "z@x.com")})
	srv.refuse("GET", "/api/group/getAllGroups", "database unavailable")

	err := d.LoadInitial(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "database unavailable", apiErr.Message)

	chats := d.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "c1", chats[0].ID, "a partial load must not replace anything")

	recent := notes.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, NoticeError, recent[len(recent)-1].Level)
}

func TestDirectoryChatCreatedDedupes(t *testing.T) {
	d, _, _, _ := newTestDirectory(t)
	bus := NewBus(nil)
	d.Attach(bus)

	rec := chatRecord("c1", selfEmail, "b@x.com")
	bus.Publish(ChatCreatedEvent{Chat: rec})
	bus.Publish(ChatCreatedEvent{Chat: rec})
	bus.Publish(ChatCreatedEvent{Chat: chatRecord("c1-again", "b@x.com", selfEmail)})
	bus.Publish(ChatCreatedEvent{Chat: chatRecord("other", "x@x.com", "y@x.com")})

	chats := d.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "c1", chats[0].ID)

	d.Detach()
	bus.Publish(ChatCreatedEvent{Chat: chatRecord("c2", selfEmail, "c@x.com")})
	assert.Len(t, d.Chats(), 1)
}

func TestDirectoryGroupAndInviteDedupe(t *testing.T) {
	d, _, _, notes := newTestDirectory(t)
	bus := NewBus(nil)
	d.Attach(bus)

	g := Group{ID: "g1", Name: "Team", Members: []UserSummary{user(selfEmail), user("b@x.com")}}
	bus.Publish(GroupCreatedEvent{Group: g})
	bus.Publish(GroupCreatedEvent{Group: g})
	assert.Len(t, d.Groups(), 1)

	bus.Publish(InviteReceivedEvent{Invite: Invite{ID: "i1", Email: "d@x.com"}})
	bus.Publish(InviteReceivedEvent{Invite: Invite{ID: "i2", Email: "D@x.com"}})
	bus.Publish(InviteReceivedEvent{Invite: Invite{ID: "i1", Email: "d@x.com"}})
	assert.Len(t, d.Invites(), 1)

	infos := 0
	for _, n := range notes.Recent() {
		if n.Level == NoticeInfo {
			infos++
		}
	}
	assert.Equal(t, 1, infos)
}

// Accepting an invite and then receiving the matching createChat leaves
// exactly one chat and no invite.
func TestDirectoryAcceptInviteThenChatCreated(t *testing.T) {
	d, srv, _, _ := newTestDirectory(t)
	bus := NewBus(nil)
	d.Attach(bus)
	srv.ok("POST", "/api/chat/acceptInvite", nil)

	bus.Publish(InviteReceivedEvent{Invite: Invite{ID: "i1", Email: "b@x.com"}})
	out, err := d.AcceptInvite(context.Background(), "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, Pending, out.Status)
	assert.Empty(t, d.Invites())

	body := srv.lastBody("POST", "/api/chat/acceptInvite")
	assert.Equal(t, selfEmail, body["loggedUserEmail"])
	assert.Equal(t, "b@x.com", body["newUserEmail"])

	bus.Publish(ChatCreatedEvent{Chat: chatRecord("c1", "b@x.com", selfEmail)})
	bus.Publish(ChatCreatedEvent{Chat: chatRecord("c1", "b@x.com", selfEmail)})
	assert.Len(t, d.Chats(), 1)
	assert.Empty(t, d.Invites())
}

func TestDirectoryChatCreatedClearsPendingInvite(t *testing.T) {
	d, _, _, _ := newTestDirectory(t)
	d.onInviteReceived(Invite{ID: "i1", Email: "b@x.com"})
	d.onChatCreated(chatRecord("c1", selfEmail, "b@x.com"))
	assert.Empty(t, d.Invites())
}

func TestDirectoryRejectedInviteActionKeepsInvite(t *testing.T) {
	d, srv, _, _ := newTestDirectory(t)
	d.onInviteReceived(Invite{ID: "i1", Email: "b@x.com"})
	srv.refuse("POST", "/api/chat/acceptInvite", "Invite expired")
	srv.refuse("POST", "/api/chat/rejectInvite", "Try again")

	out, err := d.AcceptInvite(context.Background(), "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.Status)
	assert.Equal(t, "Invite expired", out.Reason)

	out, err = d.RejectInvite(context.Background(), "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.Status)
	assert.Len(t, d.Invites(), 1)

	srv.ok("POST", "/api/chat/rejectInvite", nil)
	out, err = d.RejectInvite(context.Background(), "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, Applied, out.Status)
	assert.Empty(t, d.Invites())
}

func TestDirectoryInviteUser(t *testing.T) {
	d, srv, _, _ := newTestDirectory(t)
	srv.ok("POST", "/api/chat/inviteUser", nil)
	ctx := context.Background()

	_, err := d.InviteUser(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = d.InviteUser(ctx, "A@X.com")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, srv.hitCount("POST", "/api/chat/inviteUser"))

	out, err := d.InviteUser(ctx, "b@x.com")
	require.NoError(t, err)
	assert.Equal(t, Applied, out.Status)
	body := srv.lastBody("POST", "/api/chat/inviteUser")
	assert.Equal(t, "b@x.com", body["invitedEmail"])
	assert.Equal(t, selfEmail, body["inviteeEmail"])
}

func TestDirectoryCreateGroup(t *testing.T) {
	d, srv, _, _ := newTestDirectory(t)
	srv.ok("POST", "/api/group/create", nil)
	ctx := context.Background()

	_, err := d.CreateGroup(ctx, " ", "", []string{"b@x.com"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = d.CreateGroup(ctx, "Solo", "", []string{selfEmail, ""})
	assert.ErrorIs(t, err, ErrValidation)

	out, err := d.CreateGroup(ctx, "Team", "icon.png", []string{"b@x.com", "B@x.com", "c@x.com"})
	require.NoError(t, err)
	assert.Equal(t, Pending, out.Status)
	assert.Empty(t, d.Groups(), "the group arrives by push")

	body := srv.lastBody("POST", "/api/group/create")
	assert.Equal(t, "Team", body["groupName"])
	assert.Equal(t, []interface{}{selfEmail, "b@x.com", "c@x.com"}, body["participants"])
}

func TestDirectoryRemovalResetsSelection(t *testing.T) {
	d, _, s, _ := newTestDirectory(t)
	bus := NewBus(nil)
	d.Attach(bus)
	for _, rec := range []ChatRecord{
		chatRecord("c1", selfEmail, "b@x.com"),
		chatRecord("c2", selfEmail, "c@x.com"),
		chatRecord("c3", selfEmail, "d@x.com"),
	} {
		bus.Publish(ChatCreatedEvent{Chat: rec})
	}
	resets := 0
	s.OnSelectionReset(func() { resets++ })

	require.NoError(t, s.Select(2, SelectChat))
	bus.Publish(ChatRemovedEvent{ChatID: "c1"})
	assert.Equal(t, 1, s.Selection().Index)
	chat, ok := d.ChatAt(s.Selection().Index)
	require.True(t, ok)
	assert.Equal(t, "c3", chat.ID)

	bus.Publish(ChatRemovedEvent{ChatID: "c3"})
	assert.False(t, s.Selection().Active())
	assert.Equal(t, 1, resets)

	bus.Publish(ChatRemovedEvent{ChatID: "missing"})
	assert.Len(t, d.Chats(), 1)
}

func TestDirectoryDeleteOnlyAfterSuccess(t *testing.T) {
	d, srv, s, _ := newTestDirectory(t)
	d.onChatCreated(chatRecord("c1", selfEmail, "b@x.com"))
	d.onGroupCreated(Group{ID: "g1", Name: "Team", Members: []UserSummary{user(selfEmail), user("b@x.com")}})
	require.NoError(t, s.Select(0, SelectGroup))
	ctx := context.Background()

	srv.refuse("DELETE", "/api/chat/deleteChat/c1", "not allowed")
	out, err := d.DeleteDirectChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.Status)
	assert.Len(t, d.Chats(), 1)

	srv.on("DELETE", "/api/group/delete/g1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	})
	_, err = d.DeleteGroup(ctx, "g1")
	require.Error(t, err)
	assert.Len(t, d.Groups(), 1)
	assert.True(t, s.Selection().Active())

	srv.ok("DELETE", "/api/chat/deleteChat/c1", nil)
	srv.ok("DELETE", "/api/group/delete/g1", nil)
	out, err = d.DeleteDirectChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, Applied, out.Status)
	assert.Empty(t, d.Chats())
	assert.Equal(t, "b@x.com", srv.lastBody("DELETE", "/api/chat/deleteChat/c1")["otherSideUserEmail"])

	out, err = d.DeleteGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Applied, out.Status)
	assert.Empty(t, d.Groups())
	assert.False(t, s.Selection().Active())

	_, err = d.DeleteGroup(ctx, "g1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDirectoryFilters(t *testing.T) {
	d, _, _, _ := newTestDirectory(t)
	d.onChatCreated(ChatRecord{ID: "c1", Participants: []UserSummary{user(selfEmail), {Email: "bob@x.com", Username: "Bob"}}})
	d.onChatCreated(ChatRecord{ID: "c2", Participants: []UserSummary{user(selfEmail), {Email: "carol@x.com"}}})
	d.onGroupCreated(Group{ID: "g1", Name: "Weekend Plans"})
	d.onGroupCreated(Group{ID: "g2", Name: "Work"})

	assert.Len(t, d.FilterChats(""), 2)
	got := d.FilterChats("BO")
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
	got = d.FilterChats("carol")
	require.Len(t, got, 1, "falls back to the email when there is no username")
	assert.Equal(t, "c2", got[0].ID)

	groups := d.FilterGroups("w")
	assert.Len(t, groups, 2)
	groups = d.FilterGroups("plans")
	require.Len(t, groups, 1)
	assert.Equal(t, "g1", groups[0].ID)

	assert.Len(t, d.Chats(), 2, "filtering does not mutate the collection")
}

func TestDirectoryRequiresIdentity(t *testing.T) {
	srv := newFakeServer(t)
	client := srv.client()
	s := NewSession(client, NewMemoryIdentityStore(), nil, nil)
	d := NewDirectoryStore(client, s, nil, nil)

	assert.ErrorIs(t, d.LoadInitial(context.Background()), ErrNoIdentity)
	_, err := d.AcceptInvite(context.Background(), "b@x.com")
	assert.ErrorIs(t, err, ErrNoIdentity)
}
