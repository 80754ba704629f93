package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PageSize is how many older messages LoadOlder reveals at a time.
const PageSize = 20

// StreamOptions tunes a MessageStream.
type StreamOptions struct {
	// PageSize overrides the windowing batch size.
	PageSize int
	// Suggestions enables the reply/draft suggestion side channel.
	Suggestions  bool
	SuggestDelay time.Duration
}

// MessageStream holds the message list of the active conversation. Switching
// conversations discards the list and fetches the new history.
type MessageStream struct {
	client   *Client
	session  *Session
	emitter  Emitter
	notifier *Notifier
	logger   *zap.Logger
	pageSize int
	suggest  *suggester

	mu       sync.RWMutex
	chatID   string
	peers    []string
	gen      uint64
	loading  bool
	messages []Message
	index    map[string]int
	// early holds pushes for chatID that arrived while its history was in flight.
	early []Message
	// earlyEdits holds like and delete pushes from the same window. They carry
	// no chat id, so they are replayed after the merge and dropped when their
	// message is not in the list.
	earlyEdits []Event
	window     int
	draft  string
	cancel []func()
}

// NewMessageStream creates a stream with no active conversation. emitter may
// be nil; leaveChat is then never sent.
func NewMessageStream(client *Client, session *Session, emitter Emitter, notifier *Notifier, logger *zap.Logger, opts *StreamOptions) *MessageStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := StreamOptions{}
	if opts != nil {
		o = *opts
	}
	if o.PageSize <= 0 {
		o.PageSize = PageSize
	}
	s := &MessageStream{
		client:   client,
		session:  session,
		emitter:  emitter,
		notifier: notifier,
		logger:   logger.Named("stream"),
		pageSize: o.PageSize,
		index:    make(map[string]int),
		window:   o.PageSize,
	}
	if o.Suggestions {
		s.suggest = newSuggester(client, o.SuggestDelay, logger)
	}
	return s
}

// Attach subscribes the stream to message events on sub.
func (s *MessageStream) Attach(sub Subscriber) {
	cancels := []func(){
		sub.Subscribe("stream", EventNewMessage, func(e Event) {
			if ev, ok := e.(NewMessageEvent); ok {
				s.onNewMessage(ev)
			}
		}),
		sub.Subscribe("stream", EventLike, func(e Event) {
			if ev, ok := e.(LikeEvent); ok {
				s.onLike(ev)
			}
		}),
		sub.Subscribe("stream", EventDelete, func(e Event) {
			if ev, ok := e.(DeleteEvent); ok {
				s.onDelete(ev)
			}
		}),
	}
	s.mu.Lock()
	s.cancel = append(s.cancel, cancels...)
	s.mu.Unlock()
}

// Detach drops the stream's subscriptions and pending suggestion work.
func (s *MessageStream) Detach() {
	s.mu.Lock()
	cancels := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	if s.suggest != nil {
		s.suggest.reset()
	}
}

// ============================================================================
// Conversation Switching
// ============================================================================

// SwitchChat makes chatID the active conversation and fetches its full history.
// peers are the other participants' emails, used as the other side of sends,
// likes and deletes. An empty chatID only clears the stream.
//
// A fetch that completes after a newer switch is discarded.
func (s *MessageStream) SwitchChat(ctx context.Context, chatID string, peers ...string) error {
	s.mu.Lock()
	prev := s.chatID
	s.gen++
	gen := s.gen
	s.chatID = chatID
	s.peers = append([]string(nil), peers...)
	s.messages = nil
	s.index = make(map[string]int)
	s.early = nil
	s.earlyEdits = nil
	s.window = s.pageSize
	s.loading = chatID != ""
	s.mu.Unlock()

	if s.suggest != nil {
		s.suggest.reset()
	}
	if prev != "" && prev != chatID && s.emitter != nil && s.emitter.Connected() {
		if err := s.emitter.Emit(ctx, &Command{Name: CmdLeaveChat, Data: prev}); err != nil {
			s.logger.Debug("leaveChat failed", zap.String("chat", prev), zap.Error(err))
		}
	}
	if chatID == "" {
		return nil
	}

	history, err := s.fetchHistory(ctx, chatID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || chatID != s.chatID {
		s.logger.Debug("discarding stale history", zap.String("chat", chatID))
		return nil
	}
	s.loading = false
	edits := s.earlyEdits
	s.earlyEdits = nil
	if err != nil {
		s.logger.Warn("history fetch failed", zap.String("chat", chatID), zap.Error(err))
		s.notifier.fail("stream", "Could not load messages: "+err.Error())
		return fmt.Errorf("load history for %s: %w", chatID, err)
	}

	s.messages = nil
	s.index = make(map[string]int)
	for _, m := range history {
		s.insertLocked(chatID, m)
	}
	for _, m := range s.early {
		s.insertLocked(chatID, m)
	}
	s.early = nil
	s.sortLocked()
	for _, e := range edits {
		switch ev := e.(type) {
		case LikeEvent:
			s.likeLocked(ev)
		case DeleteEvent:
			s.deleteLocked(ev)
		}
	}
	return nil
}

func (s *MessageStream) fetchHistory(ctx context.Context, chatID string) ([]Message, error) {
	res, err := s.client.Messages.History(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, resultError(res)
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

// ActiveChat returns the id of the active conversation, or "".
func (s *MessageStream) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatID
}

// Loading reports whether the active history is still being fetched.
func (s *MessageStream) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// ============================================================================
// Push Handlers
// ============================================================================

func (s *MessageStream) onNewMessage(ev NewMessageEvent) {
	s.mu.Lock()
	if ev.ChatID == "" || ev.ChatID != s.chatID {
		s.mu.Unlock()
		return
	}
	if s.loading {
		s.early = append(s.early, ev.Message.clone())
		s.mu.Unlock()
		return
	}
	if !s.insertLocked(ev.ChatID, ev.Message) {
		s.mu.Unlock()
		return
	}
	s.sortLocked()
	s.mu.Unlock()

	if s.suggest != nil && !strings.EqualFold(ev.Message.SenderEmail, s.session.Email()) {
		s.suggest.replyTo(ev.Message.Body)
	}
}

func (s *MessageStream) onLike(ev LikeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		s.earlyEdits = append(s.earlyEdits, ev)
		return
	}
	s.likeLocked(ev)
}

func (s *MessageStream) onDelete(ev DeleteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		s.earlyEdits = append(s.earlyEdits, ev)
		return
	}
	s.deleteLocked(ev)
}

func (s *MessageStream) likeLocked(ev LikeEvent) {
	pos, ok := s.index[ev.MessageID]
	if !ok {
		return
	}
	m := &s.messages[pos]
	if !m.LikedByEmail(ev.Email) {
		m.LikedBy = append(m.LikedBy, ev.Email)
	}
}

func (s *MessageStream) deleteLocked(ev DeleteEvent) {
	pos, ok := s.index[ev.MessageID]
	if !ok {
		return
	}
	m := &s.messages[pos]
	m.IsDeleted = true
	m.Body = ""
}

// insertLocked appends m unless a message with the same id is present.
func (s *MessageStream) insertLocked(chatID string, m Message) bool {
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	m = m.clone()
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	if m.IsDeleted {
		m.Body = ""
	}
	m.LikedBy = dedupeStrings(m.LikedBy)
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	return true
}

// sortLocked orders by creation time. The sort is stable, so equal timestamps
// keep arrival order.
func (s *MessageStream) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].sortKey().Before(s.messages[j].sortKey())
	})
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ============================================================================
// Draft & Actions
// ============================================================================

// SetDraft replaces the input text and discards outstanding suggestions.
func (s *MessageStream) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
	if s.suggest != nil {
		s.suggest.draftChanged(text)
	}
}

// Draft returns the input text.
func (s *MessageStream) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

// Send posts the draft to the active conversation. The draft is cleared
// before the request and not restored on failure. On success the message
// shows up once the server echoes it as a newMessage event.
func (s *MessageStream) Send(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	text := s.draft
	chatID := s.chatID
	peers := append([]string(nil), s.peers...)
	s.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return s.invalid(invalid("message", "message is empty"))
	}
	if chatID == "" {
		s.notifier.fail("stream", "Select a conversation first")
		return rejected(ErrNoSelection.Error()), ErrNoSelection
	}
	me := s.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}

	s.mu.Lock()
	s.draft = ""
	s.mu.Unlock()
	if s.suggest != nil {
		s.suggest.reset()
	}

	opts := &SendOptions{SenderEmail: me.Email, Body: text, Kind: "text"}
	if len(peers) == 1 {
		opts.OtherSideUserEmail = peers[0]
	} else {
		opts.Participants = peers
	}
	res, err := s.client.Messages.Send(ctx, chatID, opts)
	if err != nil {
		s.logger.Warn("send failed", zap.String("chat", chatID), zap.Error(err))
		s.notifier.fail("stream", "Message not sent: "+err.Error())
		return rejected(err.Error()), fmt.Errorf("send message: %w", err)
	}
	out := outcomeOf(res, Pending)
	if !out.OK() {
		s.notifier.fail("stream", "Message not sent: "+out.Reason)
	}
	return out, nil
}

// Like likes a message in the active conversation. The like is applied when
// the server broadcasts it.
func (s *MessageStream) Like(ctx context.Context, messageID string) (Outcome, error) {
	me := s.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	if messageID == "" {
		return s.invalid(invalid("messageId", "message id is required"))
	}
	res, err := s.client.Messages.Like(ctx, messageID, me.Email, s.otherSide())
	if err != nil {
		s.notifier.fail("stream", "Could not like message: "+err.Error())
		return rejected(err.Error()), fmt.Errorf("like message: %w", err)
	}
	out := outcomeOf(res, Pending)
	if !out.OK() {
		s.notifier.fail("stream", out.Reason)
	}
	return out, nil
}

// Delete deletes one of the local identity's messages. The tombstone is
// applied when the server broadcasts the deletion.
func (s *MessageStream) Delete(ctx context.Context, messageID string) (Outcome, error) {
	me := s.session.Identity()
	if me == nil {
		return rejected(ErrNoIdentity.Error()), ErrNoIdentity
	}
	if messageID == "" {
		return s.invalid(invalid("messageId", "message id is required"))
	}
	s.mu.RLock()
	pos, ok := s.index[messageID]
	var sender string
	if ok {
		sender = s.messages[pos].SenderEmail
	}
	s.mu.RUnlock()
	if ok && !strings.EqualFold(sender, me.Email) {
		return s.invalid(invalid("messageId", "only your own messages can be deleted"))
	}

	res, err := s.client.Messages.Delete(ctx, messageID, me.Email, s.otherSide())
	if err != nil {
		s.notifier.fail("stream", "Could not delete message: "+err.Error())
		return rejected(err.Error()), fmt.Errorf("delete message: %w", err)
	}
	out := outcomeOf(res, Pending)
	if !out.OK() {
		s.notifier.fail("stream", out.Reason)
	}
	return out, nil
}

func (s *MessageStream) otherSide() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.peers) == 0 {
		return ""
	}
	return s.peers[0]
}

func (s *MessageStream) invalid(err error) (Outcome, error) {
	s.notifier.fail("stream", err.Error())
	return rejected(err.Error()), err
}

// ============================================================================
// Snapshots & Windowing
// ============================================================================

// Messages returns a copy of the full ordered list.
func (s *MessageStream) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].clone()
	}
	return out
}

// Visible returns the newest window of messages, oldest first.
func (s *MessageStream) Visible() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.messages) - s.window
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, len(s.messages)-start)
	for i := start; i < len(s.messages); i++ {
		out = append(out, s.messages[i].clone())
	}
	return out
}

// HasOlder reports whether downloaded messages are hidden above the window.
func (s *MessageStream) HasOlder() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages) > s.window
}

// LoadOlder grows the window by one page and returns how many messages it revealed.
func (s *MessageStream) LoadOlder() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	hidden := len(s.messages) - s.window
	if hidden <= 0 {
		return 0
	}
	n := s.pageSize
	if n > hidden {
		n = hidden
	}
	s.window += n
	return n
}

// Suggestions returns the current advisory suggestions.
func (s *MessageStream) Suggestions() []string {
	if s.suggest == nil {
		return nil
	}
	return s.suggest.snapshot()
}
