package chatsync

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ContactSource returns the emails whose presence should be polled.
type ContactSource func() []string

// PresenceTracker holds the set of online contacts. Each onlineStatusUpdate
// replaces the whole set; disconnecting leaves the last set in place.
type PresenceTracker struct {
	emitter  Emitter
	contacts ContactSource
	logger   *zap.Logger

	mu     sync.RWMutex
	online map[string]struct{}
	cancel []func()
}

// NewPresenceTracker creates an empty tracker. contacts may be nil, in which
// case Poll never emits.
func NewPresenceTracker(emitter Emitter, contacts ContactSource, logger *zap.Logger) *PresenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceTracker{
		emitter:  emitter,
		contacts: contacts,
		logger:   logger.Named("presence"),
		online:   make(map[string]struct{}),
	}
}

// Attach subscribes the tracker to presence updates on sub.
func (p *PresenceTracker) Attach(sub Subscriber) {
	cancel := sub.Subscribe("presence", EventPresence, func(e Event) {
		if ev, ok := e.(PresenceEvent); ok {
			p.Set(ev.Online)
		}
	})
	p.mu.Lock()
	p.cancel = append(p.cancel, cancel)
	p.mu.Unlock()
}

// Detach drops the tracker's subscriptions.
func (p *PresenceTracker) Detach() {
	p.mu.Lock()
	cancels := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Poll asks the server which contacts are online. It does nothing while
// disconnected or when there are no contacts.
func (p *PresenceTracker) Poll(ctx context.Context) {
	if p.emitter == nil || p.contacts == nil || !p.emitter.Connected() {
		return
	}
	emails := p.contacts()
	if len(emails) == 0 {
		return
	}
	if err := p.emitter.Emit(ctx, &Command{Name: CmdCheckOnline, Data: emails}); err != nil {
		p.logger.Debug("presence poll failed", zap.Error(err))
	}
}

// Set replaces the online set.
func (p *PresenceTracker) Set(emails []string) {
	next := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		next[e] = struct{}{}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

// Reset empties the online set. The set belongs to the signed-in identity, so
// it is cleared on logout and expiry, never on disconnect.
func (p *PresenceTracker) Reset() {
	p.Set(nil)
}

// Online reports whether email is in the online set.
func (p *PresenceTracker) Online(email string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[email]
	return ok
}

// Snapshot returns the online set, sorted.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for e := range p.online {
		out = append(out, e)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}
