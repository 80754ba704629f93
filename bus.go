package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives a decoded push event.
type Handler func(Event)

// Subscriber is the subscription side of the push channel.
type Subscriber interface {
	Subscribe(owner string, name EventName, h Handler) (cancel func())
}

// Emitter is the command side of the push channel.
type Emitter interface {
	Emit(ctx context.Context, cmd *Command) error
	Connected() bool
}

type subscription struct {
	id uint64
	h  Handler
}

type subKey struct {
	owner string
	name  EventName
}

// Bus fans inbound events out to subscribers. Handlers run synchronously on the
// publishing goroutine, in subscription order, so delivery order is preserved.
//
// Each (owner, name) pair holds at most one handler: subscribing again replaces
// the previous handler instead of stacking a duplicate.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventName][]subKey
	byKey  map[subKey]subscription
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[EventName][]subKey),
		byKey:  make(map[subKey]subscription),
		logger: logger.Named("bus"),
	}
}

// Subscribe registers h for name on behalf of owner. The returned cancel func is
// idempotent and only removes this registration, not a later replacement.
func (b *Bus) Subscribe(owner string, name EventName, h Handler) func() {
	key := subKey{owner: owner, name: name}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if _, exists := b.byKey[key]; !exists {
		b.subs[name] = append(b.subs[name], key)
	} else {
		b.logger.Debug("replacing handler", zap.String("owner", owner), zap.String("event", string(name)))
	}
	b.byKey[key] = subscription{id: id, h: h}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(key, id) })
	}
}

func (b *Bus) remove(key subKey, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.byKey[key]
	if !ok || cur.id != id {
		return
	}
	delete(b.byKey, key)

	keys := b.subs[key.name]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(b.subs, key.name)
	} else {
		b.subs[key.name] = keys
	}
}

// Unsubscribe removes every handler registered by owner.
func (b *Bus) Unsubscribe(owner string) {
	b.mu.Lock()
	var doomed []subscription
	var keys []subKey
	for k, s := range b.byKey {
		if k.owner == owner {
			keys = append(keys, k)
			doomed = append(doomed, s)
		}
	}
	b.mu.Unlock()

	for i, k := range keys {
		b.remove(k, doomed[i].id)
	}
}

// Listeners returns the number of handlers registered for name.
func (b *Bus) Listeners(name EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Publish delivers e to every handler registered for its name. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(e Event) {
	name := e.EventName()

	b.mu.RLock()
	keys := b.subs[name]
	handlers := make([]Handler, 0, len(keys))
	for _, k := range keys {
		handlers = append(handlers, b.byKey[k].h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(name, h, e)
	}
}

func (b *Bus) deliver(name EventName, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", zap.String("event", string(name)), zap.Any("panic", r))
		}
	}()
	h(e)
}
