package chatsync

import (
	"sync"
	"time"
)

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient user-visible message, the toast of a graphical client.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Source  string      `json:"source"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// NoticeHandler receives notices.
type NoticeHandler func(Notice)

// Notifier fans notices out to registered handlers.
// The zero value is not usable; call NewNotifier.
type Notifier struct {
	mu       sync.RWMutex
	handlers []NoticeHandler
	recent   []Notice
	keep     int
}

// NewNotifier returns a notifier that remembers the last keep notices.
func NewNotifier(keep int) *Notifier {
	if keep <= 0 {
		keep = 50
	}
	return &Notifier{keep: keep}
}

// OnNotice registers a handler.
func (n *Notifier) OnNotice(h NoticeHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Recent returns the retained notices, oldest first.
func (n *Notifier) Recent() []Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Notice(nil), n.recent...)
}

func (n *Notifier) raise(level NoticeLevel, source, msg string) {
	if n == nil {
		return
	}
	notice := Notice{Level: level, Source: source, Message: msg, At: time.Now()}

	n.mu.Lock()
	n.recent = append(n.recent, notice)
	if len(n.recent) > n.keep {
		n.recent = n.recent[len(n.recent)-n.keep:]
	}
	handlers := append([]NoticeHandler(nil), n.handlers...)
	n.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(notice)
		}()
	}
}

func (n *Notifier) info(source, msg string)    { n.raise(NoticeInfo, source, msg) }
func (n *Notifier) success(source, msg string) { n.raise(NoticeSuccess, source, msg) }
func (n *Notifier) fail(source, msg string)    { n.raise(NoticeError, source, msg) }
