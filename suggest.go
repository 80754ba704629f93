package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSuggestDelay is the typing pause before draft suggestions are requested.
const DefaultSuggestDelay = 600 * time.Millisecond

// suggester fetches advisory reply strings. Every new request or draft edit
// bumps a generation counter, so results of older requests are dropped.
type suggester struct {
	client  *Client
	logger  *zap.Logger
	delay   time.Duration
	timeout time.Duration

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
	items []string
}

func newSuggester(client *Client, delay time.Duration, logger *zap.Logger) *suggester {
	if delay <= 0 {
		delay = DefaultSuggestDelay
	}
	return &suggester{
		client:  client,
		logger:  logger.Named("suggest"),
		delay:   delay,
		timeout: 10 * time.Second,
	}
}

// draftChanged discards current suggestions and schedules a draft request
// after the debounce delay.
func (s *suggester) draftChanged(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.items = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() {
		s.fetch(gen, text, s.client.Suggestions.Draft)
	})
}

// replyTo requests suggestions answering a received message.
func (s *suggester) replyTo(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	go s.fetch(gen, text, s.client.Suggestions.Reply)
}

func (s *suggester) fetch(gen uint64, text string, call func(context.Context, string) (*Result, error)) {
	if !s.current(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := call(ctx, text)
	if err != nil {
		s.logger.Debug("suggestion request failed", zap.Error(err))
		return
	}
	if !res.OK() {
		return
	}
	var items []string
	if err := res.Decode(&items); err != nil {
		s.logger.Debug("malformed suggestions", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.items = items
}

func (s *suggester) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *suggester) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

// reset drops suggestions and cancels any scheduled request.
func (s *suggester) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.items = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
