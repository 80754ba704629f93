package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake REST server
// ============================================================================

type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
	bodies map[string][]map[string]interface{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:      t,
		routes: make(map[string]http.HandlerFunc),
		hits:   make(map[string]int),
		bodies: make(map[string][]map[string]interface{}),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	raw, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(raw))

	f.mu.Lock()
	f.hits[key]++
	if len(raw) > 0 {
		var body map[string]interface{}
		if json.Unmarshal(raw, &body) == nil {
			f.bodies[key] = append(f.bodies[key], body)
		}
	}
	h := f.routes[key]
	f.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeServer) on(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	f.routes[method+" "+path] = h
	f.mu.Unlock()
}

// ok answers method+path with a SUCCESS envelope carrying data.
func (f *fakeServer) ok(method, path string, data interface{}) {
	f.on(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, StatusSuccess, "", data)
	})
}

// refuse answers method+path with a logically failed 200 envelope.
func (f *fakeServer) refuse(method, path, message string) {
	f.on(method, path, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "FAILED", message, nil)
	})
}

func (f *fakeServer) hitCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method+" "+path]
}

func (f *fakeServer) lastBody(method, path string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.bodies[method+" "+path]
	if len(bodies) == 0 {
		return nil
	}
	return bodies[len(bodies)-1]
}

func (f *fakeServer) client(opts ...ClientOption) *Client {
	return NewClient(append([]ClientOption{WithBaseURL(f.srv.URL), WithTimeout(5 * time.Second)}, opts...)...)
}

func writeResult(w http.ResponseWriter, status, message string, data interface{}) {
	body := map[string]interface{}{"status": status}
	if message != "" {
		body["message"] = message
	}
	if data != nil {
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// ============================================================================
// Fixtures
// ============================================================================

func signedInSession(t *testing.T, client *Client, email string) *Session {
	t.Helper()
	store := NewMemoryIdentityStore()
	require.NoError(t, SaveIdentity(store, &Identity{Email: email, Username: "user-" + email, Token: "tok-" + email}))
	s := NewSession(client, store, NewNotifier(0), nil)
	id, err := s.Restore()
	require.NoError(t, err)
	require.NotNil(t, id)
	return s
}

func user(email string) UserSummary {
	return UserSummary{Email: email, Username: "user-" + email}
}

func chatRecord(id string, emails ...string) ChatRecord {
	rec := ChatRecord{ID: id}
	for _, e := range emails {
		rec.Participants = append(rec.Participants, user(e))
	}
	return rec
}

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func msg(id, chatID, sender string, minute int) Message {
	return Message{
		ID:          id,
		ChatID:      chatID,
		SenderEmail: sender,
		Body:        "body " + id,
		Kind:        "text",
		CreatedAt:   epoch.Add(time.Duration(minute) * time.Minute),
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ============================================================================
// Fake push channel
// ============================================================================

type fakeEmitter struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []*Command
}

func (e *fakeEmitter) Emit(ctx context.Context, cmd *Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, cmd)
	return e.err
}

func (e *fakeEmitter) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEmitter) commands(name EventName) []*Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Command
	for _, c := range e.sent {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
