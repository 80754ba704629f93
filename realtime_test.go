package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type socketServer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	auth   []string
	frames chan Frame
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{t: t, frames: make(chan Frame, 1024)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.closeAll(websocket.StatusNormalClosure)
		s.srv.Close()
	})
	return s
}

func (s *socketServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		select {
		case s.frames <- f:
		default:
		}
	}
}

// push writes an event frame to the newest socket.
func (s *socketServer) push(name EventName, data string) {
	s.t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	raw, err := json.Marshal(Frame{Event: name, Data: json.RawMessage(data)})
	require.NoError(s.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(s.t, conn.Write(ctx, websocket.MessageText, raw))
}

func (s *socketServer) pushRaw(data string) {
	s.t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(s.t, conn.Write(ctx, websocket.MessageText, []byte(data)))
}

func (s *socketServer) closeAll(code websocket.StatusCode) {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(code, "server closing")
	}
}

func (s *socketServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// next waits for the next client frame named name, skipping others.
func (s *socketServer) next(name EventName) Frame {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Event == name {
				return f
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s frame", name)
			return Frame{}
		}
	}
}

func fastConfig() *RealtimeConfig {
	return &RealtimeConfig{
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		DialTimeout:       2 * time.Second,
	}
}

func frameString(t *testing.T, f Frame) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s))
	return s
}

// ============================================================================
// Connection
// ============================================================================

func TestSocketURL(t *testing.T) {
	c := NewConnection("https://chat.example.com/", nil, nil)
	assert.Equal(t, "wss://chat.example.com/socket?email=a%40x.com", c.SocketURL("a@x.com"))

	c = NewConnection("http://localhost:5000", nil, nil)
	assert.Equal(t, "ws://localhost:5000/socket?email=b%40x.com", c.SocketURL("b@x.com"))
}

func TestConnectJoinsAndPublishes(t *testing.T) {
	srv := newSocketServer(t)
	cfg := fastConfig()
	cfg.Token = "tok-a"
	conn := NewConnection(srv.srv.URL, nil, cfg)
	t.Cleanup(func() { conn.Disconnect() })

	got := make(chan Event, 4)
	conn.Subscribe("test", EventNewMessage, func(e Event) { got <- e })

	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	assert.True(t, conn.Connected())
	assert.Equal(t, "a@x.com", conn.Identity())

	join := srv.next(CmdJoin)
	assert.Equal(t, "a@x.com", frameString(t, join))
	srv.mu.Lock()
	assert.Equal(t, "Bearer tok-a", srv.auth[0])
	srv.mu.Unlock()

	srv.push(EventNewMessage, `{"chatId": "c1", "message": {"_id": "m1", "senderEmail": "b@x.com", "message": "hi"}}`)
	select {
	case e := <-got:
		nm := e.(NewMessageEvent)
		assert.Equal(t, "m1", nm.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestConnectTwiceIsNoop(t *testing.T) {
	srv := newSocketServer(t)
	conn := NewConnection(srv.srv.URL, nil, fastConfig())
	t.Cleanup(func() { conn.Disconnect() })

	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)
	assert.Equal(t, 1, srv.connCount())
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	srv := newSocketServer(t)
	conn := NewConnection(srv.srv.URL, nil, fastConfig())
	t.Cleanup(func() { conn.Disconnect() })

	got := make(chan Event, 4)
	conn.Subscribe("test", EventDelete, func(e Event) { got <- e })
	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)

	srv.pushRaw(`not json`)
	srv.push(EventDelete, `{"messageId": ""}`)
	srv.push(EventDelete, `{"messageId": "m2"}`)

	select {
	case e := <-got:
		assert.Equal(t, DeleteEvent{MessageID: "m2"}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}
	assert.True(t, conn.Connected())
}

func TestEmitRequiresConnection(t *testing.T) {
	conn := NewConnection("http://127.0.0.1:1", nil, fastConfig())
	err := conn.Emit(context.Background(), &Command{Name: CmdCheckOnline, Data: []string{"b@x.com"}})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, conn.EndCall(context.Background(), "b@x.com"), ErrNotConnected)
}

func TestEmitFillsRequestID(t *testing.T) {
	srv := newSocketServer(t)
	conn := NewConnection(srv.srv.URL, nil, fastConfig())
	t.Cleanup(func() { conn.Disconnect() })
	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)

	cmd := &Command{Name: CmdCheckOnline, Data: []string{"b@x.com"}}
	require.NoError(t, conn.Emit(context.Background(), cmd))
	assert.NotEmpty(t, cmd.RequestID)

	f := srv.next(CmdCheckOnline)
	assert.Equal(t, cmd.RequestID, f.RequestID)
	assert.JSONEq(t, `["b@x.com"]`, string(f.Data))
}

func TestCallSignalingFrames(t *testing.T) {
	srv := newSocketServer(t)
	conn := NewConnection(srv.srv.URL, nil, fastConfig())
	t.Cleanup(func() { conn.Disconnect() })
	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)

	ctx := context.Background()
	require.NoError(t, conn.CallUser(ctx, "b@x.com", "a@x.com", "Ay", json.RawMessage(`{"sdp":"offer"}`)))
	f := srv.next(CmdCallUser)
	assert.JSONEq(t, `{"userToCall":"b@x.com","signalData":{"sdp":"offer"},"from":"a@x.com","name":"Ay"}`, string(f.Data))

	require.NoError(t, conn.AnswerCall(ctx, "b@x.com", json.RawMessage(`{"sdp":"answer"}`)))
	f = srv.next(CmdAnswerCall)
	assert.JSONEq(t, `{"signal":{"sdp":"answer"},"to":"b@x.com"}`, string(f.Data))

	require.NoError(t, conn.SendICECandidate(ctx, "b@x.com", json.RawMessage(`{"c":1}`)))
	f = srv.next(CmdICECandidate)
	assert.JSONEq(t, `{"to":"b@x.com","candidate":{"c":1}}`, string(f.Data))

	require.NoError(t, conn.EndCall(ctx, "b@x.com"))
	f = srv.next(CmdEndCall)
	assert.JSONEq(t, `{"to":"b@x.com"}`, string(f.Data))
}

func TestHeartbeatRunsTicks(t *testing.T) {
	srv := newSocketServer(t)
	cfg := fastConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	conn := NewConnection(srv.srv.URL, nil, cfg)
	t.Cleanup(func() { conn.Disconnect() })

	ticks := make(chan struct{}, 16)
	remove := conn.OnTick(func(ctx context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	defer remove()

	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)
	hb := srv.next(CmdHeartbeat)
	assert.Equal(t, "a@x.com", frameString(t, hb))

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("tick hook not run")
	}
}

func TestReconnectRejoins(t *testing.T) {
	srv := newSocketServer(t)
	conn := NewConnection(srv.srv.URL, nil, fastConfig())
	t.Cleanup(func() { conn.Disconnect() })

	var mu sync.Mutex
	var states []RealtimeState
	conn.OnStateChange(func(s RealtimeState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)

	srv.closeAll(websocket.StatusGoingAway)

	rejoin := srv.next(CmdJoin)
	assert.Equal(t, "a@x.com", frameString(t, rejoin))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, conn.Connected())
	assert.Equal(t, 2, srv.connCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	srv := newSocketServer(t)
	conn := NewConnection(srv.srv.URL, nil, fastConfig())

	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)

	conn.Disconnect()
	assert.Equal(t, StateDisconnected, conn.State())
	assert.NoError(t, conn.Disconnect())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestNoReconnectLeavesDisconnected(t *testing.T) {
	srv := newSocketServer(t)
	cfg := fastConfig()
	cfg.NoReconnect = true
	conn := NewConnection(srv.srv.URL, nil, cfg)
	t.Cleanup(func() { conn.Disconnect() })

	require.NoError(t, conn.Connect(context.Background(), "a@x.com"))
	srv.next(CmdJoin)
	srv.closeAll(websocket.StatusGoingAway)

	require.Eventually(t, func() bool { return conn.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
}

func TestConnectFailureWithoutReconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	cfg := fastConfig()
	cfg.NoReconnect = true
	conn := NewConnection(srv.URL, nil, cfg)

	err := conn.Connect(context.Background(), "a@x.com")
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, conn.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnectRetriesAfterFailedDial(t *testing.T) {
	var up atomic.Bool
	s := &socketServer{t: t, frames: make(chan Frame, 1024)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		s.serve(w, r)
	}))
	t.Cleanup(func() {
		s.closeAll(websocket.StatusNormalClosure)
		s.srv.Close()
	})
	conn := NewConnection(s.srv.URL, nil, fastConfig())
	t.Cleanup(func() { conn.Disconnect() })

	err := conn.Connect(context.Background(), "a@x.com")
	require.Error(t, err)
	assert.Equal(t, StateReconnecting, conn.State())
	assert.NoError(t, conn.Connect(context.Background(), "a@x.com"), "connect while retrying is a no-op")

	up.Store(true)
	join := s.next(CmdJoin)
	assert.Equal(t, "a@x.com", frameString(t, join))
	require.Eventually(t, conn.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.connCount())
}

func TestDisconnectStopsRetryingFailedConnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	conn := NewConnection(srv.URL, nil, fastConfig())

	require.Error(t, conn.Connect(context.Background(), "a@x.com"))
	require.Eventually(t, func() bool { return hits.Load() > 1 }, 2*time.Second, 5*time.Millisecond, "dial is retried")

	conn.Disconnect()
	assert.Equal(t, StateDisconnected, conn.State())
	time.Sleep(30 * time.Millisecond)
	n := hits.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, hits.Load())
	assert.Equal(t, StateDisconnected, conn.State())
}
