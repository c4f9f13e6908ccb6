package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func cmd(name string) message.Message {
	return message.Message{Type: message.KindCommand, RTID: rtid.New(rtid.Tab(1)), Action: message.Action{Name: name}}
}

// collect returns a listener that forwards envelopes into a channel.
func collect(n int) (func(Envelope), <-chan Envelope) {
	ch := make(chan Envelope, n)
	return func(env Envelope) { ch <- env }, ch
}

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Envelope{}
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe("background", "content")
	defer func() { a.Disconnect("done"); a.Wait(); b.Wait() }()

	fn, got := collect(100)
	b.OnMessage(fn)
	require.NoError(t, b.StartListening())

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, a.PostMessage(ctx, cmd("a"+strings.Repeat("x", i))))
	}
	for i := 0; i < 50; i++ {
		env := recv(t, got)
		assert.Equal(t, "a"+strings.Repeat("x", i), env.Msg.Action.Name)
		assert.Equal(t, "background", env.Sender)
	}
}

func TestPipeReplyReachesSender(t *testing.T) {
	a, b := NewPipe("sidebar", "background")
	defer func() { a.Disconnect("done"); a.Wait(); b.Wait() }()

	b.OnMessage(func(env Envelope) {
		_ = env.Reply(context.Background(), message.Message{Status: message.StatusOK})
	})
	fn, replies := collect(1)
	a.OnMessage(fn)
	require.NoError(t, a.StartListening())
	require.NoError(t, b.StartListening())

	req := cmd("click")
	req.CallbackID = "cb-9"
	require.NoError(t, a.PostMessage(context.Background(), req))

	env := recv(t, replies)
	assert.Equal(t, message.KindResponse, env.Msg.Type)
	assert.Equal(t, "cb-9", env.Msg.CallbackID)
	assert.Equal(t, "click", env.Msg.Action.Name)
	assert.Equal(t, req.RTID, env.Msg.RTID)
}

func TestPipeChecksSenderAndType(t *testing.T) {
	a, b := NewPipe("a", "b")
	defer func() { a.Disconnect("done"); a.Wait(); b.Wait() }()

	fn, got := collect(10)
	b.OnMessage(fn)
	require.NoError(t, b.StartListening())

	b.InjectFrom("intruder", cmd("evil"))
	bad := cmd("x")
	bad.Type = "broadcast"
	require.NoError(t, a.PostMessage(context.Background(), bad))
	require.NoError(t, a.PostMessage(context.Background(), cmd("good")))

	env := recv(t, got)
	assert.Equal(t, "good", env.Msg.Action.Name, "mismatched sender and unknown type must be dropped")
	select {
	case extra := <-got:
		t.Fatalf("unexpected message %v", extra.Msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipeNotListeningDrops(t *testing.T) {
	a, b := NewPipe("a", "b")
	defer func() { a.Disconnect("done"); a.Wait(); b.Wait() }()

	fn, got := collect(10)
	b.OnMessage(fn)
	require.NoError(t, a.PostMessage(context.Background(), cmd("early")))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.StartListening())
	require.NoError(t, b.StartListening(), "StartListening is idempotent")
	require.NoError(t, a.PostMessage(context.Background(), cmd("late")))
	assert.Equal(t, "late", recv(t, got).Msg.Action.Name)

	b.StopListening()
	b.StopListening()
	assert.False(t, b.Listening())
}

func TestDisconnectIsOneWay(t *testing.T) {
	a, b := NewPipe("a", "b")

	var mu sync.Mutex
	var reasons []string
	b.OnDisconnect(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	off := a.OnDisconnect(func(string) { t.Error("removed listener called") })
	off()

	a.Disconnect("tab closed")
	a.Disconnect("again")
	a.Wait()
	b.Wait()

	assert.False(t, a.Connected())
	assert.False(t, b.Connected())
	st, reason := a.State()
	assert.Equal(t, StateDisconnected, st)
	assert.Equal(t, "tab closed", reason)

	mu.Lock()
	assert.Equal(t, []string{"peer disconnected: tab closed"}, reasons)
	mu.Unlock()

	err := a.PostMessage(context.Background(), cmd("x"))
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	err = b.StartListening()
	assert.True(t, errors.Is(err, ErrDisconnected), "got %v", err)
}

func TestWebSocketRoundTrip(t *testing.T) {
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Accept(w, r, WebSocketOptions{ID: "server"})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- ws
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(ctx, url, WebSocketOptions{ID: "client", ExpectedSender: url})
	require.NoError(t, err)

	var server *WebSocket
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted")
	}

	server.OnMessage(func(env Envelope) {
		resp := message.Message{Status: message.StatusOK, Result: []byte(`"pong"`)}
		if err := env.Reply(context.Background(), resp); err != nil {
			t.Errorf("reply: %v", err)
		}
	})
	require.NoError(t, server.StartListening())

	fn, got := collect(1)
	client.OnMessage(fn)
	require.NoError(t, client.StartListening())

	req := cmd("ping")
	req.CallbackID = "ws-1"
	require.NoError(t, client.PostMessage(ctx, req))

	env := recv(t, got)
	assert.Equal(t, "ws-1", env.Msg.CallbackID)
	var s string
	require.NoError(t, env.Msg.DecodeResult(&s))
	assert.Equal(t, "pong", s)

	disconnected := make(chan string, 1)
	server.OnDisconnect(func(reason string) { disconnected <- reason })
	client.Disconnect("bye")
	client.Wait()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe the close")
	}
	server.Wait()
	assert.ErrorIs(t, client.PostMessage(ctx, cmd("x")), ErrNotConnected)
}
