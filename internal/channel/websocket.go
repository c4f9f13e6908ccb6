package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tabdriver/internal/logging"
	"tabdriver/internal/message"
)

// WebSocketOptions configures both ends of a websocket channel.
type WebSocketOptions struct {
	ID string
	// ExpectedSender, when set, must equal the peer identity: the Origin
	// header on the server side, the dialed URL on the client side.
	ExpectedSender string
	// OriginPatterns is passed to Accept; it is the handshake-level sender check.
	OriginPatterns []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	HTTPHeader     http.Header
}

func (o *WebSocketOptions) defaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4 * 1024 * 1024
	}
}

// WebSocket is a channel over one websocket connection. Inbound frames are
// JSON-encoded messages read by a single loop; writes are serialized.
type WebSocket struct {
	*Base
	conn   *websocket.Conn
	peer   string
	opts   WebSocketOptions
	cancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Accept upgrades an HTTP request to a websocket channel.
func Accept(w http.ResponseWriter, r *http.Request, opts WebSocketOptions) (*WebSocket, error) {
	opts.defaults()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	peer := r.Header.Get("Origin")
	if peer == "" {
		peer = r.RemoteAddr
	}
	return newWebSocket(conn, peer, opts), nil
}

// Dial connects to a websocket channel server.
func Dial(ctx context.Context, url string, opts WebSocketOptions) (*WebSocket, error) {
	opts.defaults()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.HTTPHeader})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWebSocket(conn, url, opts), nil
}

func newWebSocket(conn *websocket.Conn, peer string, opts WebSocketOptions) *WebSocket {
	conn.SetReadLimit(opts.ReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		Base:   NewBase(opts.ID, opts.ExpectedSender),
		conn:   conn,
		peer:   peer,
		opts:   opts,
		cancel: cancel,
	}
	ws.wg.Add(1)
	go ws.readLoop(ctx)
	if opts.PingInterval > 0 {
		ws.wg.Add(1)
		go ws.pingLoop(ctx)
	}
	return ws
}

// Peer returns the remote identity used for the sender check.
func (ws *WebSocket) Peer() string { return ws.peer }

func (ws *WebSocket) readLoop(ctx context.Context) {
	defer ws.wg.Done()
	for {
		_, data, err := ws.conn.Read(ctx)
		if err != nil {
			reason := "read: " + err.Error()
			if status := websocket.CloseStatus(err); status != -1 {
				reason = fmt.Sprintf("closed by peer (%d)", status)
			} else if errors.Is(err, context.Canceled) {
				reason = "closed"
			}
			ws.shutdown(reason)
			return
		}

		var msg message.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.ChannelWarn("[%s] dropped undecodable frame from %s: %v", ws.ID(), ws.peer, err)
			continue
		}
		ws.Deliver(Envelope{
			Msg:    msg,
			Sender: ws.peer,
			Reply:  ReplyVia(msg, ws.PostMessage),
		})
	}
}

func (ws *WebSocket) pingLoop(ctx context.Context) {
	defer ws.wg.Done()
	ticker := time.NewTicker(ws.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.opts.WriteTimeout)
			err := ws.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logging.ChannelWarn("[%s] ping failed, closing: %v", ws.ID(), err)
				ws.shutdown("ping failed")
				return
			}
		}
	}
}

// PostMessage encodes msg as one text frame.
func (ws *WebSocket) PostMessage(ctx context.Context, msg message.Message) error {
	if err := ws.CheckSend(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, ws.opts.WriteTimeout)
	defer cancel()
	ws.writeMu.Lock()
	err = ws.conn.Write(writeCtx, websocket.MessageText, data)
	ws.writeMu.Unlock()
	if err != nil {
		if !ws.Connected() {
			return fmt.Errorf("%w: %s", ErrNotConnected, ws.ID())
		}
		return fmt.Errorf("write %s: %w", msg, err)
	}
	return nil
}

// Disconnect closes the connection with a normal closure. Safe to call from
// a message listener; use Wait to block until the loops have exited.
func (ws *WebSocket) Disconnect(reason string) {
	ws.shutdown(reason)
}

// Wait blocks until the read and ping loops have exited.
func (ws *WebSocket) Wait() { ws.wg.Wait() }

func (ws *WebSocket) shutdown(reason string) {
	if !ws.MarkDisconnected(reason) {
		return
	}
	ws.writeMu.Lock()
	_ = ws.conn.Close(websocket.StatusNormalClosure, truncate(reason, 120))
	ws.writeMu.Unlock()
	ws.cancel()
}

// Close reasons are limited to 123 bytes by the protocol.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Channel = (*WebSocket)(nil)
