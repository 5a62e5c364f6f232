package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

// Stream is the connection surface the call engine drives. *Conn is
// the production implementation; tests substitute a scripted stream.
type Stream interface {
	WriteFrame(v any) error
	ReadFrame() ([]byte, error)
	Ping() (<-chan struct{}, error)
	CloseGracefully() error
}

// Conn wraps one streaming connection to the remote speech endpoint.
// Reads happen from a single goroutine; writes are serialized by an
// internal mutex because protocol sends and sweep-timer commits come
// from different goroutines.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	pongMu   sync.Mutex
	pongWait chan struct{}
}

// Dial opens the streaming connection for one call. The endpoint URL is
// parameterized by the fixed voice-model identifier.
func Dial(ctx context.Context, baseURL, model, apiKey string) (*Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	ws.SetReadLimit(readLimit)

	c := &Conn{ws: ws}
	ws.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		if c.pongWait != nil {
			close(c.pongWait)
			c.pongWait = nil
		}
		c.pongMu.Unlock()
		return nil
	})
	return c, nil
}

// WriteFrame marshals and sends one protocol frame under the write lock.
func (c *Conn) WriteFrame(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// ReadFrame blocks for the next raw frame. Ping/pong control frames are
// consumed transparently by the underlying reader.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

// Ping sends a health probe. The pong arrives on the channel returned
// by PongListener, within the caller's bounded window or not at all.
func (c *Conn) Ping() (<-chan struct{}, error) {
	c.pongMu.Lock()
	if c.pongWait == nil {
		c.pongWait = make(chan struct{})
	}
	ch := c.pongWait
	c.pongMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	return ch, nil
}

// CloseGracefully sends a close frame, then releases the socket. Safe
// to call more than once; later calls surface the underlying error and
// are ignored by callers.
func (c *Conn) CloseGracefully() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// TimeoutGuard arms one timeout per call covering the whole
// connect+handshake sequence. A guard fires its callback exactly once;
// Disarm before the deadline prevents it entirely.
type TimeoutGuard struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimeoutGuard() *TimeoutGuard {
	return &TimeoutGuard{timers: make(map[string]*time.Timer)}
}

// Arm replaces any existing timeout for the call.
func (g *TimeoutGuard) Arm(callID string, d time.Duration, onTimeout func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.timers[callID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		g.mu.Lock()
		current, ok := g.timers[callID]
		if ok && current == t {
			delete(g.timers, callID)
		}
		g.mu.Unlock()
		// A disarmed or replaced guard never fires its callback.
		if ok && current == t {
			onTimeout()
		}
	})
	g.timers[callID] = t
}

// Disarm cancels the pending timeout for the call, if any.
func (g *TimeoutGuard) Disarm(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[callID]; ok {
		t.Stop()
		delete(g.timers, callID)
	}
}

// Armed reports whether the call still has a pending timeout.
func (g *TimeoutGuard) Armed(callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[callID]
	return ok
}
