// Package client is a signaling client for the voice server. Conn speaks
// the request/response envelope; Voice drives the join sequence on top of
// it with a per-channel state machine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

var ErrConnClosed = errors.New("signaling connection closed")

type wireError struct {
	Code    core.Code `json:"code"`
	Message string    `json:"message"`
}

type message struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

type outgoing struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// EventHandler runs on the read loop; it must not call Conn.Call directly.
type EventHandler func(data json.RawMessage)

type Conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
	seq atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan message
	handlers map[string][]EventHandler
	closed   bool

	done chan struct{}
}

func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

// NewConn takes ownership of an established websocket.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		pending:  make(map[string]chan message),
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) On(eventType string, h EventHandler) {
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "client").Msg("read error")
			}
			return
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad frame")
			continue
		}
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m message) {
	c.mu.Lock()
	if m.Type == "response" || m.Type == "pong" {
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
		return
	}
	hs := append([]EventHandler(nil), c.handlers[m.Type]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(m.Data)
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

func (c *Conn) write(v outgoing) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// Send is fire-and-forget.
func (c *Conn) Send(typ string, data any) error {
	return c.write(outgoing{Type: typ, Data: data})
}

// Call sends a request and decodes the response data into out (may be
// nil). Server errors come back as *core.Error.
func (c *Conn) Call(ctx context.Context, typ string, data any, out any) error {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(outgoing{Type: typ, ID: id, Data: data}); err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case m, ok := <-ch:
		if !ok {
			return ErrConnClosed
		}
		if m.Error != nil {
			return &core.Error{Code: m.Error.Code, Message: m.Error.Message}
		}
		if out == nil || len(m.Data) == 0 {
			return nil
		}
		return json.Unmarshal(m.Data, out)
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}
