package registry

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

// ConnState is the connection state tag of a transport.
type ConnState string

const (
	StateUninitialized ConnState = "uninitialized"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateClosed        ConnState = "closed"
)

const (
	eventConnect   = "connect"
	eventConnected = "connected"
	eventClose     = "close"
)

// TransportHandle wraps an engine transport with its connection state
// and the consumers it currently carries.
type TransportHandle struct {
	Transport core.Transport
	Key       Key
	Owner     core.SessionID

	mu        sync.Mutex
	state     *fsm.FSM
	consumers map[string]core.Consumer // by producer id
	closeOnce sync.Once
	closeErr  error
}

func NewTransportHandle(key Key, owner core.SessionID, t core.Transport) *TransportHandle {
	h := &TransportHandle{
		Transport: t,
		Key:       key,
		Owner:     owner,
		consumers: make(map[string]core.Consumer),
	}
	h.state = fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateUninitialized)}, Dst: string(StateConnecting)},
			{Name: eventConnected, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventClose, Src: []string{
				string(StateUninitialized), string(StateConnecting), string(StateConnected),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().
					Str("module", "app.registry").
					Str("key", key.String()).
					Str("transport_id", t.ID()).
					Str("dir", string(t.Direction())).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("transport state")
			},
		},
	)
	return h
}

func (h *TransportHandle) ID() string { return h.Transport.ID() }

func (h *TransportHandle) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ConnState(h.state.Current())
}

func (h *TransportHandle) Connected() bool { return h.State() == StateConnected }

// BeginConnect moves the transport into CONNECTING. done is true when it
// is already CONNECTED and the handshake must be skipped.
func (h *TransportHandle) BeginConnect() (done bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ConnState(h.state.Current()) {
	case StateConnected:
		return true, nil
	case StateConnecting:
		return false, core.ErrAlreadyConnecting
	case StateClosed:
		return false, core.ErrTransportNotFound
	}
	if err := h.state.Event(context.Background(), eventConnect); err != nil {
		return false, core.NewError(core.CodeInternal, "connect transition", err)
	}
	return false, nil
}

// FinishConnect records a completed handshake. A transport closed while
// the handshake ran stays closed.
func (h *TransportHandle) FinishConnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ConnState(h.state.Current()) == StateClosed {
		return core.ErrTransportNotFound
	}
	if err := h.state.Event(context.Background(), eventConnected); err != nil {
		return core.NewError(core.CodeInternal, "connected transition", err)
	}
	return nil
}

// markClosed flips the state to CLOSED. It reports whether this call did it.
func (h *TransportHandle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ConnState(h.state.Current()) == StateClosed {
		return false
	}
	_ = h.state.Event(context.Background(), eventClose)
	return true
}

// Close marks the handle CLOSED and releases the engine transport once.
func (h *TransportHandle) Close() error {
	h.markClosed()
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.consumers = make(map[string]core.Consumer)
		h.mu.Unlock()
		h.closeErr = h.Transport.Close()
	})
	return h.closeErr
}

// HasConsumer reports whether this transport already carries producerID.
func (h *TransportHandle) HasConsumer(producerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.consumers[producerID]
	return ok
}

// TrackConsumer remembers c for duplicate detection. It fails with
// ErrAlreadySubscribed if the producer is already consumed here.
func (h *TransportHandle) TrackConsumer(c core.Consumer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ConnState(h.state.Current()) == StateClosed {
		return core.ErrNoRecvTransport
	}
	if _, ok := h.consumers[c.ProducerID()]; ok {
		return core.ErrAlreadySubscribed
	}
	h.consumers[c.ProducerID()] = c
	return nil
}
