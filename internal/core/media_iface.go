package core

import (
	"context"

	"github.com/dkeye/voicerooms/internal/domain"
)

// MediaEngine is the SFU primitive the orchestration layer drives.
// Codec negotiation, ICE and bandwidth estimation live behind it.
type MediaEngine interface {
	// Capabilities returns ErrEngineNotReady until the engine is started.
	Capabilities() (Capabilities, error)
	// CreateTransport allocates a fresh, unconnected transport.
	CreateTransport(ctx context.Context, dir domain.Direction) (Transport, error)
	// CanConsume reports whether caps can receive what p publishes.
	CanConsume(p Producer, caps Capabilities) bool
}

// Transport is one direction of a participant's media path.
type Transport interface {
	ID() string
	Direction() domain.Direction
	Params() TransportParams
	// Connect runs the ICE/DTLS handshake. It blocks until the transport
	// is established or ctx is done.
	Connect(ctx context.Context, sec SecurityParams) error
	// Produce attaches a published stream. Upload transports only.
	Produce(ctx context.Context, kind MediaKind, media MediaParams) (Producer, error)
	// Consume attaches a subscription to p. Download transports only.
	Consume(ctx context.Context, p Producer, caps Capabilities) (Consumer, error)
	// Close releases the transport and everything riding on it. Idempotent.
	Close() error
}

// Producer is a published media source.
type Producer interface {
	ID() string
	Kind() MediaKind
	Media() MediaParams
	Pause() error
	Resume() error
	Paused() bool
	// Close stops forwarding to every consumer. Idempotent.
	Close() error
	Closed() bool
}

// Consumer is a subscription to a producer over a download transport.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Media() MediaParams
	Close() error
}
