package client

import (
	"context"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

// Device is the local media side: capability loading, the client half of
// each transport, microphone capture and playback.
type Device interface {
	Load(caps core.Capabilities) error
	Capabilities() core.Capabilities
	// OpenTransport prepares the local end of a server transport and
	// returns the security parameters to connect it with.
	OpenTransport(ctx context.Context, dir domain.Direction, params core.TransportParams) (core.SecurityParams, error)
	// StartAudio captures the microphone and returns what to publish.
	StartAudio(ctx context.Context) (core.MediaKind, core.MediaParams, error)
	Play(desc core.ConsumerDescriptor) error
	// Close releases everything local: consumers, producer, transports
	// and captured tracks. It must be safe to call repeatedly.
	Close()
}
