package sfu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// RelayManager tracks the live relay of every producer.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay

	// retired holds the packet counts of relays no longer tracked.
	retired atomic.Uint64
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src rtpSource) *Relay {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer_id", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		m.retire(old)
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches an OutTrack to the relay of producerID.
func (m *RelayManager) AddSubscriber(producerID string, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(ot)
	log.Debug().
		Str("module", "app.sfu").
		Str("producer_id", producerID).
		Str("consumer_id", ot.ConsumerID).
		Stringer("state", ot.State()).
		Msg("subscriber attached")
	return true
}

// MarkSubscriberDelete marks a consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	ot, ok := relay.outTracks[consumerID]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkDelete()
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.retire(relay)
}

// StopAll stops every relay; used on engine shutdown.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		m.retire(r)
	}
}

// retire stops r. With every OutTrack deleted it forwards nothing more, so
// its count is final.
func (m *RelayManager) retire(r *Relay) {
	r.markAllDelete()
	r.cancel()
	m.retired.Add(r.Forwarded())
}

// Forwarded totals the packets every relay, live or stopped, has written
// to consumers.
func (m *RelayManager) Forwarded() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.retired.Load()
	for _, r := range m.relays {
		total += r.Forwarded()
	}
	return total
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
