package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

// Slot is a read-only view of one (channel, user) transport pair.
type Slot struct {
	Key      Key
	Owner    core.SessionID
	Upload   *TransportHandle
	Download *TransportHandle
}

func (s Slot) Get(dir domain.Direction) *TransportHandle {
	if dir == domain.Upload {
		return s.Upload
	}
	return s.Download
}

// TransportStore owns at most one upload and one download transport per
// Key, and at most one per direction per user across all channels.
type TransportStore interface {
	// GetOrCreate returns the slot for key, creating an empty one.
	GetOrCreate(key Key, owner core.SessionID) Slot
	Lookup(key Key) (Slot, bool)
	// Set closes every transport it displaces (same key, or the same user
	// in another channel) before h becomes visible, and returns them.
	Set(key Key, dir domain.Direction, h *TransportHandle) []*TransportHandle
	Get(key Key, dir domain.Direction) (*TransportHandle, bool)
	// Find locates the user's live transport for dir in any channel.
	Find(user domain.UserID, dir domain.Direction) (*TransportHandle, bool)
	// Remove detaches and returns the handle; the caller closes it.
	Remove(key Key, dir domain.Direction) (*TransportHandle, bool)
	// DeleteIfEmpty drops a slot that holds no transports and that no
	// producer still references.
	DeleteIfEmpty(key Key) bool
	KeysOwnedBy(sid core.SessionID) []Key
	Stats() TransportStats
}

type TransportStats struct {
	Slots     int
	Uploads   int
	Downloads int
}

type slotEntry struct {
	owner core.SessionID
	pair  [2]*TransportHandle
}

type userDir struct {
	user domain.UserID
	dir  domain.Direction
}

type memoryTransports struct {
	mu    sync.RWMutex
	slots map[Key]*slotEntry
	index map[userDir]Key

	producers ProducerStore
}

type TransportOption func(*memoryTransports)

// WithProducers keeps a slot alive while ps holds a producer for its key.
func WithProducers(ps ProducerStore) TransportOption {
	return func(m *memoryTransports) { m.producers = ps }
}

func NewTransportStore(opts ...TransportOption) TransportStore {
	m := &memoryTransports{
		slots: make(map[Key]*slotEntry),
		index: make(map[userDir]Key),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func dirIndex(dir domain.Direction) int {
	if dir == domain.Upload {
		return 0
	}
	return 1
}

func (e *slotEntry) view(key Key) Slot {
	return Slot{Key: key, Owner: e.owner, Upload: e.pair[0], Download: e.pair[1]}
}

func (m *memoryTransports) GetOrCreate(key Key, owner core.SessionID) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slots[key]
	if !ok {
		e = &slotEntry{}
		m.slots[key] = e
		log.Debug().Str("module", "app.registry").Str("key", key.String()).Msg("slot created")
	}
	if owner != "" {
		e.owner = owner
	}
	return e.view(key)
}

func (m *memoryTransports) Lookup(key Key) (Slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.slots[key]
	if !ok {
		return Slot{}, false
	}
	return e.view(key), true
}

func (m *memoryTransports) Set(key Key, dir domain.Direction, h *TransportHandle) []*TransportHandle {
	var evicted []*TransportHandle
	for {
		m.mu.Lock()
		displaced := m.detachLocked(key, dir)
		if other, ok := m.index[userDir{key.User, dir}]; ok && other != key {
			displaced = append(displaced, m.detachLocked(other, dir)...)
		}
		if len(displaced) == 0 {
			// A concurrent Set for the same user may have landed while the
			// previous round was closing; install only once nothing is left.
			m.installLocked(key, dir, h)
			m.mu.Unlock()
			return evicted
		}
		m.mu.Unlock()

		for _, old := range displaced {
			if err := old.Close(); err != nil {
				log.Warn().Err(err).Str("module", "app.registry").Str("key", old.Key.String()).
					Str("transport_id", old.ID()).Msg("close displaced transport")
			}
			log.Info().Str("module", "app.registry").Str("key", old.Key.String()).
				Str("transport_id", old.ID()).Str("dir", string(dir)).Msg("displaced transport closed")
		}
		evicted = append(evicted, displaced...)
	}
}

func (m *memoryTransports) installLocked(key Key, dir domain.Direction, h *TransportHandle) {
	e, ok := m.slots[key]
	if !ok {
		e = &slotEntry{}
		m.slots[key] = e
	}
	if h.Owner != "" {
		e.owner = h.Owner
	}
	e.pair[dirIndex(dir)] = h
	m.index[userDir{key.User, dir}] = key
	log.Info().Str("module", "app.registry").Str("key", key.String()).
		Str("transport_id", h.ID()).Str("dir", string(dir)).Msg("transport installed")
}

// detachLocked removes the handle at key/dir from both maps.
func (m *memoryTransports) detachLocked(key Key, dir domain.Direction) []*TransportHandle {
	e, ok := m.slots[key]
	if !ok {
		return nil
	}
	i := dirIndex(dir)
	old := e.pair[i]
	if old == nil {
		return nil
	}
	e.pair[i] = nil
	if k, ok := m.index[userDir{key.User, dir}]; ok && k == key {
		delete(m.index, userDir{key.User, dir})
	}
	old.markClosed()
	return []*TransportHandle{old}
}

func (m *memoryTransports) Get(key Key, dir domain.Direction) (*TransportHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.slots[key]
	if !ok {
		return nil, false
	}
	h := e.pair[dirIndex(dir)]
	return h, h != nil
}

func (m *memoryTransports) Find(user domain.UserID, dir domain.Direction) (*TransportHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.index[userDir{user, dir}]
	if !ok {
		return nil, false
	}
	e, ok := m.slots[key]
	if !ok {
		return nil, false
	}
	h := e.pair[dirIndex(dir)]
	return h, h != nil
}

func (m *memoryTransports) Remove(key Key, dir domain.Direction) (*TransportHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.detachLocked(key, dir)
	if len(out) == 0 {
		return nil, false
	}
	return out[0], true
}

func (m *memoryTransports) DeleteIfEmpty(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slots[key]
	if !ok || e.pair[0] != nil || e.pair[1] != nil {
		return false
	}
	if m.producers != nil {
		if _, ok := m.producers.Get(key); ok {
			return false
		}
	}
	delete(m.slots, key)
	log.Debug().Str("module", "app.registry").Str("key", key.String()).Msg("slot deleted")
	return true
}

func (m *memoryTransports) KeysOwnedBy(sid core.SessionID) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Key, 0)
	for k, e := range m.slots {
		if e.owner == sid {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *memoryTransports) Stats() TransportStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := TransportStats{Slots: len(m.slots)}
	for _, e := range m.slots {
		if e.pair[0] != nil {
			st.Uploads++
		}
		if e.pair[1] != nil {
			st.Downloads++
		}
	}
	return st
}
