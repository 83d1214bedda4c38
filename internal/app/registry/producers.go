package registry

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

const defaultClosedMemory = 4096

// ProducerStore owns at most one producer per Key.
type ProducerStore interface {
	// Set closes the producer it replaces before p becomes visible.
	Set(key Key, p core.Producer) (replaced core.Producer)
	// Get returns false when the user is not publishing, which is normal.
	Get(key Key) (core.Producer, bool)
	// Remove closes and deletes; safe when absent.
	Remove(key Key) (core.Producer, bool)
	List(channel domain.ChannelID) []core.PublisherInfo
	FindByID(id string) (Key, core.Producer, bool)
	// RecentlyClosed reports whether id belonged to a producer this store
	// closed, within a bounded memory.
	RecentlyClosed(id string) bool
	Len() int
}

type memoryProducers struct {
	mu        sync.RWMutex
	byKey     map[Key]core.Producer
	byID      map[string]Key
	byChannel map[domain.ChannelID]map[domain.UserID]core.Producer
	closed    *lru.Cache[string, Key]
}

func NewProducerStore() ProducerStore {
	closed, err := lru.New[string, Key](defaultClosedMemory)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &memoryProducers{
		byKey:     make(map[Key]core.Producer),
		byID:      make(map[string]Key),
		byChannel: make(map[domain.ChannelID]map[domain.UserID]core.Producer),
		closed:    closed,
	}
}

func (m *memoryProducers) Set(key Key, p core.Producer) core.Producer {
	var replaced core.Producer
	for {
		m.mu.Lock()
		old := m.detachLocked(key)
		if old == nil {
			m.installLocked(key, p)
			m.mu.Unlock()
			return replaced
		}
		m.mu.Unlock()

		m.closeProducer(key, old)
		if replaced == nil {
			replaced = old
		}
	}
}

func (m *memoryProducers) installLocked(key Key, p core.Producer) {
	m.byKey[key] = p
	m.byID[p.ID()] = key
	users, ok := m.byChannel[key.Channel]
	if !ok {
		users = make(map[domain.UserID]core.Producer)
		m.byChannel[key.Channel] = users
	}
	users[key.User] = p
	log.Info().Str("module", "app.registry").Str("key", key.String()).Str("producer_id", p.ID()).Msg("producer installed")
}

func (m *memoryProducers) detachLocked(key Key) core.Producer {
	p, ok := m.byKey[key]
	if !ok {
		return nil
	}
	delete(m.byKey, key)
	delete(m.byID, p.ID())
	if users, ok := m.byChannel[key.Channel]; ok {
		delete(users, key.User)
		if len(users) == 0 {
			delete(m.byChannel, key.Channel)
		}
	}
	m.closed.Add(p.ID(), key)
	return p
}

func (m *memoryProducers) closeProducer(key Key, p core.Producer) {
	if err := p.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("key", key.String()).
			Str("producer_id", p.ID()).Msg("close producer")
		return
	}
	log.Info().Str("module", "app.registry").Str("key", key.String()).Str("producer_id", p.ID()).Msg("producer closed")
}

func (m *memoryProducers) Get(key Key) (core.Producer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byKey[key]
	return p, ok
}

func (m *memoryProducers) Remove(key Key) (core.Producer, bool) {
	m.mu.Lock()
	p := m.detachLocked(key)
	m.mu.Unlock()
	if p == nil {
		return nil, false
	}
	m.closeProducer(key, p)
	return p, true
}

func (m *memoryProducers) List(channel domain.ChannelID) []core.PublisherInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := m.byChannel[channel]
	out := make([]core.PublisherInfo, 0, len(users))
	for uid, p := range users {
		out = append(out, core.PublisherInfo{UserID: uid, ProducerID: p.ID()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *memoryProducers) FindByID(id string) (Key, core.Producer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byID[id]
	if !ok {
		return Key{}, nil, false
	}
	return key, m.byKey[key], true
}

func (m *memoryProducers) RecentlyClosed(id string) bool {
	return m.closed.Contains(id)
}

func (m *memoryProducers) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}
