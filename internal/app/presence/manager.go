// Package presence tracks which sockets watch and which take part in each
// voice channel, and pushes roster updates to them.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

// ChannelInfo is a read-only view for the HTTP API.
type ChannelInfo struct {
	ID        domain.ChannelID `json:"channelId"`
	Active    int              `json:"active"`
	Observers int              `json:"observers"`
	Users     []domain.User    `json:"users,omitempty"`
}

type Manager struct {
	mu    sync.RWMutex
	rooms map[domain.ChannelID]*room
}

func NewManager() *Manager {
	return &Manager{rooms: make(map[domain.ChannelID]*room)}
}

// join adds s under the manager lock so a concurrent gc cannot orphan
// the room it is added to.
func (m *Manager) join(ch domain.ChannelID, g Group, s core.Session) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[ch]
	if !ok {
		r = newRoom(ch)
		m.rooms[ch] = r
	}
	r.add(g, s)
	return r
}

func (m *Manager) get(ch domain.ChannelID) (*room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[ch]
	return r, ok
}

// gc drops the channel once nobody is in it.
func (m *Manager) gc(ch domain.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[ch]; ok && r.empty() {
		delete(m.rooms, ch)
	}
}

// JoinObserver adds s to the observers and sends it the current roster.
func (m *Manager) JoinObserver(ch domain.ChannelID, s core.Session) []domain.User {
	r := m.join(ch, Observer, s)
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	users := r.roster()
	m.sendRoster(ch, s, users)
	return users
}

func (m *Manager) LeaveObserver(ch domain.ChannelID, sid core.SessionID) {
	r, ok := m.get(ch)
	if !ok {
		return
	}
	r.remove(Observer, sid)
	m.gc(ch)
}

// JoinActive adds s to the participants and broadcasts the new roster to
// participants and observers.
func (m *Manager) JoinActive(ch domain.ChannelID, s core.Session) []domain.User {
	r := m.join(ch, Active, s)
	return m.broadcastRoster(r)
}

// LeaveActive removes sid first so the broadcast roster never contains
// the leaver (unless another socket of the same user is still active).
func (m *Manager) LeaveActive(ch domain.ChannelID, sid core.SessionID) []domain.User {
	r, ok := m.get(ch)
	if !ok {
		return []domain.User{}
	}
	r.remove(Active, sid)
	users := m.broadcastRoster(r)
	m.gc(ch)
	return users
}

// DropSocket removes sid from every group and returns the channels where
// it was a participant; each of them gets a roster broadcast.
func (m *Manager) DropSocket(sid core.SessionID) []domain.ChannelID {
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	var wasActive []domain.ChannelID
	for _, r := range rooms {
		r.remove(Observer, sid)
		if r.remove(Active, sid) {
			wasActive = append(wasActive, r.channel)
			m.broadcastRoster(r)
		}
		m.gc(r.channel)
	}
	sort.Slice(wasActive, func(i, j int) bool { return wasActive[i] < wasActive[j] })
	return wasActive
}

// Roster is computed from live membership at call time.
func (m *Manager) Roster(ch domain.ChannelID) []domain.User {
	r, ok := m.get(ch)
	if !ok {
		return []domain.User{}
	}
	return r.roster()
}

// BroadcastToOthers sends data to the participants of ch that belong to a
// user other than from.
func (m *Manager) BroadcastToOthers(ch domain.ChannelID, from domain.UserID, data core.Frame) PublishResult {
	r, ok := m.get(ch)
	if !ok {
		return PublishResult{}
	}
	return r.broadcast([]Group{Active}, func(s core.Session) bool { return s.User().ID == from }, data)
}

func (m *Manager) Channels() []ChannelInfo {
	m.mu.RLock()
	out := make([]ChannelInfo, 0, len(m.rooms))
	for ch, r := range m.rooms {
		a, o := r.counts()
		out = append(out, ChannelInfo{ID: ch, Active: a, Observers: o})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Snapshot(ch domain.ChannelID) (ChannelInfo, bool) {
	r, ok := m.get(ch)
	if !ok {
		return ChannelInfo{}, false
	}
	a, o := r.counts()
	return ChannelInfo{ID: ch, Active: a, Observers: o, Users: r.roster()}, true
}

// broadcastRoster computes and fans out under rosterMu; TrySend never
// blocks, so the hold is short.
func (m *Manager) broadcastRoster(r *room) []domain.User {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()
	users := r.roster()
	frame, err := core.EncodeEvent(core.EventUsersUpdated, core.RosterEvent{ChannelID: r.channel, Users: users})
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode roster")
		return users
	}
	res := r.broadcast([]Group{Active, Observer}, nil, frame)
	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "app.presence").Str("channel", string(r.channel)).
			Int("dropped", len(res.Dropped)).Msg("roster not delivered to some sockets")
	}
	return users
}

func (m *Manager) sendRoster(ch domain.ChannelID, s core.Session, users []domain.User) {
	frame, err := core.EncodeEvent(core.EventUsersUpdated, core.RosterEvent{ChannelID: ch, Users: users})
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode roster")
		return
	}
	if err := s.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("sid", string(s.ID())).Msg("roster snapshot not delivered")
	}
}
