package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

// Group is one of the two socket sets a channel keeps.
type Group string

const (
	Active   Group = "active"
	Observer Group = "observer"
)

// PublishResult reports delivery stats of a fan-out.
type PublishResult struct {
	SendTo  int
	Dropped []core.Session
}

// room is a threadsafe in-memory channel presence.
// It never closes adapter-owned resources.
type room struct {
	channel domain.ChannelID

	// rosterMu orders roster snapshots so the last one a socket receives
	// matches live membership.
	rosterMu sync.Mutex

	mu        sync.RWMutex
	active    map[core.SessionID]core.Session
	observers map[core.SessionID]core.Session
}

func newRoom(channel domain.ChannelID) *room {
	return &room{
		channel:   channel,
		active:    make(map[core.SessionID]core.Session),
		observers: make(map[core.SessionID]core.Session),
	}
}

func (r *room) group(g Group) map[core.SessionID]core.Session {
	if g == Active {
		return r.active
	}
	return r.observers
}

func (r *room) add(g Group, s core.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.group(g)[s.ID()] = s
	log.Info().Str("module", "app.presence").Str("channel", string(r.channel)).
		Str("group", string(g)).Str("sid", string(s.ID())).Str("user", string(s.User().ID)).Msg("member added")
}

// remove reports whether sid was in the group.
func (r *room) remove(g Group, sid core.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.group(g)
	if _, ok := m[sid]; !ok {
		return false
	}
	delete(m, sid)
	log.Info().Str("module", "app.presence").Str("channel", string(r.channel)).
		Str("group", string(g)).Str("sid", string(sid)).Msg("member removed")
	return true
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active) == 0 && len(r.observers) == 0
}

func (r *room) counts() (active, observers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active), len(r.observers)
}

// roster lists the distinct users of the active group, sorted by
// username then id.
func (r *room) roster() []domain.User {
	r.mu.RLock()
	seen := make(map[domain.UserID]domain.User, len(r.active))
	for _, s := range r.active {
		u := s.User()
		seen[u.ID] = *u
	}
	r.mu.RUnlock()

	out := make([]domain.User, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// broadcast sends data once to every socket of the given groups for which
// skip returns false.
func (r *room) broadcast(groups []Group, skip func(core.Session) bool, data core.Frame) PublishResult {
	r.mu.RLock()
	targets := make(map[core.SessionID]core.Session)
	for _, g := range groups {
		for sid, s := range r.group(g) {
			if skip != nil && skip(s) {
				continue
			}
			targets[sid] = s
		}
	}
	r.mu.RUnlock()

	res := PublishResult{}
	for _, s := range targets {
		if err := s.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, s)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.presence").Str("channel", string(r.channel)).
		Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
