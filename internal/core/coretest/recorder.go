// Package coretest holds in-memory signaling helpers for tests.
package coretest

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

var ErrFull = errors.New("coretest: send buffer full")

// Recorder is a core.SignalConnection that keeps every frame it is sent.
type Recorder struct {
	mu     sync.Mutex
	frames []core.Frame
	closed atomic.Bool

	// Fail makes TrySend drop frames.
	Fail atomic.Bool

	hookMu sync.Mutex
	before func(core.Frame)
}

// BeforeSend installs fn to run at the start of every later TrySend.
func (r *Recorder) BeforeSend(fn func(core.Frame)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.before = fn
}

func (r *Recorder) TrySend(f core.Frame) error {
	r.hookMu.Lock()
	before := r.before
	r.hookMu.Unlock()
	if before != nil {
		before(f)
	}
	if r.Fail.Load() || r.closed.Load() {
		return ErrFull
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append(core.Frame(nil), f...))
	return nil
}

func (r *Recorder) Close() { r.closed.Store(true) }

func (r *Recorder) Closed() bool { return r.closed.Load() }

// Event is a decoded server push.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (r *Recorder) Events(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, f := range r.frames {
		var ev Event
		if err := json.Unmarshal(f, &ev); err != nil {
			continue
		}
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// LastRoster decodes the most recent voice:users-updated event.
func (r *Recorder) LastRoster() (core.RosterEvent, bool) {
	evs := r.Events(core.EventUsersUpdated)
	if len(evs) == 0 {
		return core.RosterEvent{}, false
	}
	var out core.RosterEvent
	if err := json.Unmarshal(evs[len(evs)-1].Data, &out); err != nil {
		return core.RosterEvent{}, false
	}
	return out, true
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// NewSession builds a session for user on a fresh Recorder.
func NewSession(sid string, user domain.UserID, username string) (core.Session, *Recorder) {
	rec := &Recorder{}
	u := &domain.User{ID: user, Username: username}
	return core.NewSession(core.SessionID(sid), u, rec), rec
}

// UserIDs extracts the ids of a roster, in order.
func UserIDs(users []domain.User) []domain.UserID {
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}
