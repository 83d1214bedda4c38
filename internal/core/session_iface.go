package core

import "github.com/dkeye/voicerooms/internal/domain"

// SessionID identifies one signaling socket. A user may hold several.
type SessionID string

// Session binds an authenticated identity and its signaling endpoint.
// This is what presence groups store and fan out to.
type Session interface {
	ID() SessionID
	User() *domain.User
	Signal() SignalConnection
}

type session struct {
	id     SessionID
	user   *domain.User
	signal SignalConnection
}

func NewSession(id SessionID, user *domain.User, signal SignalConnection) Session {
	return &session{id: id, user: user, signal: signal}
}

func (s *session) ID() SessionID            { return s.id }
func (s *session) User() *domain.User       { return s.user }
func (s *session) Signal() SignalConnection { return s.signal }
