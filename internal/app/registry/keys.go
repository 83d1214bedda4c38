// Package registry owns per-(channel, user) transport and producer handles.
package registry

import (
	"sync"

	"github.com/dkeye/voicerooms/internal/domain"
)

// Key addresses one user's media state inside one channel.
type Key struct {
	Channel domain.ChannelID
	User    domain.UserID
}

func (k Key) String() string { return string(k.Channel) + "/" + string(k.User) }

// KeyedMutex serialises work per Key. Different keys never contend
// beyond the short critical section that manages the lock table.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[Key]*refLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *KeyedMutex) Lock(key Key) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
