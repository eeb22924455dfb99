// Package connectivity tracks whether the device can reach the network and
// notifies subscribers of online/offline transitions.
package connectivity

import (
	"sync"

	"github.com/sociapp/fieldsync/internal/logging"
)

// Signal is a boolean online flag readable on demand and observable through
// transition notifications. The zero value is not usable; call NewSignal.
type Signal struct {
	mu     sync.Mutex
	online bool
	subs   map[uint64]chan bool
	nextID uint64
	log    *logging.Logger
}

// NewSignal returns a Signal starting in the given state.
func NewSignal(online bool, log *logging.Logger) *Signal {
	if log == nil {
		log = logging.Get()
	}
	return &Signal{
		online: online,
		subs:   make(map[uint64]chan bool),
		log:    log,
	}
}

// Online reports the current state.
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and reports whether it changed. Subscribers are only
// notified on a change.
func (s *Signal) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return false
	}
	s.online = online

	s.log.Info("Connectivity changed", map[string]interface{}{
		"was_online": !online,
		"is_online":  online,
	})

	for _, ch := range s.subs {
		// keep only the newest state for a slow subscriber
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
	return true
}

// Subscribe returns a channel receiving the new state on every transition and
// a function that cancels the subscription and closes the channel.
func (s *Signal) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}
