package orch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

// subscriptionSet holds every store listener opened for one call. CloseAll
// releases them on the way into Ended; anything added afterwards is released
// immediately.
type subscriptionSet struct {
	mu     sync.Mutex
	callID domain.CallID
	subs   map[string]core.Unsubscribe
	closed bool
}

func newSubscriptionSet(callID domain.CallID) *subscriptionSet {
	return &subscriptionSet{callID: callID, subs: make(map[string]core.Unsubscribe)}
}

func (s *subscriptionSet) Add(name string, unsub core.Unsubscribe) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return
	}
	if prev, ok := s.subs[name]; ok {
		prev()
	}
	s.subs[name] = unsub
	s.mu.Unlock()
	log.Debug().Str("module", "app.orch").Str("call", string(s.callID)).Str("sub", name).Msg("subscribed")
}

func (s *subscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *subscriptionSet) CloseAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]core.Unsubscribe)
	s.closed = true
	s.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	if len(subs) > 0 {
		log.Debug().Str("module", "app.orch").Str("call", string(s.callID)).Int("count", len(subs)).Msg("released subscriptions")
	}
}
