package usecase

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker serializes exchanges per conversation: at most one exchange
// per session is in flight, so commits land in submission order.
type SessionLocker struct {
	mu    sync.Mutex
	slots map[string]*sessionSlot
}

// sessionSlot is a one-token semaphore. refs counts holders and waiters so
// the slot can be dropped once nobody needs it.
type sessionSlot struct {
	token chan struct{}
	refs  int
}

func NewSessionLocker() *SessionLocker {
	return &SessionLocker{slots: make(map[string]*sessionSlot)}
}

// Lock blocks until sessionID is free or ctx is done. The returned unlock is
// safe to call more than once.
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	slot := sl.ref(sessionID)

	select {
	case slot.token <- struct{}{}:
	case <-ctx.Done():
		sl.unref(sessionID, slot)
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.token
			sl.unref(sessionID, slot)
		})
	}, nil
}

func (sl *SessionLocker) ref(sessionID string) *sessionSlot {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	slot, ok := sl.slots[sessionID]
	if !ok {
		slot = &sessionSlot{token: make(chan struct{}, 1)}
		sl.slots[sessionID] = slot
	}
	slot.refs++
	return slot
}

func (sl *SessionLocker) unref(sessionID string, slot *sessionSlot) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(sl.slots, sessionID)
	}
}

// ActiveCount returns the number of sessions that are held or awaited.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.slots)
}
