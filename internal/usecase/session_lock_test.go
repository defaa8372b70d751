package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLockerLockUnlock(t *testing.T) {
	sl := NewSessionLocker()

	unlock, err := sl.Lock(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sl.ActiveCount())

	unlock()
	assert.Zero(t, sl.ActiveCount())
}

func TestSessionLockerSerializesSameSession(t *testing.T) {
	sl := NewSessionLocker()
	unlock, err := sl.Lock(context.Background(), "s1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := sl.Lock(context.Background(), "s1")
		if !assert.NoError(t, err) {
			return
		}
		record("second")
		second()
	}()

	time.Sleep(30 * time.Millisecond)
	record("first")
	unlock()
	<-done

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Zero(t, sl.ActiveCount())
}

func TestSessionLockerIndependentSessions(t *testing.T) {
	sl := NewSessionLocker()
	unlockA, err := sl.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := sl.Lock(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, sl.ActiveCount())
	unlockB()
}

func TestSessionLockerContextDone(t *testing.T) {
	sl := NewSessionLocker()
	unlock, err := sl.Lock(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = sl.Lock(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, sl.ActiveCount(), "the abandoned waiter drops its reference")

	unlock()
	assert.Zero(t, sl.ActiveCount())

	again, err := sl.Lock(context.Background(), "s1")
	require.NoError(t, err)
	again()
}

func TestSessionLockerUnlockTwice(t *testing.T) {
	sl := NewSessionLocker()
	unlock, err := sl.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock()
	unlock()

	held, err := sl.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer held()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sl.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a stale unlock must not free the current holder")
}
