package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/models"
)

type chanWaiter struct {
	mu sync.Mutex
	ch chan struct{}
}

func newChanWaiter() *chanWaiter { return &chanWaiter{ch: make(chan struct{})} }

func (w *chanWaiter) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *chanWaiter) Publish(context.Context) {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

func newTestNotifier(e *env, waiter ChangeWaiter, interval time.Duration) *Notifier {
	return NewNotifier(e.deps, waiter, NotifierConfig{
		PollInterval:   interval,
		DefaultTimeout: time.Second,
		MaxTimeout:     2 * time.Second,
	})
}

func TestAwaitChanges_NoSinceReturnsImmediately(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	u := e.seedUser(t, "galina")
	s := e.seedSecret(t, "db-prod")
	e.submit(t, u.ID, s.ID, 1)
	n := newTestNotifier(e, nil, time.Hour)

	for _, since := range []string{"", "yesterday"} {
		start := time.Now()
		cs, err := n.AwaitChanges(context.Background(), ChangeQuery{Since: since, Timeout: time.Second})
		require.NoError(t, err)
		assert.True(t, cs.HasChanges)
		assert.False(t, cs.TimedOut)
		assert.Len(t, cs.Requests, 1)
		assert.Equal(t, e.clock.Now(), cs.ObservedAt)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	}
}

func TestAwaitChanges_TimesOutWithoutNewerRecords(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	u := e.seedUser(t, "galina")
	s := e.seedSecret(t, "db-prod")
	e.submit(t, u.ID, s.ID, 1)
	n := newTestNotifier(e, nil, 20*time.Millisecond)

	future := e.clock.Now().Add(time.Hour).Format(time.RFC3339Nano)
	start := time.Now()
	cs, err := n.AwaitChanges(context.Background(), ChangeQuery{Since: future, Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, cs.HasChanges)
	assert.True(t, cs.TimedOut)
	assert.Len(t, cs.Requests, 1, "timeout returns the last snapshot")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestAwaitChanges_DetectsChangeByPolling(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	u := e.seedUser(t, "galina")
	s := e.seedSecret(t, "db-prod")
	n := newTestNotifier(e, nil, 10*time.Millisecond)
	since := e.clock.Now().Format(time.RFC3339Nano)

	go func() {
		time.Sleep(30 * time.Millisecond)
		e.clock.Advance(time.Second)
		e.submit(t, u.ID, s.ID, 1)
	}()

	cs, err := n.AwaitChanges(context.Background(), ChangeQuery{Since: since, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, cs.HasChanges)
	assert.Len(t, cs.Requests, 1)
}

func TestAwaitChanges_WakesOnSignal(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	waiter := newChanWaiter()
	e.deps.Signal = waiter
	e.ledger = NewLedger(e.deps, e.grants, LedgerConfig{MaxPeriodDays: 365})
	u := e.seedUser(t, "galina")
	s := e.seedSecret(t, "db-prod")

	n := newTestNotifier(e, waiter, time.Hour)
	since := e.clock.Now().Format(time.RFC3339Nano)

	go func() {
		time.Sleep(30 * time.Millisecond)
		e.clock.Advance(time.Second)
		e.submit(t, u.ID, s.ID, 1)
	}()

	start := time.Now()
	cs, err := n.AwaitChanges(context.Background(), ChangeQuery{Since: since, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, cs.HasChanges)
	assert.Less(t, time.Since(start), time.Second, "signal beats the hour-long poll interval")
}

func TestAwaitChanges_StatusFilter(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	u := e.seedUser(t, "galina")
	s := e.seedSecret(t, "db-prod")
	r := e.submit(t, u.ID, s.ID, 1)
	e.clock.Advance(time.Second)
	_, err := e.ledger.Decide(context.Background(), r.ID, models.StatusRejected, "")
	require.NoError(t, err)

	n := newTestNotifier(e, nil, 10*time.Millisecond)
	pending := models.StatusPending
	cs, err := n.AwaitChanges(context.Background(), ChangeQuery{Status: &pending, Since: e.clock.Now().Add(-time.Hour).Format(time.RFC3339Nano), Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, cs.TimedOut, "the only change is outside the filter")
	assert.Empty(t, cs.Requests)
}

func TestAwaitChanges_HonorsCancellation(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	n := newTestNotifier(e, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := n.AwaitChanges(ctx, ChangeQuery{Since: e.clock.Now().Format(time.RFC3339Nano), Timeout: 2 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNotifier_Timeout(t *testing.T) {
	n := NewNotifier(Deps{}, nil, NotifierConfig{})
	assert.Equal(t, 30*time.Second, n.Timeout(0))
	assert.Equal(t, 5*time.Second, n.Timeout(5*time.Second))
	assert.Equal(t, 60*time.Second, n.Timeout(10*time.Minute))
}

// parkingTransactor holds the first transaction open, after its writes and
// before its commit, until release is closed.
type parkingTransactor struct {
	inner   Transactor
	once    sync.Once
	parked  chan struct{}
	release chan struct{}
}

func (p *parkingTransactor) RunInTx(ctx context.Context, fn func(Store) error) error {
	first := false
	p.once.Do(func() { first = true })
	return p.inner.RunInTx(ctx, func(st Store) error {
		if err := fn(st); err != nil {
			return err
		}
		if first {
			close(p.parked)
			<-p.release
		}
		return nil
	})
}

func TestAwaitChanges_DecisionInFlightIsNotSkipped(t *testing.T) {
	e := newEnv(t, config.ResubmitAfterExpiry)
	u := e.seedUser(t, "galina")
	s := e.seedSecret(t, "db-prod")
	r := e.submit(t, u.ID, s.ID, 1)
	e.clock.Advance(time.Second)

	n := newTestNotifier(e, nil, 10*time.Millisecond)
	first, err := n.AwaitChanges(context.Background(), ChangeQuery{})
	require.NoError(t, err)
	e.clock.Advance(time.Second)

	tx := &parkingTransactor{inner: e.deps.Tx, parked: make(chan struct{}), release: make(chan struct{})}
	deps := e.deps
	deps.Tx = tx
	ledger := NewLedger(deps, NewGrantManager(deps), LedgerConfig{MaxPeriodDays: 365})

	decided := make(chan error, 1)
	go func() {
		_, err := ledger.Decide(context.Background(), r.ID, models.StatusApproved, "ok")
		decided <- err
	}()
	<-tx.parked

	// The decision stamped updated_at at the current time and has not
	// committed yet. A poll taken now must not report a later baseline.
	e.clock.Advance(time.Millisecond)
	polled := make(chan *ChangeSet, 1)
	go func() {
		cs, err := n.AwaitChanges(context.Background(), ChangeQuery{Since: first.ObservedAt.Format(time.RFC3339Nano), Timeout: time.Second})
		assert.NoError(t, err)
		polled <- cs
	}()

	select {
	case cs := <-polled:
		t.Fatalf("poll returned while the decision was uncommitted: %+v", cs)
	case <-time.After(50 * time.Millisecond):
	}
	close(tx.release)
	require.NoError(t, <-decided)

	cs := <-polled
	require.NotNil(t, cs)
	assert.True(t, cs.HasChanges)
	require.Len(t, cs.Requests, 1)
	assert.Equal(t, models.StatusApproved, cs.Requests[0].Status)

	next, err := n.AwaitChanges(context.Background(), ChangeQuery{Since: cs.ObservedAt.Format(time.RFC3339Nano), Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, next.TimedOut)
	assert.Equal(t, models.StatusApproved, next.Requests[0].Status)
}
