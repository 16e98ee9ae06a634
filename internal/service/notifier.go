package service

import (
	"context"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
)

// NotifierConfig bounds the long poll.
type NotifierConfig struct {
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// ChangeQuery is one long-poll call. Since is an RFC 3339 timestamp as
// returned in ChangeSet.ObservedAt; empty or unparsable means "no baseline".
type ChangeQuery struct {
	Status  *models.AccessStatus
	Since   string
	Timeout time.Duration
}

// ChangeSet is the result of a long-poll call.
type ChangeSet struct {
	Requests   []models.AccessRequest
	ObservedAt time.Time
	HasChanges bool
	TimedOut   bool
}

// Notifier blocks admin callers until the request ledger changes.
type Notifier struct {
	deps   Deps
	cfg    NotifierConfig
	waiter ChangeWaiter
}

// NewNotifier constructs a Notifier. waiter may be nil, in which case changes
// are detected only by polling.
func NewNotifier(deps Deps, waiter ChangeWaiter, cfg NotifierConfig) *Notifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}
	if cfg.DefaultTimeout <= 0 || cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = min(30*time.Second, cfg.MaxTimeout)
	}
	return &Notifier{deps: deps.withDefaults(), cfg: cfg, waiter: waiter}
}

// Timeout clamps a caller-supplied timeout to the configured bounds.
func (n *Notifier) Timeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return n.cfg.DefaultTimeout
	case requested > n.cfg.MaxTimeout:
		return n.cfg.MaxTimeout
	}
	return requested
}

// AwaitChanges re-reads the ledger every poll interval, or earlier when a
// change is signalled, until a request updated after q.Since appears or the
// timeout elapses. Without a baseline it returns the current snapshot at once.
// Cancelling ctx abandons the poll.
func (n *Notifier) AwaitChanges(ctx context.Context, q ChangeQuery) (*ChangeSet, error) {
	since, hasSince := parseSince(q.Since)

	timer := time.NewTimer(n.Timeout(q.Timeout))
	defer timer.Stop()
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var wake <-chan struct{}
		if n.waiter != nil {
			wake = n.waiter.Changed()
		}

		reqs, observed, err := n.snapshot(ctx, q.Status)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, storeErr(err, "", "")
		}

		if !hasSince || newerThan(reqs, since) {
			n.deps.Metrics.PollReturned(true)
			return &ChangeSet{Requests: reqs, ObservedAt: observed, HasChanges: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			n.deps.Metrics.PollReturned(false)
			return &ChangeSet{Requests: reqs, ObservedAt: observed, TimedOut: true}, nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// snapshot reads the requests and the time they were observed at while no
// ledger write is in flight. Every write committed later carries a newer
// updated_at, so observed is safe to hand back as the next baseline.
func (n *Notifier) snapshot(ctx context.Context, status *models.AccessStatus) ([]models.AccessRequest, time.Time, error) {
	var (
		reqs     []models.AccessRequest
		observed time.Time
	)
	err := n.deps.Tx.RunInTx(ctx, func(st Store) error {
		if err := st.LockLedgerSnapshot(ctx); err != nil {
			return err
		}
		observed = n.deps.Clock()
		var err error
		reqs, err = st.ListRequests(ctx, status)
		return err
	})
	return reqs, observed, err
}

func parseSince(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func newerThan(reqs []models.AccessRequest, since time.Time) bool {
	for _, r := range reqs {
		if r.UpdatedAt.After(since) {
			return true
		}
	}
	return false
}
