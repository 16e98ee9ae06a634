package client

import (
	"context"
	"net/http"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
	api "github.com/atinyakov/GophBroker/internal/server/handler/http"
)

// WatchOptions configures StartWatch.
type WatchOptions struct {
	// Status restricts the watched requests, e.g. to pending ones.
	Status models.AccessStatus
	// Timeout is the per-call long-poll timeout. Zero uses the server default.
	Timeout time.Duration
	// RetryDelay is the pause after a failed poll. Defaults to five seconds.
	RetryDelay time.Duration
	// OnChange receives every response that reported changes.
	OnChange func(*api.PollResponse)
	// OnError receives every failed poll. The loop keeps going unless the
	// error is an authentication failure.
	OnError func(error)
}

// StartWatch long-polls the admin request feed until ctx is cancelled or the
// token is rejected. Each call passes the previous last_update so only newer
// changes are reported. The returned channel is closed when the loop exits.
func StartWatch(ctx context.Context, c *Client, opts WatchOptions) <-chan struct{} {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		var lastUpdate string
		for {
			resp, err := c.Poll(ctx, PollQuery{Status: opts.Status, LastUpdate: lastUpdate, Timeout: opts.Timeout})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(err)
				}
				if IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusForbidden) {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(opts.RetryDelay):
				}
				continue
			}

			if resp.HasChanges && opts.OnChange != nil {
				opts.OnChange(resp)
			}
			lastUpdate = resp.LastUpdate
		}
	}()

	return done
}
