//go:build integration

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRelay_CrossInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	clientA, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer clientB.Close()

	a := NewRelay(clientA, NewBroadcaster(), nil)
	b := NewRelay(clientB, NewBroadcaster(), nil)
	go func() { _ = b.Run(ctx) }()

	// Give the subscription time to register before publishing.
	require.Eventually(t, func() bool {
		n, err := clientA.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] > 0
	}, 5*time.Second, 20*time.Millisecond)

	wait := b.Changed()
	a.Publish(ctx)

	select {
	case <-wait:
	case <-time.After(5 * time.Second):
		t.Fatal("remote instance was not woken")
	}
}
