package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/solace-ledger/solace/internal/platform/cache"
)

func TestSeedRefusesWhileServerHoldsLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	server := cache.NewLease(client, "solace:ledger:writer", time.Minute)
	require.NoError(t, server.Acquire(ctx))

	called := false
	err := withWriterLease(ctx, client, "solace:ledger:writer", func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, cache.ErrLeaseHeld)
	require.False(t, called)

	require.NoError(t, server.Release(ctx))
	err = withWriterLease(ctx, client, "solace:ledger:writer", func(context.Context) error {
		called = true
		require.True(t, mr.Exists("solace:ledger:writer"))
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
	require.False(t, mr.Exists("solace:ledger:writer"))
}
