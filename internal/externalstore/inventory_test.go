package externalstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	dc  string
	err error
}

func (f *fakeResolver) ResolveDC(ctx context.Context, host string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.dc, nil
}

func TestInventoryLookup_CacheHitNeverTouchesResolverOrPool(t *testing.T) {
	inv, err := NewInventory(nil, &fakeResolver{err: errors.New("should not be called")}, 16, time.Hour, nil)
	require.NoError(t, err)
	inv.cache.Add("host1", inventoryRow{dc: "dc1", timestamp: time.Now()})

	assert.Equal(t, "dc1", inv.Lookup(context.Background(), "host1"))
}

func TestInventoryLookup_MissFallsBackToHostOnResolveFailure(t *testing.T) {
	inv, err := NewInventory(nil, &fakeResolver{err: errors.New("resolver down")}, 16, time.Hour, nil)
	require.NoError(t, err)

	assert.Equal(t, "unknown-host", inv.Lookup(context.Background(), "unknown-host"))
}

func TestInventoryRescanStale_EnqueuesOnlyStaleEntries(t *testing.T) {
	inv, err := NewInventory(nil, &fakeResolver{dc: "dc1"}, 16, time.Minute, nil)
	require.NoError(t, err)

	inv.cache.Add("fresh", inventoryRow{dc: "dc1", timestamp: time.Now()})
	inv.cache.Add("stale", inventoryRow{dc: "dc1", timestamp: time.Now().Add(-2 * time.Hour)})

	inv.RescanStale()

	select {
	case host := <-inv.updates:
		assert.Equal(t, "stale", host)
	default:
		t.Fatal("expected the stale host to be enqueued")
	}

	select {
	case host := <-inv.updates:
		t.Fatalf("unexpected second enqueue: %s", host)
	default:
	}
}
