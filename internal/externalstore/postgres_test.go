package externalstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mstate/collector/internal/core"
)

func TestLatestNonAutomatic_SkipsAutomaticPicksLatest(t *testing.T) {
	now := time.Now()
	entries := []core.GroupHistoryEntry{
		{GroupID: 1, Type: "automatic", Timestamp: now.Add(10 * time.Minute), BackendAddrs: []string{"auto"}},
		{GroupID: 1, Type: "manual", Timestamp: now, BackendAddrs: []string{"m1"}},
		{GroupID: 1, Type: "manual", Timestamp: now.Add(5 * time.Minute), BackendAddrs: []string{"m2"}},
	}

	winner, ok := LatestNonAutomatic(entries)
	assert.True(t, ok)
	assert.Equal(t, []string{"m2"}, winner.BackendAddrs, "latest manual entry wins even though an automatic entry is newer still")
}

func TestLatestNonAutomatic_AllAutomaticYieldsNoWinner(t *testing.T) {
	entries := []core.GroupHistoryEntry{
		{GroupID: 1, Type: "automatic", Timestamp: time.Now()},
	}
	_, ok := LatestNonAutomatic(entries)
	assert.False(t, ok)
}

func TestLatestNonAutomatic_Empty(t *testing.T) {
	_, ok := LatestNonAutomatic(nil)
	assert.False(t, ok)
}
