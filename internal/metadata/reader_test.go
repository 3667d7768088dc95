package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T) (*Reader, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewReader(client, "metakey:", time.Second), mr
}

func TestReader_ReadAll_MixOfHitsAndMisses(t *testing.T) {
	r, mr := newTestReader(t)
	require.NoError(t, mr.Set("metakey:1", `[1,2]`))
	require.NoError(t, mr.Set("metakey:2", `{"version":2,"couple":[2]}`))

	results := r.ReadAll(context.Background(), []int{1, 2, 3})
	require.Len(t, results, 3)

	byID := make(map[int]Result, 3)
	for _, res := range results {
		byID[res.GroupID] = res
	}

	assert.NoError(t, byID[1].Err)
	assert.Equal(t, []byte(`[1,2]`), byID[1].Data)

	assert.NoError(t, byID[2].Err)

	require.Error(t, byID[3].Err)
}

func TestReader_Key(t *testing.T) {
	r := NewReader(nil, "metakey:", time.Second)
	assert.Equal(t, "metakey:42", r.Key(42))
}
