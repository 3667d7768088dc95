package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout_MixedSuccessAndFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ok.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	targets := []Target{
		{NodeKey: "good", URL: ok.URL},
		{NodeKey: "bad", URL: bad.URL},
		{NodeKey: "unreachable", URL: "http://127.0.0.1:1"},
	}

	results := Fanout(context.Background(), ok.Client(), targets, Config{
		MaxConcurrent:     4,
		RequestsPerSecond: 100,
		RequestTimeout:    2 * time.Second,
	}, nil)

	require.Len(t, results, 3)
	byKey := make(map[string]Result, 3)
	for _, r := range results {
		byKey[r.NodeKey] = r
	}

	assert.NoError(t, byKey["good"].Err)
	assert.Equal(t, `{"ok":true}`, string(byKey["good"].Body))

	assert.Error(t, byKey["bad"].Err)
	assert.Error(t, byKey["unreachable"].Err)
}

func TestFanout_NoTargets(t *testing.T) {
	results := Fanout(context.Background(), http.DefaultClient, nil, DefaultConfig(), nil)
	assert.Empty(t, results)
}

func TestFanout_ContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	targets := []Target{{NodeKey: "n1", URL: "http://127.0.0.1:1"}}
	results := Fanout(ctx, http.DefaultClient, targets, DefaultConfig(), nil)

	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}
