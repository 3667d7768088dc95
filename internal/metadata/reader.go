// Package metadata implements the collector's metadata reader (C6): for
// each selected group it performs one metakey read against a reserved
// namespace, capturing the raw payload and timestamp, or the read error, in
// a per-group Result. The reader does not touch group status: the round
// orchestrator stores a read error as the group's ParseError with
// MetadataParsed false, which the status cascade reports as
// BAD_ParseFailed. INIT_MetadataFailed is not assigned anywhere.
//
// The wire-protocol client named by spec.md is realized as a Redis client
// reading one key per group, the closest idiomatic analogue to a metakey
// GET against a reserved namespace.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is one group's metadata read outcome.
type Result struct {
	GroupID   int
	Data      []byte
	Timestamp time.Time
	Err       error
}

// Reader reads group metakeys from Redis under a configurable key prefix.
type Reader struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

// NewReader wraps an existing Redis client; keyPrefix is typically
// "metakey:".
func NewReader(client *redis.Client, keyPrefix string, timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Reader{client: client, keyPrefix: keyPrefix, timeout: timeout}
}

// Key formats the metakey for one group id.
func (r *Reader) Key(groupID int) string {
	return fmt.Sprintf("%s%d", r.keyPrefix, groupID)
}

// ReadAll fires one read per group id concurrently and returns only once
// every request has completed or failed.
func (r *Reader) ReadAll(ctx context.Context, groupIDs []int) []Result {
	var wg sync.WaitGroup
	out := make([]Result, len(groupIDs))

	for i, id := range groupIDs {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			out[i] = r.read(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return out
}

func (r *Reader) read(ctx context.Context, groupID int) Result {
	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(readCtx, r.Key(groupID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{GroupID: groupID, Err: fmt.Errorf("metakey not found for group %d", groupID)}
		}
		return Result{GroupID: groupID, Err: fmt.Errorf("read metakey for group %d: %w", groupID, err)}
	}
	return Result{GroupID: groupID, Data: val, Timestamp: time.Now()}
}
