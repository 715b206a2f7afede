// Package cache memoizes control-system fetches within a single
// checkout run.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atef-tools/atef/internal/cs"
)

// DefaultFetchTimeout bounds a single live fetch when the caller does
// not configure one. No fetch may hang a run indefinitely.
const DefaultFetchTimeout = 5 * time.Second

type key struct {
	identity  string
	attribute string
}

// entry is the outcome of one fetch. done closes when the fetch
// finishes; reading and err never change afterwards.
type entry struct {
	done    chan struct{}
	reading cs.Reading
	err     error
}

// DataCache serves each distinct (identity, attribute) channel with at
// most one live fetch per run. Concurrent requesters for the same
// channel join the in-flight fetch instead of issuing a duplicate;
// failures are cached and replayed so an unreachable channel is not
// retried within the run. A cache lives for exactly one run.
type DataCache struct {
	source       cs.Source
	fetchTimeout time.Duration

	mu      sync.Mutex
	entries map[key]*entry
}

// New returns an empty cache reading through source. fetchTimeout <= 0
// selects DefaultFetchTimeout.
func New(source cs.Source, fetchTimeout time.Duration) *DataCache {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &DataCache{
		source:       source,
		fetchTimeout: fetchTimeout,
		entries:      make(map[key]*entry),
	}
}

// GetOrFetch returns the cached reading for the channel, fetching it
// live on first request. All callers for one channel see the same
// outcome, error or not.
func (c *DataCache) GetOrFetch(ctx context.Context, identity, attribute string) (cs.Reading, error) {
	k := key{identity, attribute}

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.reading, e.err
		case <-ctx.Done():
			return cs.Reading{}, ctx.Err()
		}
	}
	e := &entry{done: make(chan struct{})}
	c.entries[k] = e
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	reading, err := c.source.Get(fetchCtx, identity, attribute)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("fetch %s timed out after %s: %w",
			cs.Address(identity, attribute), c.fetchTimeout, err)
	}
	e.reading, e.err = reading, err
	close(e.done)
	return e.reading, e.err
}

// FetchCount reports how many live fetches this cache has issued,
// including ones still in flight.
func (c *DataCache) FetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FailureCount reports how many cached fetches ended in an error.
func (c *DataCache) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		select {
		case <-e.done:
			if e.err != nil {
				n++
			}
		default:
		}
	}
	return n
}
