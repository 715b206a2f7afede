package cs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memKey struct {
	identity  string
	attribute string
}

// MemSource is an in-memory Source for demos and tests. Channels are
// seeded with Set and can be scripted to fail with Fail. It counts
// fetches per channel so callers can assert dedup behavior.
type MemSource struct {
	mu       sync.RWMutex
	readings map[memKey]Reading
	failures map[memKey]error
	fetches  map[memKey]int
	// Latency delays every Get, simulating a network round-trip.
	Latency time.Duration
}

// NewMemSource returns an empty in-memory source.
func NewMemSource() *MemSource {
	return &MemSource{
		readings: make(map[memKey]Reading),
		failures: make(map[memKey]error),
		fetches:  make(map[memKey]int),
	}
}

// Set seeds a channel with a value, stamped now.
func (m *MemSource) Set(identity, attribute string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey{identity, attribute}
	delete(m.failures, key)
	m.readings[key] = Reading{Value: value, Timestamp: time.Now()}
}

// SetReading seeds a channel with a full reading.
func (m *MemSource) SetReading(identity, attribute string, r Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey{identity, attribute}
	delete(m.failures, key)
	m.readings[key] = r
}

// Fail scripts a channel to return err on every Get.
func (m *MemSource) Fail(identity, attribute string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[memKey{identity, attribute}] = err
}

// Get returns the seeded reading, the scripted failure, or ErrNotFound.
func (m *MemSource) Get(ctx context.Context, identity, attribute string) (Reading, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	key := memKey{identity, attribute}
	m.mu.Lock()
	m.fetches[key]++
	err, failed := m.failures[key]
	r, ok := m.readings[key]
	m.mu.Unlock()

	if failed {
		return Reading{}, err
	}
	if !ok {
		return Reading{}, fmt.Errorf("%s: %w", Address(identity, attribute), ErrNotFound)
	}
	return r, nil
}

// Put stores the value, stamped now.
func (m *MemSource) Put(ctx context.Context, identity, attribute string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Set(identity, attribute, value)
	return nil
}

// Fetches reports how many Gets hit one channel.
func (m *MemSource) Fetches(identity, attribute string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches[memKey{identity, attribute}]
}

// TotalFetches reports all Gets served, including failures.
func (m *MemSource) TotalFetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, n := range m.fetches {
		total += n
	}
	return total
}
