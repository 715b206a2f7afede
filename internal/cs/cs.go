// Package cs provides access to live control-system data: the Source
// interface consumed by checkout evaluation plus the concrete sources
// (in-memory, HTTP gateway, archiver appliance).
package cs

import (
	"context"
	"errors"
	"time"
)

// Reading is one fetched control-system value with its metadata.
type Reading struct {
	Value     any               `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Source serves live (or archived) values for control-system channels.
// Implementations must honor ctx cancellation on every call.
type Source interface {
	// Get fetches the current value of a channel. The attribute is
	// empty for plain PVs; otherwise the source addresses
	// identity.attribute.
	Get(ctx context.Context, identity, attribute string) (Reading, error)
	// Put writes a value to a channel. Used by active checkouts.
	Put(ctx context.Context, identity, attribute string, value any) error
}

var (
	// ErrNotFound marks a channel unknown to the source.
	ErrNotFound = errors.New("channel not found")
	// ErrDisconnected marks a channel that exists but currently has no
	// connection.
	ErrDisconnected = errors.New("channel disconnected")
)

// Address composes the wire name for an identity/attribute pair.
func Address(identity, attribute string) string {
	if attribute == "" {
		return identity
	}
	return identity + "." + attribute
}
