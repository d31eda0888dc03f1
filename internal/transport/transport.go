// Package transport defines the abstract ledger collaborator consumed by
// the channel protocol plus an in-memory reference implementation for
// tests. The core depends only on this interface; any concrete network or
// ledger transport plugs in from outside.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"weave/channel/internal/address"
)

// Transport is the abstract send/recv contract. Implementations
// are content-addressed but not required to enforce uniqueness: Send may
// succeed even when another message already occupies addr, and Recv
// returns every message currently indexed there, order-agnostic, leaving
// the core to pick the first one that successfully unwraps.
type Transport interface {
	// Send appends raw at address addr.
	Send(ctx context.Context, addr address.Address, raw []byte) error
	// Recv returns every message currently indexed at addr. A nil/empty
	// slice (with a nil error) means "not found" and is the signal the
	// Messages iterator uses to stop a polling round.
	Recv(ctx context.Context, addr address.Address) ([][]byte, error)
}

// BucketTransport is an in-memory reference Transport, grounded directly on
// the bucket-transport shape used for testing throughout this protocol
// family: a map from address to an ordered vector of raw payloads,
// guarded by a mutex so it can be shared across users in one process.
type BucketTransport struct {
	mu      sync.RWMutex
	buckets map[address.Address][][]byte
}

// NewBucketTransport returns an empty in-memory transport.
func NewBucketTransport() *BucketTransport {
	return &BucketTransport{buckets: make(map[address.Address][][]byte)}
}

// Send appends raw to the bucket at addr. A defensive copy is stored so
// later caller mutation of raw cannot corrupt transport state.
func (t *BucketTransport) Send(_ context.Context, addr address.Address, raw []byte) error {
	cp := append([]byte(nil), raw...)
	t.mu.Lock()
	t.buckets[addr] = append(t.buckets[addr], cp)
	t.mu.Unlock()
	return nil
}

// Recv returns every payload stored at addr, or (nil, nil) if the bucket is
// empty or absent.
func (t *BucketTransport) Recv(_ context.Context, addr address.Address) ([][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bucket, ok := t.buckets[addr]
	if !ok || len(bucket) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(bucket))
	for i, b := range bucket {
		out[i] = append([]byte(nil), b...)
	}
	return out, nil
}

// Exists reports whether addr has at least one message.
func (t *BucketTransport) Exists(addr address.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.buckets[addr]
	return ok && len(b) > 0
}

// Len returns the number of distinct occupied addresses, primarily for
// tests asserting on transport growth.
func (t *BucketTransport) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// String renders a deterministic debug summary, sorted by address, useful
// when diagnosing test failures in iterator ordering.
func (t *BucketTransport) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.buckets))
	index := make(map[string]address.Address, len(t.buckets))
	for a := range t.buckets {
		s := a.String()
		keys = append(keys, s)
		index[s] = a
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += fmt.Sprintf("%s: %d message(s)\n", k, len(t.buckets[index[k]]))
	}
	return out
}
