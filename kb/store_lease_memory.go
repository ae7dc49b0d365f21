package kb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRebuildLeaseManager serialises rebuilds within one process: the
// HTTP server's scheduled rebuilds and POST /rebuild share one instance.
type InMemoryRebuildLeaseManager struct {
	// Owner is recorded on every lease granted. Defaults to host:pid.
	Owner string

	mu    sync.Mutex
	held  map[string]RebuildLease
	nowFn func() time.Time
}

var _ RebuildLeaseManager = (*InMemoryRebuildLeaseManager)(nil)

func NewInMemoryRebuildLeaseManager() *InMemoryRebuildLeaseManager {
	return &InMemoryRebuildLeaseManager{
		Owner: defaultLeaseOwner(),
		held:  make(map[string]RebuildLease),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (m *InMemoryRebuildLeaseManager) Acquire(ctx context.Context, collection string, ttl time.Duration) (*RebuildLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, fmt.Errorf("collection cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if cur, ok := m.live(collection, now); ok {
		return nil, &LeaseConflictError{Collection: collection, Owner: cur.Owner, ExpiresAt: cur.ExpiresAt}
	}

	lease := RebuildLease{
		Collection: collection,
		Owner:      m.Owner,
		Token:      uuid.NewString(),
		ExpiresAt:  now.Add(leaseTTL(ttl)),
	}
	m.held[collection] = lease
	out := lease
	return &out, nil
}

func (m *InMemoryRebuildLeaseManager) Renew(ctx context.Context, lease *RebuildLease, ttl time.Duration) (*RebuildLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !lease.valid() {
		return nil, fmt.Errorf("valid lease is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	cur, ok := m.live(lease.Collection, now)
	if !ok || cur.Token != lease.Token {
		return nil, ErrRebuildLeaseConflict
	}
	cur.ExpiresAt = now.Add(leaseTTL(ttl))
	m.held[lease.Collection] = cur
	out := cur
	return &out, nil
}

// Release is a no-op unless lease still owns the collection.
func (m *InMemoryRebuildLeaseManager) Release(ctx context.Context, lease *RebuildLease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !lease.valid() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[lease.Collection]; ok && cur.Token == lease.Token {
		delete(m.held, lease.Collection)
	}
	return nil
}

// live returns the unexpired lease on collection, dropping an expired one.
func (m *InMemoryRebuildLeaseManager) live(collection string, now time.Time) (RebuildLease, bool) {
	cur, ok := m.held[collection]
	if !ok {
		return RebuildLease{}, false
	}
	if !now.Before(cur.ExpiresAt) {
		delete(m.held, collection)
		return RebuildLease{}, false
	}
	return cur, true
}

func (l *RebuildLease) valid() bool {
	return l != nil && l.Collection != "" && l.Token != ""
}

func leaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultRebuildLeaseTTL
	}
	return ttl
}
