// store_lease.go defines the RebuildLeaseManager interface and the helper the
// Indexer uses to hold a lease for the duration of a rebuild.
//
// A rebuild drops and recreates its collection, so two concurrent rebuilds of
// the same collection corrupt it. The lease serialises rebuilds per collection
// cluster-wide:
//
//   - InMemoryRebuildLeaseManager: in-process mutex, suitable for single-pod
//     deployments and tests.
//   - RedisRebuildLeaseManager: Redis SET NX / Lua scripts, suitable for
//     multi-pod deployments.
//
// The holder renews the lease at half its TTL. A failed renewal cancels the
// rebuild before it reaches the next store write.

package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const defaultRebuildLeaseTTL = 30 * time.Second

// RebuildLease represents a held lock on one collection. Token is checked on
// Renew and Release so one builder cannot release another's lease. Owner names
// the process holding it (host and pid by default) and is what a losing
// builder reports.
type RebuildLease struct {
	Collection string
	Owner      string
	Token      string
	ExpiresAt  time.Time
}

// LeaseConflictError is returned by Acquire when another builder holds the
// collection. It matches ErrRebuildLeaseConflict under errors.Is.
type LeaseConflictError struct {
	Collection string
	Owner      string
	ExpiresAt  time.Time
}

func (e *LeaseConflictError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("%s: collection %s", ErrRebuildLeaseConflict, e.Collection)
	}
	return fmt.Sprintf("%s: collection %s held by %s until %s",
		ErrRebuildLeaseConflict, e.Collection, e.Owner, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LeaseConflictError) Is(target error) bool {
	return target == ErrRebuildLeaseConflict
}

// defaultLeaseOwner identifies this process as host:pid.
func defaultLeaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// RebuildLeaseManager serialises rebuilds. Acquire returns
// ErrRebuildLeaseConflict when the lease is already held; Renew returns it when
// the lease expired or was taken over. Release is best-effort and must not be
// skipped on error paths.
type RebuildLeaseManager interface {
	Acquire(ctx context.Context, collection string, ttl time.Duration) (*RebuildLease, error)
	Renew(ctx context.Context, lease *RebuildLease, ttl time.Duration) (*RebuildLease, error)
	Release(ctx context.Context, lease *RebuildLease) error
}

// heldLease is an acquired lease with its background renewal.
type heldLease struct {
	manager RebuildLeaseManager
	lease   *RebuildLease
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

// holdRebuildLease acquires the lease for collection and keeps it renewed
// until release is called. The returned context is cancelled if a renewal
// fails; context.Cause reports the renewal error.
func holdRebuildLease(ctx context.Context, manager RebuildLeaseManager, collection string, ttl time.Duration, logger *slog.Logger) (context.Context, *heldLease, error) {
	if manager == nil {
		manager = NewInMemoryRebuildLeaseManager()
	}
	if ttl <= 0 {
		ttl = defaultRebuildLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	lease, err := manager.Acquire(ctx, collection, ttl)
	if err != nil {
		var conflict *LeaseConflictError
		if errors.As(err, &conflict) {
			logger.WarnContext(ctx, "rebuild lease held elsewhere", "collection", collection, "owner", conflict.Owner, "expires_at", conflict.ExpiresAt)
		} else if errors.Is(err, ErrRebuildLeaseConflict) {
			logger.WarnContext(ctx, "rebuild lease acquisition conflict", "collection", collection, "reason", "lease_conflict", "ttl", ttl.String())
		} else {
			logger.ErrorContext(ctx, "rebuild lease acquisition failed", "collection", collection, "reason", "lease_acquire_failed", "error", err)
		}
		return nil, nil, fmt.Errorf("acquire rebuild lease: %w", err)
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	h := &heldLease{manager: manager, lease: lease, cancel: cancel, done: make(chan struct{})}
	go h.renewLoop(leaseCtx, ttl, logger)
	return leaseCtx, h, nil
}

func (h *heldLease) renewLoop(ctx context.Context, ttl time.Duration, logger *slog.Logger) {
	defer close(h.done)
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := h.manager.Renew(ctx, h.lease, ttl)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.ErrorContext(ctx, "rebuild lease renewal failed", "collection", h.lease.Collection, "error", err)
				h.cancel(fmt.Errorf("renew rebuild lease: %w", err))
				return
			}
			h.lease = renewed
		}
	}
}

// release stops renewal and frees the lease.
func (h *heldLease) release() {
	h.cancel(nil)
	<-h.done
	if err := h.manager.Release(context.Background(), h.lease); err != nil {
		slog.Default().Warn("rebuild lease release failed", "collection", h.lease.Collection, "error", err)
	}
}
