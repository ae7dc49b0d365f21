package kb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisLeasePrefix = "schemarag:lease:"

// RedisRebuildLeaseManager keeps rebuild leases in Redis so several serve
// replicas, or a CLI rebuild running next to the server, never rebuild the
// same collection at once.
//
// The key <prefix><collection> holds "<token>|<owner>". Every operation is a
// single Lua script so the owner check and the write cannot interleave with a
// successor's Acquire.
type RedisRebuildLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
	Owner  string
}

// NewRedisRebuildLeaseManager creates a Redis-backed lease manager. An empty
// prefix selects "schemarag:lease:".
func NewRedisRebuildLeaseManager(client redis.UniversalClient, prefix string) (*RedisRebuildLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisLeasePrefix
	}
	return &RedisRebuildLeaseManager{Client: client, Prefix: prefix, Owner: defaultLeaseOwner()}, nil
}

var _ RebuildLeaseManager = (*RedisRebuildLeaseManager)(nil)

func (m *RedisRebuildLeaseManager) Acquire(ctx context.Context, collection string, ttl time.Duration) (*RebuildLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("collection cannot be empty")
	}
	ttl = leaseTTL(ttl)

	lease := &RebuildLease{Collection: collection, Owner: m.Owner, Token: uuid.NewString()}
	now := time.Now().UTC()
	res, err := acquireLeaseScript.Run(ctx, m.Client, []string{m.key(collection)}, leaseValue(lease), ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", collection, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("acquire lease %s: unexpected reply %v", collection, res)
	}
	if granted, _ := res[0].(int64); granted == 1 {
		lease.ExpiresAt = now.Add(ttl)
		return lease, nil
	}

	conflict := &LeaseConflictError{Collection: collection}
	if v, ok := res[1].(string); ok {
		if _, owner, found := strings.Cut(v, "|"); found {
			conflict.Owner = owner
		}
	}
	if pttl, ok := res[2].(int64); ok && pttl > 0 {
		conflict.ExpiresAt = now.Add(time.Duration(pttl) * time.Millisecond)
	}
	return nil, conflict
}

func (m *RedisRebuildLeaseManager) Renew(ctx context.Context, lease *RebuildLease, ttl time.Duration) (*RebuildLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !lease.valid() {
		return nil, fmt.Errorf("valid lease is required")
	}
	ttl = leaseTTL(ttl)

	now := time.Now().UTC()
	res, err := renewLeaseScript.Run(ctx, m.Client, []string{m.key(lease.Collection)}, leaseValue(lease), ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("renew lease %s: %w", lease.Collection, err)
	}
	if res != 1 {
		return nil, ErrRebuildLeaseConflict
	}
	renewed := *lease
	renewed.ExpiresAt = now.Add(ttl)
	return &renewed, nil
}

// Release deletes the key if lease still owns it. It runs on a fresh
// context so a cancelled rebuild still frees its lease.
func (m *RedisRebuildLeaseManager) Release(_ context.Context, lease *RebuildLease) error {
	if !lease.valid() {
		return nil
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return releaseLeaseScript.Run(releaseCtx, m.Client, []string{m.key(lease.Collection)}, leaseValue(lease)).Err()
}

func (m *RedisRebuildLeaseManager) key(collection string) string {
	return m.Prefix + collection
}

func leaseValue(l *RebuildLease) string {
	return l.Token + "|" + l.Owner
}

// Returns {1, "", 0} when granted, else {0, current value, remaining ms}.
var acquireLeaseScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return {1, '', 0}
end
return {0, redis.call('GET', KEYS[1]) or '', redis.call('PTTL', KEYS[1])}
`)

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call('DEL', KEYS[1])
`)
