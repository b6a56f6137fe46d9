package lock

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdGate is a gate backed by etcd leases, for deployments running
// more than one process instance. The lease TTL is the lock TTL, so
// a crashed holder's lock disappears when its lease expires.
type EtcdGate struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
}

// NewEtcdGate creates an etcd-backed gate.
func NewEtcdGate(client *clientv3.Client, prefix string, ttl time.Duration) *EtcdGate {
	if prefix == "" {
		prefix = "chatflow/lock/"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EtcdGate{client: client, prefix: prefix, ttl: ttl}
}

func (g *EtcdGate) key(resourceKey string) string {
	return g.prefix + resourceKey
}

// Acquire implements Gate using a compare-and-create transaction:
// the put succeeds only when the key does not exist yet.
func (g *EtcdGate) Acquire(ctx context.Context, resourceKey, holderID string, timeout time.Duration) (*Handle, error) {
	key := g.key(resourceKey)

	return acquireLoop(ctx, timeout, func() (*Handle, error) {
		lease, err := g.client.Grant(ctx, int64(g.ttl.Seconds()))
		if err != nil {
			return nil, fmt.Errorf("lock: grant lease: %w", err)
		}

		txn, err := g.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, holderID, clientv3.WithLease(lease.ID))).
			Commit()
		if err != nil {
			_, _ = g.client.Revoke(ctx, lease.ID)
			return nil, fmt.Errorf("lock: claim txn: %w", err)
		}
		if !txn.Succeeded {
			_, _ = g.client.Revoke(ctx, lease.ID)
			return nil, nil
		}

		now := time.Now()
		return &Handle{
			ResourceKey: resourceKey,
			HolderID:    holderID,
			AcquiredAt:  now,
			ExpiresAt:   now.Add(g.ttl),
		}, nil
	})
}

// Release implements Gate. The delete is guarded on the stored holder
// so a late release cannot free a successor's lock.
func (g *EtcdGate) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := g.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(g.key(h.ResourceKey)), "=", h.HolderID)).
		Then(clientv3.OpDelete(g.key(h.ResourceKey))).
		Commit()
	if err != nil {
		return fmt.Errorf("lock: release txn: %w", err)
	}
	return nil
}
