package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdRecord struct {
	Status    Status          `json:"status"`
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// EtcdStore is an idempotency store backed by etcd for multi-instance
// deployments. Record TTLs ride on leases, so expired records vanish
// without a sweeper.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore creates an etcd-backed idempotency store.
func NewEtcdStore(client *clientv3.Client, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = "chatflow/idem/"
	}
	return &EtcdStore{client: client, prefix: prefix}
}

func (s *EtcdStore) key(key string) string {
	return s.prefix + key
}

// Claim implements Store with a create-if-absent transaction. When the
// key already exists the stored record decides the outcome; a "failed"
// record is overwritten in place, guarded on its revision so two
// retries cannot both win.
func (s *EtcdStore) Claim(ctx context.Context, key, requestID string, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	etcdKey := s.key(key)

	pending, err := json.Marshal(etcdRecord{Status: StatusPending, RequestID: requestID})
	if err != nil {
		return Claim{}, fmt.Errorf("idempotency: marshal record: %w", err)
	}

	lease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return Claim{}, fmt.Errorf("idempotency: grant lease: %w", err)
	}

	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(etcdKey), "=", 0)).
		Then(clientv3.OpPut(etcdKey, string(pending), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(etcdKey)).
		Commit()
	if err != nil {
		_, _ = s.client.Revoke(ctx, lease.ID)
		return Claim{}, fmt.Errorf("idempotency: claim txn: %w", err)
	}

	if txn.Succeeded {
		return Claim{State: Acquired}, nil
	}
	_, _ = s.client.Revoke(ctx, lease.ID)

	get := txn.Responses[0].GetResponseRange()
	if len(get.Kvs) == 0 {
		// Record expired between the compare and the read; take the slot.
		return s.Claim(ctx, key, requestID, ttl)
	}

	kv := get.Kvs[0]
	var r etcdRecord
	if err := json.Unmarshal(kv.Value, &r); err != nil {
		return Claim{}, fmt.Errorf("idempotency: decode record: %w", err)
	}

	switch r.Status {
	case StatusCompleted:
		return Claim{State: AlreadyCompleted, Result: r.Result}, nil
	case StatusPending:
		return Claim{State: AlreadyPending}, nil
	}

	// Failed record: overwrite guarded on the revision we read.
	retryLease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return Claim{}, fmt.Errorf("idempotency: grant lease: %w", err)
	}
	retry, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(etcdKey), "=", kv.ModRevision)).
		Then(clientv3.OpPut(etcdKey, string(pending), clientv3.WithLease(retryLease.ID))).
		Commit()
	if err != nil {
		_, _ = s.client.Revoke(ctx, retryLease.ID)
		return Claim{}, fmt.Errorf("idempotency: retry txn: %w", err)
	}
	if !retry.Succeeded {
		_, _ = s.client.Revoke(ctx, retryLease.ID)
		// Another retry beat us to the failed slot.
		return Claim{State: AlreadyPending}, nil
	}
	return Claim{State: Acquired}, nil
}

func (s *EtcdStore) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	etcdKey := s.key(key)

	get, err := s.client.Get(ctx, etcdKey)
	if err != nil {
		return fmt.Errorf("idempotency: read record: %w", err)
	}
	if len(get.Kvs) == 0 {
		return nil
	}

	var r etcdRecord
	if err := json.Unmarshal(get.Kvs[0].Value, &r); err != nil {
		return fmt.Errorf("idempotency: decode record: %w", err)
	}
	r.Status = status
	r.Result = result

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("idempotency: marshal record: %w", err)
	}

	// Keep the original lease so the replay window is bounded by the
	// TTL set at claim time.
	_, err = s.client.Put(ctx, etcdKey, string(data), clientv3.WithLease(clientv3.LeaseID(get.Kvs[0].Lease)))
	if err != nil {
		return fmt.Errorf("idempotency: write record: %w", err)
	}
	return nil
}

// Complete implements Store.
func (s *EtcdStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.finish(ctx, key, StatusCompleted, result)
}

// Fail implements Store.
func (s *EtcdStore) Fail(ctx context.Context, key string) error {
	return s.finish(ctx, key, StatusFailed, nil)
}
