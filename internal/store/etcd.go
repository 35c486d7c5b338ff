package store

import (
	"context"
	"errors"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdClient is the subset of *clientv3.Client the store uses.
type etcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Txn(ctx context.Context) clientv3.Txn

	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	TimeToLive(ctx context.Context, id clientv3.LeaseID, opts ...clientv3.LeaseOption) (*clientv3.LeaseTimeToLiveResponse, error)

	Status(ctx context.Context, endpoint string) (*clientv3.StatusResponse, error)
	Endpoints() []string
	Close() error
}

var _ etcdClient = (*clientv3.Client)(nil)

// Etcd implements Store on etcd v3. Expiry is implemented with leases,
// which have one-second granularity: TTLs are rounded up to whole seconds.
type Etcd struct {
	client etcdClient
}

// NewEtcd creates an etcd-backed store. The store owns the client and
// closes it on Close.
func NewEtcd(client *clientv3.Client) *Etcd {
	return &Etcd{client: client}
}

// leaseSeconds converts ttl to a lease TTL, rounding up.
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// grant creates a lease for ttl, or returns NoLease when ttl is zero.
func (e *Etcd) grant(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	if ttl <= 0 {
		return clientv3.NoLease, nil
	}
	resp, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return clientv3.NoLease, unavailable(ctx, "grant lease", err)
	}
	return resp.ID, nil
}

// revoke drops a lease that no record uses anymore. Failures only delay
// the lease's own expiry, so they are ignored.
func (e *Etcd) revoke(ctx context.Context, id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	_, _ = e.client.Revoke(ctx, id)
}

func putOpts(id clientv3.LeaseID) []clientv3.OpOption {
	if id == clientv3.NoLease {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(id)}
}

// SetIfAbsent puts key under a fresh lease if its create revision is 0.
// A held key is reported without granting a lease, so polling a busy lock
// costs one read per attempt.
func (e *Etcd) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	held, err := e.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return false, unavailable(ctx, "set-if-absent", err)
	}
	if held.Count > 0 {
		return false, nil
	}

	lease, err := e.grant(ctx, ttl)
	if err != nil {
		return false, err
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, putOpts(lease)...)).
		Commit()
	if err != nil {
		e.revoke(ctx, lease)
		return false, unavailable(ctx, "set-if-absent", err)
	}
	if !resp.Succeeded {
		e.revoke(ctx, lease)
	}
	return resp.Succeeded, nil
}

// CompareAndSetExpiry re-puts the value under a fresh lease if it still
// equals expected, then revokes the previous lease.
func (e *Etcd) CompareAndSetExpiry(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	lease, err := e.grant(ctx, ttl)
	if err != nil {
		return false, err
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", expected)).
		Then(clientv3.OpGet(key), clientv3.OpPut(key, expected, putOpts(lease)...)).
		Commit()
	if err != nil {
		e.revoke(ctx, lease)
		return false, unavailable(ctx, "compare-and-set-expiry", err)
	}
	if !resp.Succeeded {
		e.revoke(ctx, lease)
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
		if old := clientv3.LeaseID(kvs[0].Lease); old != lease {
			e.revoke(ctx, old)
		}
	}
	return true, nil
}

// CompareAndDelete deletes key in a transaction guarded on its value.
func (e *Etcd) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", expected)).
		Then(clientv3.OpGet(key), clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, unavailable(ctx, "compare-and-delete", err)
	}
	if !resp.Succeeded {
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
		e.revoke(ctx, clientv3.LeaseID(kvs[0].Lease))
	}
	return true, nil
}

// Get implements Store.
func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", false, unavailable(ctx, "get", err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Delete implements Store.
func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return unavailable(ctx, "delete", err)
	}
	return nil
}

// TTL implements Inspector by querying the record's lease.
func (e *Etcd) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return 0, false, unavailable(ctx, "ttl", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	lease := clientv3.LeaseID(resp.Kvs[0].Lease)
	if lease == clientv3.NoLease {
		return 0, true, nil
	}

	ttlResp, err := e.client.TimeToLive(ctx, lease)
	if err != nil {
		return 0, false, unavailable(ctx, "ttl", err)
	}
	if ttlResp.TTL < 0 {
		return 0, false, nil
	}
	return time.Duration(ttlResp.TTL) * time.Second, true, nil
}

// Ping checks that the first endpoint answers a status request.
func (e *Etcd) Ping(ctx context.Context) error {
	endpoints := e.client.Endpoints()
	if len(endpoints) == 0 {
		return unavailable(ctx, "ping", errors.New("no endpoints"))
	}
	if _, err := e.client.Status(ctx, endpoints[0]); err != nil {
		return unavailable(ctx, "ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (e *Etcd) Close() error {
	return e.client.Close()
}
