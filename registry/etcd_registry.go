// Package registry provides etcd-backed discovery of endpoint locations.
//
// etcd is a distributed key-value store with strong consistency (Raft). It
// serves as the phonebook mapping endpoint ids to the addresses currently
// serving them:
//
//	Key:   /callbus/endpoints/{id}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: when a process crashes, its lease
// expires and the entry disappears on its own, so no ghost sinks linger.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Close tears down the client connection. Watch channels opened through
// this registry end when the client closes.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func endpointPrefix(id uint16) string {
	return fmt.Sprintf("/callbus/endpoints/%d/", id)
}

// Register announces that instance serves the endpoint id, under a TTL
// lease renewed in the background.
//
// Flow:
//  1. Grant a lease with the given TTL (seconds)
//  2. Put the key with the lease attached
//  3. Start KeepAlive so the lease renews while the process lives
//
// The lease id stays a local variable rather than a struct field so that
// several engines can share one EtcdRegistry without racing on it.
func (r *EtcdRegistry) Register(id uint16, instance Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, endpointPrefix(id)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes one address for an endpoint id. Called during graceful
// shutdown so emitters stop routing here before the engine goes away.
func (r *EtcdRegistry) Deregister(id uint16, addr string) error {
	_, err := r.client.Delete(context.TODO(), endpointPrefix(id)+addr)
	return err
}

// Discover returns every instance currently serving the endpoint id.
func (r *EtcdRegistry) Discover(id uint16) ([]Instance, error) {
	resp, err := r.client.Get(context.TODO(), endpointPrefix(id), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits a fresh instance list whenever the set serving id changes:
// registrations, deregistrations, lease expirations. Server-push via etcd's
// Watch API, no polling. The channel closes when the registry is closed.
func (r *EtcdRegistry) Watch(id uint16) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		// On any change, re-fetch the full list; simpler than replaying
		// individual watch events.
		watchChan := r.client.Watch(context.TODO(), endpointPrefix(id), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(id)
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()
	return ch
}
