package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdDiscovery implements Discovery using etcd as the service registry.
// Each endpoint is a JSON record under a common key prefix.
type EtcdDiscovery struct {
	client    *clientv3.Client
	keyPrefix string
}

// EtcdDiscoveryConfig is the configuration for EtcdDiscovery.
type EtcdDiscoveryConfig struct {
	// Endpoints is the list of etcd endpoints.
	Endpoints []string
	// KeyPrefix is the prefix for service keys (e.g., "/services/myapp/").
	KeyPrefix string
	// DialTimeout is the timeout for connecting to etcd.
	DialTimeout time.Duration
	// Username for etcd authentication (optional).
	Username string
	// Password for etcd authentication (optional).
	Password string
}

// NewEtcdDiscovery creates a new EtcdDiscovery.
// KeyPrefix should be in format "/services/{service-name}/".
func NewEtcdDiscovery(cfg EtcdDiscoveryConfig) (*EtcdDiscovery, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if cfg.KeyPrefix == "" {
		return nil, fmt.Errorf("key prefix is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %v", err)
	}

	return &EtcdDiscovery{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// EtcdEndpointValue is the JSON record stored in etcd for each endpoint.
type EtcdEndpointValue struct {
	Addr     string            `json:"addr"`
	Weight   uint32            `json:"weight,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Watch implements Discovery. The watch reconnects with exponential backoff
// when etcd drops it, and re-fetches the full prefix on every change rather
// than applying incremental updates.
func (e *EtcdDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	eps, err := e.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	ch <- Event{Type: EventTypeUpdate, Endpoints: eps}

	go func() {
		defer close(ch)

		var (
			watchCh       clientv3.WatchChan
			retryInterval = time.Second
			maxRetry      = 30 * time.Second
		)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if watchCh == nil {
				watchCh = e.client.Watch(ctx, e.keyPrefix, clientv3.WithPrefix())
			}

			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					watchCh = nil
					select {
					case ch <- Event{Type: EventTypeError, Err: fmt.Errorf("watch channel closed, reconnecting")}:
					case <-ctx.Done():
						return
					}
					select {
					case <-time.After(retryInterval):
						retryInterval = minDuration(retryInterval*2, maxRetry)
					case <-ctx.Done():
						return
					}
					eps, err := e.GetEndpoints(ctx)
					if err != nil {
						continue
					}
					select {
					case ch <- Event{Type: EventTypeUpdate, Endpoints: eps}:
						retryInterval = time.Second
					case <-ctx.Done():
						return
					}
					continue
				}

				if resp.Err() != nil {
					if resp.Canceled {
						watchCh = nil
					}
					select {
					case ch <- Event{Type: EventTypeError, Err: resp.Err()}:
					case <-ctx.Done():
						return
					}
					if watchCh != nil {
						continue
					}
					select {
					case <-time.After(retryInterval):
						retryInterval = minDuration(retryInterval*2, maxRetry)
					case <-ctx.Done():
						return
					}
					continue
				}

				retryInterval = time.Second

				eps, err := e.GetEndpoints(ctx)
				if err != nil {
					select {
					case ch <- Event{Type: EventTypeError, Err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}

				select {
				case ch <- Event{Type: EventTypeUpdate, Endpoints: eps}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// GetEndpoints implements Discovery. Records that fail to parse as JSON are
// accepted as bare addresses with weight 1.
func (e *EtcdDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	resp, err := e.client.Get(ctx, e.keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints from etcd: %v", err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var val EtcdEndpointValue
		if err := json.Unmarshal(kv.Value, &val); err != nil {
			addr := strings.TrimSpace(string(kv.Value))
			if addr != "" {
				endpoints = append(endpoints, Endpoint{Addr: addr, Weight: 1})
			}
			continue
		}
		if val.Addr == "" {
			continue
		}
		weight := val.Weight
		if weight == 0 {
			weight = 1
		}
		endpoints = append(endpoints, Endpoint{
			Addr:     val.Addr,
			Weight:   weight,
			Metadata: val.Metadata,
		})
	}
	return endpoints, nil
}

// Close implements Discovery.
func (e *EtcdDiscovery) Close() error {
	return e.client.Close()
}

// Register publishes an endpoint record, optionally bound to a TTL lease
// that is kept alive until ctx ends.
func (e *EtcdDiscovery) Register(ctx context.Context, endpoint Endpoint, ttl int64) error {
	key := e.keyPrefix + endpoint.Addr

	data, err := json.Marshal(EtcdEndpointValue{
		Addr:     endpoint.Addr,
		Weight:   endpoint.Weight,
		Metadata: endpoint.Metadata,
	})
	if err != nil {
		return err
	}

	if ttl <= 0 {
		_, err = e.client.Put(ctx, key, string(data))
		return err
	}

	leaseResp, err := e.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err = e.client.Put(ctx, key, string(data), clientv3.WithLease(leaseResp.ID)); err != nil {
		return err
	}
	keepAliveCh, err := e.client.KeepAlive(ctx, leaseResp.ID)
	if err != nil {
		return err
	}
	go func() {
		for range keepAliveCh {
		}
	}()
	return nil
}

// Unregister removes an endpoint record.
func (e *EtcdDiscovery) Unregister(ctx context.Context, addr string) error {
	_, err := e.client.Delete(ctx, e.keyPrefix+addr)
	return err
}
