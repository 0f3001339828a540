// Package discovery provides service discovery interfaces and
// implementations that feed weighted endpoints into the ring hash client.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/donnadionne/grpcbalance/grpclient/picker"

	"google.golang.org/grpc/attributes"
)

// Endpoint is one weighted service endpoint as published by a registry.
type Endpoint struct {
	// Addr is the address of the endpoint (e.g., "192.168.1.1:8080").
	Addr string `json:"addr"`
	// Weight determines the endpoint's share of the hash ring. Zero means
	// "not set"; the ingest path treats it as weight 1.
	Weight uint32 `json:"weight,omitempty"`
	// Metadata contains additional endpoint metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event represents a service discovery event.
type Event struct {
	Type EventType
	// Endpoints is the full endpoint list after this event.
	Endpoints []Endpoint
	// Err is set when Type is EventTypeError.
	Err error
}

// EventType represents the type of service discovery event.
type EventType int

const (
	// EventTypeUpdate indicates endpoints have been updated.
	EventTypeUpdate EventType = iota
	// EventTypeDelete indicates endpoints have been deleted.
	EventTypeDelete
	// EventTypeError indicates an error occurred.
	EventTypeError
)

func (t EventType) String() string {
	switch t {
	case EventTypeUpdate:
		return "Update"
	case EventTypeDelete:
		return "Delete"
	case EventTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Discovery is the interface for service discovery backends such as etcd,
// Consul, Nacos or Kubernetes.
type Discovery interface {
	// Watch starts watching for endpoint changes and sends events to the
	// channel. The channel is closed when the context is canceled or an
	// unrecoverable error occurs.
	Watch(ctx context.Context) (<-chan Event, error)

	// GetEndpoints returns the current list of endpoints.
	GetEndpoints(ctx context.Context) ([]Endpoint, error)

	// Close closes the discovery client and releases resources.
	Close() error
}

// DiscoveryFunc adapts a plain function to the Discovery interface.
type DiscoveryFunc func(ctx context.Context) ([]Endpoint, error)

// Watch returns a nil channel: DiscoveryFunc doesn't support watching. Wrap
// it in a PollingDiscovery to get change events.
func (f DiscoveryFunc) Watch(ctx context.Context) (<-chan Event, error) {
	return nil, nil
}

func (f DiscoveryFunc) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	return f(ctx)
}

func (f DiscoveryFunc) Close() error {
	return nil
}

// PollingDiscovery wraps a Discovery implementation with polling-based
// watching, for registries without native watch support.
type PollingDiscovery struct {
	discovery Discovery
	interval  time.Duration
	mu        sync.RWMutex
	lastEps   []Endpoint
}

// NewPollingDiscovery polls discovery every interval (default 30s).
func NewPollingDiscovery(discovery Discovery, interval time.Duration) *PollingDiscovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PollingDiscovery{
		discovery: discovery,
		interval:  interval,
	}
}

// Watch implements Discovery with periodic polling; an event is only emitted
// when the address/weight set actually changed.
func (p *PollingDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	eps, err := p.discovery.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastEps = eps
	p.mu.Unlock()

	ch <- Event{Type: EventTypeUpdate, Endpoints: eps}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				eps, err := p.discovery.GetEndpoints(ctx)
				if err != nil {
					select {
					case ch <- Event{Type: EventTypeError, Err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}

				if !p.hasChanged(eps) {
					continue
				}
				p.mu.Lock()
				p.lastEps = eps
				p.mu.Unlock()

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

func (p *PollingDiscovery) hasChanged(newEps []Endpoint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(newEps) != len(p.lastEps) {
		return true
	}

	oldMap := make(map[string]Endpoint, len(p.lastEps))
	for _, ep := range p.lastEps {
		oldMap[ep.Addr] = ep
	}
	for _, ep := range newEps {
		old, ok := oldMap[ep.Addr]
		if !ok || old.Weight != ep.Weight {
			return true
		}
	}
	return false
}

func (p *PollingDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	return p.discovery.GetEndpoints(ctx)
}

func (p *PollingDiscovery) Close() error {
	return p.discovery.Close()
}

// StaticDiscovery serves a fixed endpoint list, updatable by hand. Useful in
// tests and for deployments without a registry.
type StaticDiscovery struct {
	mu        sync.RWMutex
	endpoints []Endpoint
}

// NewStaticDiscovery builds a StaticDiscovery of weight-1 endpoints.
func NewStaticDiscovery(addrs []string) *StaticDiscovery {
	eps := make([]Endpoint, len(addrs))
	for i, addr := range addrs {
		eps[i] = Endpoint{Addr: addr, Weight: 1}
	}
	return &StaticDiscovery{endpoints: eps}
}

// NewStaticDiscoveryWithEndpoints builds a StaticDiscovery from full
// Endpoint values, weights included.
func NewStaticDiscoveryWithEndpoints(endpoints []Endpoint) *StaticDiscovery {
	return &StaticDiscovery{endpoints: cloneEndpoints(endpoints)}
}

// Watch emits one snapshot event and then idles until the context ends.
func (s *StaticDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)
	s.mu.RLock()
	snap := cloneEndpoints(s.endpoints)
	s.mu.RUnlock()
	ch <- Event{Type: EventTypeUpdate, Endpoints: snap}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *StaticDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEndpoints(s.endpoints), nil
}

func (s *StaticDiscovery) Close() error {
	return nil
}

// UpdateEndpoints replaces the endpoint list.
func (s *StaticDiscovery) UpdateEndpoints(endpoints []Endpoint) {
	s.mu.Lock()
	s.endpoints = cloneEndpoints(endpoints)
	s.mu.Unlock()
}

func cloneEndpoints(endpoints []Endpoint) []Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	out := make([]Endpoint, len(endpoints))
	copy(out, endpoints)
	for i := range out {
		if out[i].Metadata == nil {
			continue
		}
		m2 := make(map[string]string, len(out[i].Metadata))
		for k, v := range out[i].Metadata {
			m2[k] = v
		}
		out[i].Metadata = m2
	}
	return out
}

// EndpointToAttrs converts a discovery.Endpoint into the address attributes
// consumed by the balancer. The weight attribute always wins over metadata
// that tries to reuse its key.
func EndpointToAttrs(ep Endpoint) *attributes.Attributes {
	weight := ep.Weight
	if weight == 0 {
		weight = 1
	}
	attrs := attributes.New(picker.WeightAttributeKey, weight)
	for k, v := range ep.Metadata {
		if k == picker.WeightAttributeKey {
			continue
		}
		attrs = attrs.WithValue(k, v)
	}
	return attrs
}

// EndpointsToAddrs extracts the address list from endpoints.
func EndpointsToAddrs(endpoints []Endpoint) []string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	return addrs
}

// EndpointsToAttrsMap converts endpoints to an address-to-attributes map in
// the shape the resolver consumes.
func EndpointsToAttrsMap(endpoints []Endpoint) map[string]*attributes.Attributes {
	m := make(map[string]*attributes.Attributes, len(endpoints))
	for _, ep := range endpoints {
		m[ep.Addr] = EndpointToAttrs(ep)
	}
	return m
}
