package discovery

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/donnadionne/grpcbalance/grpclient/picker"

	"github.com/hashicorp/consul/api"
)

// ConsulDiscovery implements Discovery using Consul as the service registry.
// Endpoint weights come from the service's native passing weight, with a
// "weight" service-meta entry as override.
type ConsulDiscovery struct {
	client      *api.Client
	serviceName string
	tags        []string
	passingOnly bool
	mu          sync.RWMutex
	lastIndex   uint64
}

// ConsulDiscoveryConfig is the configuration for ConsulDiscovery.
type ConsulDiscoveryConfig struct {
	// Address is the Consul agent address (e.g., "127.0.0.1:8500").
	Address string
	// ServiceName is the name of the service to discover.
	ServiceName string
	// Tags are optional tags to filter services.
	Tags []string
	// PassingOnly if true, only returns healthy services.
	PassingOnly bool
	// Token is the ACL token (optional).
	Token string
	// Datacenter is the datacenter to query (optional).
	Datacenter string
}

// NewConsulDiscovery creates a new ConsulDiscovery.
func NewConsulDiscovery(cfg ConsulDiscoveryConfig) (*ConsulDiscovery, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %v", err)
	}

	return &ConsulDiscovery{
		client:      client,
		serviceName: cfg.ServiceName,
		tags:        cfg.Tags,
		passingOnly: cfg.PassingOnly,
	}, nil
}

// Watch implements Discovery through Consul blocking queries.
func (c *ConsulDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)

	eps, err := c.GetEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	ch <- Event{Type: EventTypeUpdate, Endpoints: eps}

	go func() {
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			c.mu.RLock()
			lastIndex := c.lastIndex
			c.mu.RUnlock()

			queryOpts := &api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  api.DefaultConfig().WaitTime,
			}

			services, meta, err := c.queryServices(ctx, queryOpts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case ch <- Event{Type: EventTypeError, Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}

			if meta.LastIndex > lastIndex {
				c.mu.Lock()
				c.lastIndex = meta.LastIndex
				c.mu.Unlock()

				select {
				case ch <- Event{Type: EventTypeUpdate, Endpoints: c.parseServices(services)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// GetEndpoints implements Discovery.
func (c *ConsulDiscovery) GetEndpoints(ctx context.Context) ([]Endpoint, error) {
	services, meta, err := c.queryServices(ctx, &api.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get services from consul: %v", err)
	}

	c.mu.Lock()
	c.lastIndex = meta.LastIndex
	c.mu.Unlock()

	return c.parseServices(services), nil
}

func (c *ConsulDiscovery) queryServices(ctx context.Context, opts *api.QueryOptions) ([]*api.ServiceEntry, *api.QueryMeta, error) {
	if len(c.tags) > 0 {
		return c.client.Health().ServiceMultipleTags(c.serviceName, c.tags, c.passingOnly, opts.WithContext(ctx))
	}
	return c.client.Health().Service(c.serviceName, "", c.passingOnly, opts.WithContext(ctx))
}

// parseServices converts Consul service entries into weighted endpoints.
func (c *ConsulDiscovery) parseServices(services []*api.ServiceEntry) []Endpoint {
	endpoints := make([]Endpoint, 0, len(services))

	for _, svc := range services {
		addr := svc.Service.Address
		if addr == "" {
			addr = svc.Node.Address
		}

		ep := Endpoint{
			Addr:     fmt.Sprintf("%s:%d", addr, svc.Service.Port),
			Weight:   1,
			Metadata: make(map[string]string),
		}

		if w := svc.Service.Weights.Passing; w > 0 {
			ep.Weight = uint32(w)
		}
		// A weight entry in the service meta overrides the consul weight.
		if weightStr, ok := svc.Service.Meta[picker.WeightAttributeKey]; ok {
			if w, err := strconv.ParseUint(weightStr, 10, 32); err == nil && w > 0 {
				ep.Weight = uint32(w)
			}
		}

		for k, v := range svc.Service.Meta {
			if k == picker.WeightAttributeKey {
				continue
			}
			ep.Metadata[k] = v
		}
		ep.Metadata["node"] = svc.Node.Node
		ep.Metadata["datacenter"] = svc.Node.Datacenter

		endpoints = append(endpoints, ep)
	}

	return endpoints
}

// Close implements Discovery. The consul api client holds no long-lived
// connections of its own.
func (c *ConsulDiscovery) Close() error {
	return nil
}

// Register registers a service instance with the local agent, carrying the
// endpoint weight both natively and in the service meta.
func (c *ConsulDiscovery) Register(host string, port int, endpoint Endpoint) error {
	weight := endpoint.Weight
	if weight == 0 {
		weight = 1
	}
	meta := make(map[string]string, len(endpoint.Metadata)+1)
	for k, v := range endpoint.Metadata {
		meta[k] = v
	}
	meta[picker.WeightAttributeKey] = strconv.FormatUint(uint64(weight), 10)

	reg := &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s:%d", c.serviceName, host, port),
		Name:    c.serviceName,
		Address: host,
		Port:    port,
		Tags:    c.tags,
		Meta:    meta,
		Weights: &api.AgentWeights{Passing: int(weight), Warning: 1},
	}
	return c.client.Agent().ServiceRegister(reg)
}

// Unregister removes a service instance from the local agent.
func (c *ConsulDiscovery) Unregister(host string, port int) error {
	return c.client.Agent().ServiceDeregister(fmt.Sprintf("%s-%s:%d", c.serviceName, host, port))
}
