// Copyright 2016 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package grpclient dials gRPC channels balanced by the ring hash policy:
// every RPC carries a request hash and lands on the ring position owning it.
package grpclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/donnadionne/grpcbalance/grpclient/balancer"
	"github.com/donnadionne/grpcbalance/grpclient/discovery"
	"github.com/donnadionne/grpcbalance/grpclient/healthcheck"
	"github.com/donnadionne/grpcbalance/grpclient/logger"
	"github.com/donnadionne/grpcbalance/grpclient/picker"
	"github.com/donnadionne/grpcbalance/grpclient/resolver"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Client provides and manages a ring hash balanced client connection.
type Client struct {
	conn *grpc.ClientConn

	cfg      Config
	resolver *resolver.WeightedResolver
	logger   logger.Logger
	mu       *sync.RWMutex

	// allEndpoints is the last full endpoint list from config, SetEndpoints
	// or discovery; the resolver receives it filtered by healthFilter.
	allEndpoints []discovery.Endpoint
	checker      *healthcheck.Checker
	healthFilter func(addr string) bool

	ctx    context.Context
	cancel context.CancelFunc

	callOpts []grpc.CallOption
}

// WithRoutingKey returns a context whose RPCs are routed by the XXH64 digest
// of key: equal keys consistently land on the same backend while it stays
// healthy.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return picker.SetRequestHash(ctx, strconv.FormatUint(picker.HashKey(key), 10))
}

// WithRequestHash returns a context whose RPCs are routed by a
// caller-computed 64-bit hash.
func WithRequestHash(ctx context.Context, hash uint64) context.Context {
	return picker.SetRequestHash(ctx, strconv.FormatUint(hash, 10))
}

// Close shuts down the client's connection, health checker and discovery
// watches.
func (c *Client) Close() error {
	c.cancel()
	if c.checker != nil {
		c.checker.Stop()
	}
	if c.conn != nil {
		return toErr(c.ctx, c.conn.Close())
	}
	return c.ctx.Err()
}

func (c *Client) GetCallOpts() []grpc.CallOption {
	return c.callOpts
}

// Ctx is a context for "out of band" messages (e.g., for sending
// "clean up" message when another context is canceled). It is
// canceled on client Close().
func (c *Client) Ctx() context.Context { return c.ctx }

// Endpoints lists the registered endpoints for the client.
func (c *Client) Endpoints() []string {
	// copy the slice; protect original endpoints from being changed
	c.mu.RLock()
	defer c.mu.RUnlock()
	eps := make([]string, len(c.cfg.Endpoints))
	copy(eps, c.cfg.Endpoints)
	return eps
}

// SetEndpoints updates the client's endpoints and their weights by hand.
// Clients driven by a Discovery implementation don't need this.
func (c *Client) SetEndpoints(eps []discovery.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEndpoints(eps)
}

// applyEndpoints pushes an endpoint list into the resolver, dropping
// endpoints the health checker currently flags. Callers hold c.mu.
func (c *Client) applyEndpoints(eps []discovery.Endpoint) {
	c.allEndpoints = eps
	if c.checker != nil {
		c.checker.SetEndpoints(discovery.EndpointsToAddrs(eps))
	}

	usable := eps
	if c.healthFilter != nil {
		usable = make([]discovery.Endpoint, 0, len(eps))
		for _, ep := range eps {
			if c.healthFilter(ep.Addr) {
				usable = append(usable, ep)
			}
		}
		if len(usable) == 0 {
			// Every endpoint flagged unhealthy: keep the full list rather
			// than starving the channel on probe verdicts alone.
			usable = eps
		}
	}

	addrs := discovery.EndpointsToAddrs(usable)
	c.cfg.Endpoints = addrs
	c.cfg.Attributes = discovery.EndpointsToAttrsMap(usable)
	c.resolver.SetEndpoints(addrs, c.cfg.Attributes)
}

// ResetBackoff makes the transports of all endpoints abandon their connect
// backoff and retry immediately, typically after the caller learned the
// network healed.
func (c *Client) ResetBackoff() {
	if c.conn != nil {
		c.conn.ResetConnectBackoff()
	}
}

// dialSetupOpts gives the dial opts prior to any authentication.
func (c *Client) dialSetupOpts(dopts ...grpc.DialOption) []grpc.DialOption {
	var opts []grpc.DialOption
	if c.cfg.DialKeepAliveTime > 0 {
		params := keepalive.ClientParameters{
			Time:                c.cfg.DialKeepAliveTime,
			Timeout:             c.cfg.DialKeepAliveTimeout,
			PermitWithoutStream: c.cfg.PermitWithoutStream,
		}
		opts = append(opts, grpc.WithKeepaliveParams(params))
	}
	opts = append(opts, dopts...)
	opts = append(opts,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithInitialWindowSize(65536*100), // 100*64K
		grpc.WithDefaultServiceConfig(c.serviceConfig()),
	)

	retryOpts := []grpc_retry.CallOption{
		grpc_retry.WithMax(3),
		grpc_retry.WithBackoff(grpc_retry.BackoffExponential(100 * time.Millisecond)),
		grpc_retry.WithCodes(codes.Canceled, codes.Internal, codes.Unavailable),
	}
	opts = append(opts,
		// Disable stream retry by default since go-grpc-middleware/retry does not support client streams.
		// Streams that are safe to retry are enabled individually.
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(retryOpts...)),
	)

	return opts
}

// serviceConfig renders the ring hash policy config for this client.
func (c *Client) serviceConfig() string {
	fields := make([]string, 0, 3)
	if c.cfg.MinRingSize > 0 {
		fields = append(fields, fmt.Sprintf(`"min_ring_size": %d`, c.cfg.MinRingSize))
	}
	if c.cfg.MaxRingSize > 0 {
		fields = append(fields, fmt.Sprintf(`"max_ring_size": %d`, c.cfg.MaxRingSize))
	}
	if c.cfg.RequireWeights {
		fields = append(fields, `"require_weights": true`)
	}
	return fmt.Sprintf(`{"loadBalancingConfig": [{%q: {%s}}]}`,
		balancer.Name, strings.Join(fields, ", "))
}

// dial configures and dials the ring hash balanced target.
func (c *Client) dial(dopts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := c.dialSetupOpts(grpc.WithResolvers(c.resolver))
	opts = append(opts, dopts...)
	opts = append(opts, c.cfg.DialOptions...)

	initialEndpoints := strings.Join(c.cfg.Endpoints, ";")
	target := fmt.Sprintf("%s://%p/#initially=[%s]", resolver.Scheme, c, initialEndpoints)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to configure dialer: %v", err)
	}
	conn.Connect()

	if c.cfg.DialTimeout > 0 {
		// Wait for the first transport to come up before handing the
		// connection out.
		dctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		defer cancel()
		if err := waitForReady(dctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		s := conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, s) {
			return fmt.Errorf("dialing failed: %v", ctx.Err())
		}
	}
}

// NewClient creates a ring hash balanced client from cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	baseCtx := context.TODO()
	if cfg.Context != nil {
		baseCtx = cfg.Context
	}

	ctx, cancel := context.WithCancel(baseCtx)
	client := &Client{
		conn:     nil,
		cfg:      *cfg,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		mu:       new(sync.RWMutex),
		callOpts: defaultCallOpts,
	}

	if cfg.MaxCallSendMsgSize > 0 || cfg.MaxCallRecvMsgSize > 0 {
		if cfg.MaxCallRecvMsgSize > 0 && cfg.MaxCallSendMsgSize > cfg.MaxCallRecvMsgSize {
			client.cancel()
			return nil, fmt.Errorf("gRPC message recv limit (%d bytes) must be greater than send limit (%d bytes)", cfg.MaxCallRecvMsgSize, cfg.MaxCallSendMsgSize)
		}
		callOpts := []grpc.CallOption{
			defaultWaitForReady,
			defaultMaxCallSendMsgSize,
			defaultMaxCallRecvMsgSize,
		}
		if cfg.MaxCallSendMsgSize > 0 {
			callOpts[1] = grpc.MaxCallSendMsgSize(cfg.MaxCallSendMsgSize)
		}
		if cfg.MaxCallRecvMsgSize > 0 {
			callOpts[2] = grpc.MaxCallRecvMsgSize(cfg.MaxCallRecvMsgSize)
		}
		client.callOpts = callOpts
	}

	if cfg.Discovery != nil {
		eps, err := cfg.Discovery.GetEndpoints(ctx)
		if err != nil {
			client.cancel()
			return nil, fmt.Errorf("initial discovery failed: %v", err)
		}
		client.allEndpoints = eps
		client.cfg.Endpoints = discovery.EndpointsToAddrs(eps)
		client.cfg.Attributes = discovery.EndpointsToAttrsMap(eps)
	} else {
		client.allEndpoints = endpointsFromConfig(&client.cfg)
	}
	if len(client.cfg.Endpoints) < 1 {
		client.cancel()
		return nil, fmt.Errorf("at least one Endpoint is required in client config")
	}

	client.resolver = resolver.NewWeightedResolver(client.cfg.Endpoints, client.cfg.Attributes)

	if cfg.EnableHealthCheck {
		client.startHealthCheck()
	}

	conn, err := client.dial()
	if err != nil {
		client.Close()
		client.resolver.Close()
		return nil, err
	}
	client.conn = conn

	if cfg.Discovery != nil {
		if err := client.startDiscovery(); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// endpointsFromConfig reconstructs the weighted endpoint list from a manual
// Endpoints+Attributes configuration.
func endpointsFromConfig(cfg *Config) []discovery.Endpoint {
	eps := make([]discovery.Endpoint, len(cfg.Endpoints))
	for i, addr := range cfg.Endpoints {
		ep := discovery.Endpoint{Addr: addr}
		if attrs := cfg.Attributes[addr]; attrs != nil {
			if w, ok := attrs.Value(picker.WeightAttributeKey).(uint32); ok {
				ep.Weight = w
			}
		}
		eps[i] = ep
	}
	return eps
}

// startHealthCheck wires an active checker into the endpoint path: whenever
// a probe verdict flips, the current endpoint list is re-applied so flagged
// endpoints drop out of the resolver and recovered ones return.
func (c *Client) startHealthCheck() {
	hcCfg := healthcheck.DefaultConfig()
	if c.cfg.HealthCheckConfig != nil {
		hcCfg = *c.cfg.HealthCheckConfig
	}
	c.checker = healthcheck.NewChecker(hcCfg)
	c.healthFilter = c.checker.IsHealthy
	c.checker.OnStatusChange = func(addr string, oldStatus, newStatus healthcheck.Status) {
		c.logger.Infof("health of %s: %s -> %s", addr, oldStatus, newStatus)
		c.mu.Lock()
		c.applyEndpoints(c.allEndpoints)
		c.mu.Unlock()
	}
	c.checker.SetEndpoints(discovery.EndpointsToAddrs(c.allEndpoints))
	c.checker.Start()
}

// startDiscovery keeps the resolver in sync with the registry until the
// client closes.
func (c *Client) startDiscovery() error {
	d := c.cfg.Discovery
	ch, err := d.Watch(c.ctx)
	if err != nil {
		return fmt.Errorf("discovery watch failed: %v", err)
	}
	if ch == nil {
		// No native watch support; poll instead.
		ch, err = discovery.NewPollingDiscovery(d, c.cfg.DiscoveryPollInterval).Watch(c.ctx)
		if err != nil {
			return fmt.Errorf("discovery watch failed: %v", err)
		}
	}

	go func() {
		for ev := range ch {
			switch ev.Type {
			case discovery.EventTypeUpdate, discovery.EventTypeDelete:
				c.mu.Lock()
				c.applyEndpoints(ev.Endpoints)
				c.mu.Unlock()
				c.logger.Infof("discovery applied %d endpoints", len(ev.Endpoints))
				if c.cfg.OnEndpointsUpdate != nil {
					c.cfg.OnEndpointsUpdate(ev.Endpoints)
				}
			case discovery.EventTypeError:
				c.logger.Warnf("discovery error: %v", ev.Err)
			}
		}
	}()
	return nil
}

// ActiveConnection returns the current in-use connection.
func (c *Client) ActiveConnection() *grpc.ClientConn { return c.conn }

func toErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ev, ok := status.FromError(err); ok {
		code := ev.Code()
		switch code {
		case codes.DeadlineExceeded:
			fallthrough
		case codes.Canceled:
			if ctx.Err() != nil {
				err = ctx.Err()
			}
		}
	}
	return err
}
