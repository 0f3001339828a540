// Package healthcheck actively probes backend endpoints and reports
// healthy/unhealthy transitions. It complements the connectivity-driven ring
// hash policy: a discovery layer can drop endpoints the checker flags
// instead of waiting for connections to fail.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Status is the health verdict for one endpoint.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config holds the probing parameters.
type Config struct {
	// CheckInterval is how often to probe each endpoint.
	CheckInterval time.Duration
	// CheckTimeout bounds a single probe.
	CheckTimeout time.Duration
	// UnhealthyThreshold is the number of consecutive failures before an
	// endpoint is marked unhealthy.
	UnhealthyThreshold int
	// HealthyThreshold is the number of consecutive successes before an
	// unhealthy endpoint is restored.
	HealthyThreshold int
	// Service is the service name passed to the gRPC health protocol; empty
	// queries the server's overall health.
	Service string
}

// DefaultConfig returns the default probing parameters.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      10 * time.Second,
		CheckTimeout:       3 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}

// EndpointHealth tracks the probe history of a single endpoint.
type EndpointHealth struct {
	mu               sync.RWMutex
	addr             string
	status           Status
	consecutiveFails int
	consecutiveOK    int
	lastCheck        time.Time
	lastError        error
}

// Status returns the current health status.
func (eh *EndpointHealth) Status() Status {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.status
}

// LastError returns the error from the most recent failed probe.
func (eh *EndpointHealth) LastError() error {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.lastError
}

// Checker probes endpoints with the gRPC health protocol. Servers that don't
// implement the protocol pass as long as their transport connects.
type Checker struct {
	mu        sync.RWMutex
	config    Config
	endpoints map[string]*EndpointHealth
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool

	// OnStatusChange is called whenever an endpoint's verdict flips.
	OnStatusChange func(addr string, oldStatus, newStatus Status)
}

// NewChecker creates a checker with the given configuration.
func NewChecker(config Config) *Checker {
	return &Checker{
		config:    config,
		endpoints: make(map[string]*EndpointHealth),
		stopCh:    make(chan struct{}),
	}
}

// NewCheckerWithDefaults creates a checker with DefaultConfig.
func NewCheckerWithDefaults() *Checker {
	return NewChecker(DefaultConfig())
}

// AddEndpoint adds an endpoint to be probed.
func (c *Checker) AddEndpoint(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.endpoints[addr]; !exists {
		c.endpoints[addr] = &EndpointHealth{addr: addr, status: StatusUnknown}
	}
}

// RemoveEndpoint stops probing an endpoint.
func (c *Checker) RemoveEndpoint(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, addr)
}

// SetEndpoints replaces the probed set, keeping history for addresses that
// stay.
func (c *Checker) SetEndpoints(addrs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		keep[addr] = true
	}
	for addr := range c.endpoints {
		if !keep[addr] {
			delete(c.endpoints, addr)
		}
	}
	for _, addr := range addrs {
		if _, exists := c.endpoints[addr]; !exists {
			c.endpoints[addr] = &EndpointHealth{addr: addr, status: StatusUnknown}
		}
	}
}

// HealthyEndpoints returns the addresses currently considered usable.
// Unknown counts as usable so fresh endpoints are not excluded before their
// first probe.
func (c *Checker) HealthyEndpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for addr, health := range c.endpoints {
		if st := health.Status(); st == StatusHealthy || st == StatusUnknown {
			result = append(result, addr)
		}
	}
	return result
}

// UnhealthyEndpoints returns the addresses currently failing their probes.
func (c *Checker) UnhealthyEndpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for addr, health := range c.endpoints {
		if health.Status() == StatusUnhealthy {
			result = append(result, addr)
		}
	}
	return result
}

// IsHealthy reports whether an endpoint is usable; unknown addresses are.
func (c *Checker) IsHealthy(addr string) bool {
	c.mu.RLock()
	health, exists := c.endpoints[addr]
	c.mu.RUnlock()

	if !exists {
		return true
	}
	st := health.Status()
	return st == StatusHealthy || st == StatusUnknown
}

// Start begins the probe loop.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop()
}

// Stop halts probing and waits for in-flight probes to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Checker) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	c.checkAll()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkAll()
		}
	}
}

func (c *Checker) checkAll() {
	c.mu.RLock()
	endpoints := make([]*EndpointHealth, 0, len(c.endpoints))
	for _, health := range c.endpoints {
		endpoints = append(endpoints, health)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, health := range endpoints {
		wg.Add(1)
		go func(h *EndpointHealth) {
			defer wg.Done()
			c.checkEndpoint(h)
		}(health)
	}
	wg.Wait()
}

func (c *Checker) checkEndpoint(health *EndpointHealth) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CheckTimeout)
	defer cancel()

	err := c.probe(ctx, health.addr)

	health.mu.Lock()
	oldStatus := health.status
	health.lastCheck = time.Now()

	if err != nil {
		health.lastError = err
		health.consecutiveOK = 0
		health.consecutiveFails++
		if health.consecutiveFails >= c.config.UnhealthyThreshold {
			health.status = StatusUnhealthy
		}
	} else {
		health.lastError = nil
		health.consecutiveFails = 0
		health.consecutiveOK++
		if health.consecutiveOK >= c.config.HealthyThreshold {
			health.status = StatusHealthy
		}
	}
	newStatus := health.status
	health.mu.Unlock()

	if oldStatus != newStatus && c.OnStatusChange != nil {
		c.OnStatusChange(health.addr, oldStatus, newStatus)
	}
}

// probe dials addr and queries the gRPC health protocol. A server without
// the health service still passes as long as the transport came up; the
// Unimplemented status proves it answered.
func (c *Checker) probe(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Connect()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx,
		&grpc_health_v1.HealthCheckRequest{Service: c.config.Service})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil
		}
		return err
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return &UnhealthyError{ServingStatus: resp.Status, State: conn.GetState()}
	}
	return nil
}

// UnhealthyError reports a backend that answered but is not serving.
type UnhealthyError struct {
	ServingStatus grpc_health_v1.HealthCheckResponse_ServingStatus
	State         connectivity.State
}

func (e *UnhealthyError) Error() string {
	return "unhealthy backend: " + e.ServingStatus.String()
}
