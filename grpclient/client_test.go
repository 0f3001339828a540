package grpclient

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/donnadionne/grpcbalance/grpclient/discovery"
	"github.com/donnadionne/grpcbalance/grpclient/logger"
	"github.com/donnadionne/grpcbalance/grpclient/picker"
	"github.com/donnadionne/grpcbalance/grpclient/resolver"

	gresolver "google.golang.org/grpc/resolver"
)

func TestServiceConfigRendering(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{},
			want: `{"loadBalancingConfig": [{"ring_hash_experimental": {}}]}`,
		},
		{
			name: "ring bounds",
			cfg:  Config{MinRingSize: 64, MaxRingSize: 4096},
			want: `{"loadBalancingConfig": [{"ring_hash_experimental": {"min_ring_size": 64, "max_ring_size": 4096}}]}`,
		},
		{
			name: "require weights",
			cfg:  Config{RequireWeights: true},
			want: `{"loadBalancingConfig": [{"ring_hash_experimental": {"require_weights": true}}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{cfg: tt.cfg}
			if got := c.serviceConfig(); got != tt.want {
				t.Fatalf("serviceConfig() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWithRoutingKey(t *testing.T) {
	ctx := WithRoutingKey(context.Background(), "user-42")
	v, ok := picker.RequestHash(ctx)
	if !ok {
		t.Fatal("routing key did not set the request hash attribute")
	}
	h, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		t.Fatalf("request hash %q is not a decimal uint64", v)
	}
	if h != picker.HashKey("user-42") {
		t.Fatalf("request hash = %d, want XXH64 of the routing key", h)
	}
}

func TestWithRequestHash(t *testing.T) {
	ctx := WithRequestHash(context.Background(), 12345)
	v, _ := picker.RequestHash(ctx)
	if v != "12345" {
		t.Fatalf("request hash = %q, want %q", v, "12345")
	}
}

type captureResolverConn struct {
	gresolver.ClientConn
	states []gresolver.State
}

func (cc *captureResolverConn) UpdateState(s gresolver.State) error {
	cc.states = append(cc.states, s)
	return nil
}

func (cc *captureResolverConn) lastAddrs() []gresolver.Address {
	return cc.states[len(cc.states)-1].Addresses
}

func TestApplyEndpoints_HealthFilter(t *testing.T) {
	r := resolver.NewWeightedResolver(nil, nil)
	cc := &captureResolverConn{}
	if _, err := r.Build(gresolver.Target{}, cc, gresolver.BuildOptions{}); err != nil {
		t.Fatalf("Build error: %v", err)
	}

	unhealthy := map[string]bool{"b:1": true}
	c := &Client{
		cfg:          Config{},
		resolver:     r,
		logger:       logger.NewNopLogger(),
		mu:           new(sync.RWMutex),
		healthFilter: func(addr string) bool { return !unhealthy[addr] },
	}

	eps := []discovery.Endpoint{
		{Addr: "a:1", Weight: 1},
		{Addr: "b:1", Weight: 2},
	}
	c.SetEndpoints(eps)
	addrs := cc.lastAddrs()
	if len(addrs) != 1 || addrs[0].Addr != "a:1" {
		t.Fatalf("addresses = %+v, want the unhealthy endpoint dropped", addrs)
	}

	// Flagged endpoint recovers: re-applying restores it.
	delete(unhealthy, "b:1")
	c.SetEndpoints(eps)
	if addrs := cc.lastAddrs(); len(addrs) != 2 {
		t.Fatalf("addresses = %+v, want the recovered endpoint restored", addrs)
	}

	// Every endpoint flagged: fall back to the full list instead of starving
	// the channel.
	unhealthy["a:1"] = true
	unhealthy["b:1"] = true
	c.SetEndpoints(eps)
	if addrs := cc.lastAddrs(); len(addrs) != 2 {
		t.Fatalf("addresses = %+v, want full list when everything is flagged", addrs)
	}
}

func TestEndpointsFromConfig(t *testing.T) {
	eps := endpointsFromConfig(&Config{
		Endpoints:  []string{"a:1", "b:1"},
		Attributes: discovery.EndpointsToAttrsMap([]discovery.Endpoint{{Addr: "a:1", Weight: 4}}),
	})
	if len(eps) != 2 {
		t.Fatalf("eps = %+v", eps)
	}
	if eps[0].Weight != 4 {
		t.Fatalf("weight of a:1 = %d, want 4 from attributes", eps[0].Weight)
	}
	if eps[1].Weight != 0 {
		t.Fatalf("weight of b:1 = %d, want 0 (unset)", eps[1].Weight)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Fatal("nil config must be rejected")
	}
	if _, err := NewClient(&Config{}); err == nil || !strings.Contains(err.Error(), "at least one Endpoint") {
		t.Fatalf("empty endpoints error = %v", err)
	}
	_, err := NewClient(&Config{
		Endpoints:          []string{"127.0.0.1:1"},
		MaxCallSendMsgSize: 4,
		MaxCallRecvMsgSize: 2,
	})
	if err == nil || !strings.Contains(err.Error(), "message recv limit") {
		t.Fatalf("msg size validation error = %v", err)
	}
}
