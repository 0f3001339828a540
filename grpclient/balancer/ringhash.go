// Package balancer implements the ring_hash_experimental load balancing
// policy. Each request carries a 64-bit hash that maps onto a bounded
// consistent hash ring over weighted endpoints, so equal hashes land on the
// same backend as long as it stays healthy. When chosen endpoints are down
// the policy proactively walks the ring, keeping at least one connection
// attempt in flight until the channel recovers.
package balancer

import (
	"encoding/json"
	"fmt"

	"github.com/donnadionne/grpcbalance/grpclient/logger"
	"github.com/donnadionne/grpcbalance/grpclient/picker"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
	"google.golang.org/grpc/status"
)

func init() {
	balancer.Register(ringHashBuilder{})
}

type ringHashBuilder struct{}

func (ringHashBuilder) Name() string { return Name }

func (ringHashBuilder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	b := &ringHashBalancer{
		cc:        cc,
		logger:    logger.GetDefaultLogger(),
		connectCh: make(chan []picker.Endpoint, 16),
		closed:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (ringHashBuilder) ParseConfig(js json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	return parseConfig(js)
}

// ringHashBalancer drives the policy lifecycle: it ingests resolver updates,
// owns the current endpoint set, and publishes state and pickers to the
// ClientConn.
//
// gRPC serializes every call into the balancer (UpdateClientConnState,
// SubConn state listeners, Close), so the fields below are only written on
// that serializer. The connect channel is the single entry point from the
// data plane: pickers post connect batches there instead of touching
// SubConns while a pick is being decided.
type ringHashBalancer struct {
	cc     balancer.ClientConn
	logger logger.Logger

	cfg *LBConfig
	set *endpointSet

	resolverErr error

	connectCh chan []picker.Endpoint
	closed    chan struct{}
}

func (b *ringHashBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	if cfg, ok := s.BalancerConfig.(*LBConfig); ok && cfg != nil {
		b.cfg = cfg
	}
	if b.cfg == nil {
		b.cfg = &LBConfig{MinRingSize: defaultMinRingSize, MaxRingSize: defaultMaxRingSize}
	}
	b.resolverErr = nil

	// Resolve weights first: a strict-mode violation rejects the update
	// before any SubConn is created, leaving the previous generation active.
	type weighted struct {
		addr   resolver.Address
		weight uint32
	}
	usable := make([]weighted, 0, len(s.ResolverState.Addresses))
	for _, a := range s.ResolverState.Addresses {
		w, ok := addressWeight(a)
		if !ok {
			if b.cfg.RequireWeights {
				b.resolverErr = fmt.Errorf("address %q carries no weight attribute", a.Addr)
				b.logger.Warnf("RingHash: rejecting update: %v", b.resolverErr)
				return balancer.ErrBadResolverState
			}
			w = 1
		}
		if w == 0 {
			continue
		}
		usable = append(usable, weighted{addr: a, weight: w})
	}

	// The old generation is replaced wholesale; its SubConns shut down and
	// its entries stop counting.
	b.dropEndpointSet()

	if len(usable) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            picker.NewErrPicker(status.Error(codes.Unavailable, "Empty update")),
		})
		return balancer.ErrBadResolverState
	}

	entries := make([]*subConnEntry, 0, len(usable))
	for _, wa := range usable {
		entry := &subConnEntry{addr: wa.addr.Addr, weight: wa.weight}
		sc, err := b.cc.NewSubConn([]resolver.Address{wa.addr}, balancer.NewSubConnOptions{
			StateListener: func(scs balancer.SubConnState) { b.updateSubConnState(entry, scs) },
		})
		if err != nil {
			continue
		}
		entry.sc = sc
		entries = append(entries, entry)
	}
	b.set = newEndpointSet(entries, b.cfg.MinRingSize, b.cfg.MaxRingSize)
	b.logger.Debugf("RingHash: new generation with %d endpoints, ring size %d", len(entries), len(b.set.ring))
	b.startWatching()
	return nil
}

// startWatching seeds every entry with an initial IDLE observation and
// publishes the first picker. The policy claims READY as long as picks can
// legally queue; the ring picker yields queue results until endpoints
// actually turn READY.
func (b *ringHashBalancer) startWatching() {
	for _, e := range b.set.entries {
		b.set.observe(e, connectivity.Idle)
	}
	b.cc.UpdateState(balancer.State{
		ConnectivityState: connectivity.Ready,
		Picker:            picker.NewRingPicker(b.set.ring, b.scheduleConnect, b.logger),
	})
}

func (b *ringHashBalancer) updateSubConnState(entry *subConnEntry, scs balancer.SubConnState) {
	set := b.set
	if set == nil || !set.contains(entry) {
		// Notification from a replaced generation.
		return
	}
	s := scs.ConnectivityState
	if s == connectivity.Shutdown {
		return
	}
	if s == connectivity.TransientFailure {
		// Ask the resolver for fresh addresses before recovery starts
		// walking the ring.
		b.cc.ResolveNow(resolver.ResolveNowOptions{})
	}
	set.observe(entry, s)
	aggState, recovering := set.aggregate()
	b.publish(aggState)
	// While not READY the policy receives no picks, so nothing would ever
	// trigger a connect. Whenever an endpoint fails during recovery, move on
	// to its ring successor; this keeps exactly one attempt rolling until
	// some endpoint connects.
	if recovering && s == connectivity.TransientFailure {
		next := set.entries[(entry.index+1)%len(set.entries)]
		b.logger.Debugf("RingHash: recovery connect on %s", next.addr)
		next.sc.Connect()
	}
}

// publish synthesizes the picker matching the aggregate state and hands both
// to the ClientConn.
func (b *ringHashBalancer) publish(state connectivity.State) {
	b.logger.Debugf("RingHash: aggregate state %v", state)
	var p balancer.Picker
	switch state {
	case connectivity.Ready:
		p = picker.NewRingPicker(b.set.ring, b.scheduleConnect, b.logger)
	case connectivity.Connecting, connectivity.Idle:
		p = picker.NewErrPicker(balancer.ErrNoSubConnAvailable)
	default:
		p = picker.NewErrPicker(status.Error(codes.Unavailable, "connections to backend failing or idle"))
	}
	b.cc.UpdateState(balancer.State{ConnectivityState: state, Picker: p})
}

func (b *ringHashBalancer) ResolverError(err error) {
	b.resolverErr = err
	if b.set == nil {
		// Nothing usable yet; surface the resolver failure directly.
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            picker.NewErrPicker(status.Errorf(codes.Unavailable, "resolver error: %v", err)),
		})
	}
}

// UpdateSubConnState is a nop because a StateListener is always set in NewSubConn.
func (b *ringHashBalancer) UpdateSubConnState(sc balancer.SubConn, state balancer.SubConnState) {
}

// ExitIdle kicks a connection attempt on the first idle endpoint, mirroring
// what a pick against an idle ring would do.
func (b *ringHashBalancer) ExitIdle() {
	if b.set == nil {
		return
	}
	for _, e := range b.set.entries {
		if e.ReportState() == connectivity.Idle {
			e.sc.Connect()
			return
		}
	}
}

func (b *ringHashBalancer) Close() {
	close(b.closed)
	b.dropEndpointSet()
}

func (b *ringHashBalancer) dropEndpointSet() {
	if b.set == nil {
		return
	}
	for _, e := range b.set.entries {
		e.sc.Shutdown()
	}
	b.set = nil
}

// run executes connect batches collected on the data plane. Hopping onto
// this goroutine keeps transport calls off the pick path; batches arriving
// after Close are dropped without invocation.
func (b *ringHashBalancer) run() {
	for {
		select {
		case batch := <-b.connectCh:
			select {
			case <-b.closed:
				return
			default:
			}
			for _, e := range batch {
				e.SubConn().Connect()
			}
		case <-b.closed:
			return
		}
	}
}

// scheduleConnect is the picker.ConnectScheduler handed to ring pickers.
func (b *ringHashBalancer) scheduleConnect(batch []picker.Endpoint) {
	select {
	case b.connectCh <- batch:
	case <-b.closed:
	}
}

// addressWeight reads the weight attribute off an address. A missing or
// mistyped attribute reports ok=false and the caller decides between the
// legacy weight-1 default and strict rejection.
func addressWeight(a resolver.Address) (uint32, bool) {
	if a.Attributes == nil {
		return 0, false
	}
	w, ok := a.Attributes.Value(picker.WeightAttributeKey).(uint32)
	return w, ok
}
