package picker

import (
	"context"
	"strconv"
	"testing"

	"github.com/donnadionne/grpcbalance/grpclient/logger"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

type testSubConn struct {
	balancer.SubConn
	name string
}

type testEndpoint struct {
	addr  string
	state connectivity.State
	sc    *testSubConn
}

func (e *testEndpoint) Addr() string                    { return e.addr }
func (e *testEndpoint) ReportState() connectivity.State { return e.state }
func (e *testEndpoint) SubConn() balancer.SubConn       { return e.sc }

// newWalkPicker hand-builds a picker whose ring entries carry hashes
// 10, 20, 30, ... in endpoint order, so request hashes map predictably.
func newWalkPicker(states []connectivity.State, schedule ConnectScheduler) ([]*testEndpoint, *ringPicker) {
	endpoints := make([]*testEndpoint, len(states))
	ring := make([]RingEntry, len(states))
	for i, st := range states {
		endpoints[i] = &testEndpoint{
			addr:  "backend-" + strconv.Itoa(i),
			state: st,
			sc:    &testSubConn{name: "sc-" + strconv.Itoa(i)},
		}
		ring[i] = RingEntry{Hash: uint64((i + 1) * 10), Endpoint: endpoints[i]}
	}
	if schedule == nil {
		schedule = func([]Endpoint) {}
	}
	return endpoints, &ringPicker{ring: ring, scheduleConnect: schedule, logger: logger.NewNopLogger()}
}

func pickCtx(hash string) balancer.PickInfo {
	return balancer.PickInfo{Ctx: SetRequestHash(context.Background(), hash)}
}

func TestPick_MissingOrBadHash(t *testing.T) {
	_, p := newWalkPicker([]connectivity.State{connectivity.Ready}, nil)

	for _, tt := range []struct {
		name string
		info balancer.PickInfo
	}{
		{name: "missing attribute", info: balancer.PickInfo{Ctx: context.Background()}},
		{name: "non numeric", info: pickCtx("abc")},
		{name: "negative", info: pickCtx("-5")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Pick(tt.info)
			st, ok := status.FromError(err)
			if !ok || st.Code() != codes.Internal {
				t.Fatalf("Pick() err = %v, want Internal status", err)
			}
			if st.Message() != "ring hash value is not a number" {
				t.Fatalf("Pick() message = %q", st.Message())
			}
		})
	}
}

func TestPick_ReadyFirstChoice(t *testing.T) {
	endpoints, p := newWalkPicker([]connectivity.State{connectivity.Ready, connectivity.Ready}, nil)

	res, err := p.Pick(pickCtx("15"))
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if res.SubConn != endpoints[1].sc {
		t.Fatalf("Pick() chose %v, want entry owning hash 20", res.SubConn)
	}
}

func TestPick_WrapsPastMaximumHash(t *testing.T) {
	endpoints, p := newWalkPicker([]connectivity.State{connectivity.Ready, connectivity.Ready, connectivity.Ready}, nil)

	res, err := p.Pick(pickCtx("31"))
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if res.SubConn != endpoints[0].sc {
		t.Fatalf("hash beyond ring maximum must wrap to index 0")
	}
}

func TestPick_IdleQueuesAndSchedulesConnect(t *testing.T) {
	var batch []Endpoint
	endpoints, p := newWalkPicker([]connectivity.State{connectivity.Idle}, func(eps []Endpoint) {
		batch = append(batch, eps...)
	})

	_, err := p.Pick(pickCtx("5"))
	if err != balancer.ErrNoSubConnAvailable {
		t.Fatalf("Pick() err = %v, want ErrNoSubConnAvailable", err)
	}
	if len(batch) != 1 || batch[0] != Endpoint(endpoints[0]) {
		t.Fatalf("scheduled batch = %v, want exactly the idle endpoint", batch)
	}
}

func TestPick_ConnectingQueuesWithoutScheduling(t *testing.T) {
	scheduled := 0
	_, p := newWalkPicker([]connectivity.State{connectivity.Connecting}, func(eps []Endpoint) {
		scheduled += len(eps)
	})

	_, err := p.Pick(pickCtx("5"))
	if err != balancer.ErrNoSubConnAvailable {
		t.Fatalf("Pick() err = %v, want ErrNoSubConnAvailable", err)
	}
	if scheduled != 0 {
		t.Fatalf("connect scheduled while one is already in flight")
	}
}

func TestPick_SecondaryWalkFindsReady(t *testing.T) {
	var batch []Endpoint
	endpoints, p := newWalkPicker([]connectivity.State{
		connectivity.TransientFailure,
		connectivity.TransientFailure,
		connectivity.Ready,
	}, func(eps []Endpoint) { batch = append(batch, eps...) })

	res, err := p.Pick(pickCtx("5"))
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if res.SubConn != endpoints[2].sc {
		t.Fatalf("walk must land on the ready endpoint")
	}
	// The failed first choice gets kicked so the ring heals underneath.
	if len(batch) == 0 || batch[0] != Endpoint(endpoints[0]) {
		t.Fatalf("scheduled batch = %v, want first failed endpoint kicked", batch)
	}
}

func TestPick_ConnectingSecondChoiceQueues(t *testing.T) {
	_, p := newWalkPicker([]connectivity.State{
		connectivity.TransientFailure,
		connectivity.Connecting,
		connectivity.TransientFailure,
	}, nil)

	_, err := p.Pick(pickCtx("5"))
	if err != balancer.ErrNoSubConnAvailable {
		t.Fatalf("Pick() err = %v, want queue on connecting second choice", err)
	}
}

func TestPick_RingWalkRecovery(t *testing.T) {
	// Three failed endpoints ahead of an idle one: the pick queues, and the
	// idle endpoint is among the scheduled connects.
	var batch []Endpoint
	endpoints, p := newWalkPicker([]connectivity.State{
		connectivity.TransientFailure,
		connectivity.TransientFailure,
		connectivity.TransientFailure,
		connectivity.Idle,
	}, func(eps []Endpoint) { batch = append(batch, eps...) })

	_, err := p.Pick(pickCtx("5"))
	if err != balancer.ErrNoSubConnAvailable {
		t.Fatalf("Pick() err = %v, want ErrNoSubConnAvailable while an idle endpoint remains", err)
	}
	found := false
	for _, ep := range batch {
		if ep == Endpoint(endpoints[3]) {
			found = true
		}
	}
	if !found {
		t.Fatalf("idle endpoint missing from scheduled connects: %v", batch)
	}
}

func TestPick_AllFailed(t *testing.T) {
	_, p := newWalkPicker([]connectivity.State{
		connectivity.TransientFailure,
		connectivity.TransientFailure,
	}, nil)

	_, err := p.Pick(pickCtx("5"))
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		t.Fatalf("Pick() err = %v, want Unavailable status", err)
	}
	if st.Message() != "ring hash found a subchannel that is in TRANSIENT_FAILURE state" {
		t.Fatalf("Pick() message = %q", st.Message())
	}
}

func TestPick_SkipsEntriesOfFirstEndpoint(t *testing.T) {
	// Two ring entries alias the failed first endpoint; the walk must skip
	// both and land on the ready endpoint.
	failed := &testEndpoint{addr: "backend-0", state: connectivity.TransientFailure, sc: &testSubConn{name: "sc-0"}}
	ready := &testEndpoint{addr: "backend-1", state: connectivity.Ready, sc: &testSubConn{name: "sc-1"}}
	p := &ringPicker{
		ring: []RingEntry{
			{Hash: 10, Endpoint: failed},
			{Hash: 20, Endpoint: failed},
			{Hash: 30, Endpoint: ready},
		},
		scheduleConnect: func([]Endpoint) {},
		logger:          logger.NewNopLogger(),
	}

	res, err := p.Pick(pickCtx("5"))
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if res.SubConn != ready.sc {
		t.Fatalf("walk did not skip duplicate entries of the first endpoint")
	}
}

func TestSearch_Bisection(t *testing.T) {
	_, p := newWalkPicker([]connectivity.State{
		connectivity.Ready, connectivity.Ready, connectivity.Ready,
	}, nil)

	// Ring hashes are 10, 20, 30.
	for _, tt := range []struct {
		hash uint64
		want int
	}{
		{hash: 0, want: 0},
		{hash: 5, want: 0},
		{hash: 10, want: 0},
		{hash: 11, want: 1},
		{hash: 20, want: 1},
		{hash: 25, want: 2},
		{hash: 30, want: 2},
		{hash: 31, want: 0},
		{hash: ^uint64(0), want: 0},
	} {
		if got := p.search(tt.hash); got != tt.want {
			t.Fatalf("search(%d) = %d, want %d", tt.hash, got, tt.want)
		}
	}
}

func TestPick_DistributionEqualWeights(t *testing.T) {
	a := &testEndpoint{addr: "10.0.0.1:80", state: connectivity.Ready, sc: &testSubConn{name: "a"}}
	b := &testEndpoint{addr: "10.0.0.2:80", state: connectivity.Ready, sc: &testSubConn{name: "b"}}
	ring := BuildRing([]Member{{Endpoint: a, Weight: 1}, {Endpoint: b, Weight: 1}}, 1024, 8192)
	p := &ringPicker{ring: ring, scheduleConnect: func([]Endpoint) {}, logger: logger.NewNopLogger()}

	const samples = 1000
	counts := map[balancer.SubConn]int{}
	step := ^uint64(0) / samples
	for i := uint64(0); i < samples; i++ {
		res, err := p.Pick(pickCtx(strconv.FormatUint(i*step, 10)))
		if err != nil {
			t.Fatalf("pick error: %v", err)
		}
		counts[res.SubConn]++
	}
	for _, ep := range []*testEndpoint{a, b} {
		if n := counts[ep.sc]; n < 350 || n > 650 {
			t.Fatalf("endpoint %s received %d/%d picks, want ≈half", ep.addr, n, samples)
		}
	}
}

func TestHashKey_DeterministicAndDistinct(t *testing.T) {
	if HashKey("user-42") != HashKey("user-42") {
		t.Fatal("HashKey must be deterministic")
	}
	if HashKey("user-42") == HashKey("user-43") {
		t.Fatal("distinct keys should not trivially collide")
	}
}
