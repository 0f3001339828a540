package balancer

import (
	"sync/atomic"

	"github.com/donnadionne/grpcbalance/grpclient/picker"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
)

// subConnEntry is the per-endpoint slot: the address used to create the
// SubConn, the last raw connectivity state, and the state reported for
// aggregation once the sticky failure rule has been applied.
type subConnEntry struct {
	addr   string
	weight uint32
	index  int
	sc     balancer.SubConn

	// rawState and seenFailureSinceReady are only touched on the balancer's
	// serializer. reportState is additionally read by pickers on arbitrary
	// goroutines, hence the atomic.
	rawState              connectivity.State
	seenFailureSinceReady bool
	reportState           atomic.Int32
}

func (e *subConnEntry) Addr() string { return e.addr }

func (e *subConnEntry) ReportState() connectivity.State {
	return connectivity.State(e.reportState.Load())
}

func (e *subConnEntry) SubConn() balancer.SubConn { return e.sc }

func (e *subConnEntry) setReportState(s connectivity.State) {
	e.reportState.Store(int32(s))
}

// endpointSet is one generation of endpoints: the ordered entry list created
// from a resolver update, the ring built over it, and the per-state counters
// the aggregation rule runs over. The live (non-shutdown) entries always
// satisfy numIdle+numConnecting+numReady+numTransientFailure == len(entries)
// once watching has started.
type endpointSet struct {
	entries []*subConnEntry
	ring    []picker.RingEntry

	numIdle             int
	numConnecting       int
	numReady            int
	numTransientFailure int
}

func newEndpointSet(entries []*subConnEntry, minRingSize, maxRingSize uint64) *endpointSet {
	members := make([]picker.Member, len(entries))
	for i, e := range entries {
		e.index = i
		members[i] = picker.Member{Endpoint: e, Weight: e.weight}
	}
	return &endpointSet{
		entries: entries,
		ring:    picker.BuildRing(members, minRingSize, maxRingSize),
	}
}

// contains reports whether entry belongs to this generation. Notifications
// from SubConns of a replaced generation must not touch the counters.
func (s *endpointSet) contains(entry *subConnEntry) bool {
	return entry.index < len(s.entries) && s.entries[entry.index] == entry
}

// observe folds a raw connectivity notification into the entry's report
// state and applies the resulting counter delta.
//
// While the entry has not failed since it was last READY, the report state
// tracks the raw state directly. Once a TRANSIENT_FAILURE is seen the report
// state sticks there, ignoring IDLE and CONNECTING, until a READY
// observation clears the bit. This keeps the aggregate from flapping through
// CONNECTING while many backends are down.
func (s *endpointSet) observe(e *subConnEntry, state connectivity.State) {
	if !e.seenFailureSinceReady {
		if state == connectivity.TransientFailure {
			e.seenFailureSinceReady = true
		}
		s.updateCounters(e.rawState, state)
		e.setReportState(state)
	} else if state == connectivity.Ready {
		e.seenFailureSinceReady = false
		s.updateCounters(connectivity.TransientFailure, state)
		e.setReportState(state)
	}
	e.rawState = state
}

// updateCounters moves one endpoint between the per-state counters. SHUTDOWN
// never reaches here; entries are detached before their SubConn is torn
// down. The IDLE->IDLE case deliberately only increments: it seeds a fresh
// entry when watching starts.
func (s *endpointSet) updateCounters(oldState, newState connectivity.State) {
	switch oldState {
	case connectivity.Idle:
		if newState != connectivity.Idle {
			s.numIdle--
		}
	case connectivity.Connecting:
		s.numConnecting--
	case connectivity.Ready:
		s.numReady--
	case connectivity.TransientFailure:
		s.numTransientFailure--
	}
	switch newState {
	case connectivity.Idle:
		s.numIdle++
	case connectivity.Connecting:
		s.numConnecting++
	case connectivity.Ready:
		s.numReady++
	case connectivity.TransientFailure:
		s.numTransientFailure++
	}
}

// aggregate computes the channel-level state from the counters and reports
// whether the policy must keep proactively connecting. The rules, first
// match wins:
//
//  1. any READY                          -> READY
//  2. any CONNECTING and fewer than 2 TF -> CONNECTING
//  3. any IDLE and fewer than 2 TF       -> IDLE, recovering
//  4. otherwise                          -> TRANSIENT_FAILURE, recovering
func (s *endpointSet) aggregate() (connectivity.State, bool) {
	switch {
	case s.numReady > 0:
		return connectivity.Ready, false
	case s.numConnecting > 0 && s.numTransientFailure < 2:
		return connectivity.Connecting, false
	case s.numIdle > 0 && s.numTransientFailure < 2:
		return connectivity.Idle, true
	default:
		return connectivity.TransientFailure, true
	}
}
