package picker

import (
	"strconv"

	"github.com/donnadionne/grpcbalance/grpclient/logger"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

// NewRingPicker returns a picker over a sorted ring. The picker is an
// immutable snapshot: the ring slice must not be mutated after this call.
// Endpoint report states are read live through the Endpoint handles.
// scheduleConnect receives the connect batch collected during a pick; it is
// invoked after the pick result has been decided, never while choosing.
func NewRingPicker(ring []RingEntry, scheduleConnect ConnectScheduler, log logger.Logger) balancer.Picker {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	log.Debugf("RingPicker built with %d ring entries", len(ring))
	return &ringPicker{
		ring:            ring,
		scheduleConnect: scheduleConnect,
		logger:          log,
	}
}

type ringPicker struct {
	// ring is the snapshot taken when this picker was created. The slice is
	// immutable; only the endpoints' report states change underneath it.
	ring []RingEntry

	scheduleConnect ConnectScheduler
	logger          logger.Logger
}

func (p *ringPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	h, err := requestHash(info)
	if err != nil {
		return balancer.PickResult{}, err
	}

	first := p.search(h)

	// Connect triggers collected while walking the ring run after the pick
	// returns, on the balancer's serializer, so transport code never runs
	// under the data-plane pick path.
	var batch []Endpoint
	defer func() {
		if len(batch) > 0 {
			p.scheduleConnect(batch)
		}
	}()

	entry := p.ring[first]
	switch entry.Endpoint.ReportState() {
	case connectivity.Ready:
		return balancer.PickResult{SubConn: entry.Endpoint.SubConn()}, nil
	case connectivity.Idle:
		batch = append(batch, entry.Endpoint)
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	case connectivity.Connecting:
		// A connect is already in flight; queue without scheduling another.
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}

	// The first choice is in TRANSIENT_FAILURE. Kick it and walk the ring for
	// a usable endpoint, making sure the right set of connection attempts
	// happens along the way so the channel can escape a dead quiescence.
	batch = append(batch, entry.Endpoint)
	var (
		firstEndpoint       = entry.Endpoint
		foundSecond         bool
		foundFirstNonFailed bool
	)
	n := len(p.ring)
	for i := 1; i < n; i++ {
		e := p.ring[(first+i)%n]
		if e.Endpoint == firstEndpoint {
			continue
		}
		st := e.Endpoint.ReportState()
		switch st {
		case connectivity.Ready:
			return balancer.PickResult{SubConn: e.Endpoint.SubConn()}, nil
		case connectivity.Connecting:
			if !foundSecond {
				return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
			}
		}
		foundSecond = true
		if !foundFirstNonFailed {
			switch st {
			case connectivity.TransientFailure:
				batch = append(batch, e.Endpoint)
			case connectivity.Idle:
				batch = append(batch, e.Endpoint)
				foundFirstNonFailed = true
			default:
				foundFirstNonFailed = true
			}
		}
	}
	if foundFirstNonFailed {
		// Some endpoint is not failed and a connect is rolling toward it;
		// queue rather than fail so the retry finds it connecting.
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}
	p.logger.Debugf("RingPicker: every endpoint failed, hash %d", h)
	return balancer.PickResult{}, status.Error(codes.Unavailable,
		"ring hash found a subchannel that is in TRANSIENT_FAILURE state")
}

// requestHash pulls the request_ring_hash call attribute out of the pick's
// context and parses it as a decimal uint64.
func requestHash(info balancer.PickInfo) (uint64, error) {
	v, ok := RequestHash(info.Ctx)
	if !ok {
		return 0, status.Error(codes.Internal, "ring hash value is not a number")
	}
	h, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, status.Error(codes.Internal, "ring hash value is not a number")
	}
	return h, nil
}

// search locates the first ring index whose hash is >= h, wrapping to 0 past
// the maximum. Ported from ketama's ketama_get_server; the bisection depends
// on signed index arithmetic.
func (p *ringPicker) search(h uint64) int {
	var (
		lowp  int64
		highp = int64(len(p.ring))
		first int64
	)
	for {
		first = (lowp + highp) / 2
		if first == int64(len(p.ring)) {
			return 0
		}
		midval := p.ring[first].Hash
		var midval1 uint64
		if first != 0 {
			midval1 = p.ring[first-1].Hash
		}
		if h <= midval && h > midval1 {
			return int(first)
		}
		if midval < h {
			lowp = first + 1
		} else {
			highp = first - 1
		}
		if lowp > highp {
			return 0
		}
	}
}
