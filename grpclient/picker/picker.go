// Package picker implements the pickers used by the ring hash balancer:
// the ring picker that maps request hashes onto a bounded consistent hash
// ring, a queue picker used while the channel is still connecting, and an
// error picker used when the channel has failed.
package picker

import (
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
)

// WeightAttributeKey is the key under which an address's weight is carried in
// resolver.Address.Attributes. The value is a uint32; addresses without the
// attribute count as weight 1 unless the balancer is configured to require
// weights.
const WeightAttributeKey = "weight"

// Endpoint is the picker-side view of a backend endpoint. Implementations are
// owned by the balancer; ReportState must be safe to call from any pick
// goroutine while the balancer mutates the endpoint on its own serializer.
type Endpoint interface {
	// Addr returns the canonical address string. It is also the ring hash
	// input for this endpoint.
	Addr() string

	// ReportState returns the endpoint's current report state, i.e. its
	// connectivity state after the sticky failure rule has been applied.
	ReportState() connectivity.State

	// SubConn returns the transport handle completed picks are routed to.
	SubConn() balancer.SubConn
}

// ConnectScheduler receives the endpoints whose connect trigger must run once
// the current pick has been decided. Implementations hop to the balancer's
// serializer; they must not connect inline on the pick goroutine.
type ConnectScheduler func(endpoints []Endpoint)
