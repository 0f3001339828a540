// Copyright 2021 The etcd Authors
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

// Package resolver implements the manual resolver that pushes weighted
// address lists into the channel for the ring hash policy to consume.
package resolver

import (
	"math"

	"github.com/donnadionne/grpcbalance/grpclient/endpoint"
	"github.com/donnadionne/grpcbalance/grpclient/logger"
	"github.com/donnadionne/grpcbalance/grpclient/picker"

	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
)

const (
	Scheme = "ring-endpoints"
)

// WeightedResolver is a Resolver (and resolver.Builder) that can be updated
// with fresh endpoint lists through SetEndpoints. Endpoint weights and any
// discovery metadata travel in the per-address attributes map.
//
// Before a list is pushed, each address's weight attribute is normalized to
// the uint32 the ring builder consumes: integer-typed weights from foreign
// registries are converted, and addresses carrying an explicit non-positive
// or overflowing weight are dropped here, so they never occupy ring space.
// Addresses without a weight attribute pass through untouched; whether they
// default to weight 1 or reject the update is the balancer's call.
type WeightedResolver struct {
	endpoints  []string
	attributes map[string]*attributes.Attributes
	cc         resolver.ClientConn
	logger     logger.Logger
}

func NewWeightedResolver(endpoints []string, attributes map[string]*attributes.Attributes) *WeightedResolver {
	wr := &WeightedResolver{
		endpoints:  endpoints,
		attributes: attributes,
		logger:     logger.GetDefaultLogger(),
	}
	resolver.Register(wr)
	return wr
}

func (r *WeightedResolver) Scheme() string {
	return Scheme
}

// Build returns itself for Resolver, because it's both a builder and a resolver.
func (r *WeightedResolver) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	r.cc = cc
	r.updateState()
	return r, nil
}

// SetEndpoints pushes a new weighted address list. An empty list is pushed
// as-is: the balancer reports the channel failed until endpoints return.
func (r *WeightedResolver) SetEndpoints(endpoints []string, attributes map[string]*attributes.Attributes) {
	r.endpoints = endpoints
	r.attributes = attributes
	r.updateState()
}

func (r *WeightedResolver) updateState() {
	if r.cc == nil {
		return
	}
	addresses := make([]resolver.Address, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		attrs, ok := normalizeWeight(r.attributes[ep])
		if !ok {
			r.logger.Warnf("WeightedResolver: dropping endpoint %s with non-positive or overflowing weight", ep)
			continue
		}
		addr, serverName := endpoint.Interpret(ep)
		addresses = append(addresses, resolver.Address{
			Addr:       addr,
			ServerName: serverName,
			Attributes: attrs,
		})
	}
	r.cc.UpdateState(resolver.State{
		Addresses: addresses,
	})
}

// normalizeWeight coerces a weight attribute to uint32. The second return is
// false when the address must be dropped: an explicit zero, negative or
// overflowing weight would either be filtered by the balancer anyway or
// corrupt the ring proportions.
func normalizeWeight(attrs *attributes.Attributes) (*attributes.Attributes, bool) {
	if attrs == nil {
		return nil, true
	}
	v := attrs.Value(picker.WeightAttributeKey)
	if v == nil {
		return attrs, true
	}
	var w int64
	switch n := v.(type) {
	case uint32:
		return attrs, n > 0
	case int:
		w = int64(n)
	case int32:
		w = int64(n)
	case int64:
		w = n
	case uint64:
		if n > math.MaxUint32 {
			return nil, false
		}
		w = int64(n)
	default:
		// Unknown weight type: leave it to the balancer, which treats it like
		// a missing weight.
		return attrs, true
	}
	if w <= 0 || w > math.MaxUint32 {
		return nil, false
	}
	return attrs.WithValue(picker.WeightAttributeKey, uint32(w)), true
}

// ResolveNow is a noop: the list only changes when SetEndpoints pushes one.
// The balancer still calls this on endpoint failure; discovery-driven setups
// react through their own watch channels instead.
func (r *WeightedResolver) ResolveNow(o resolver.ResolveNowOptions) {
}

// Close is a noop for Resolver.
func (r *WeightedResolver) Close() {}
