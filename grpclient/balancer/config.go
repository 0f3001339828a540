package balancer

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc/serviceconfig"
)

// Name is the registry key of the ring hash policy.
const Name = "ring_hash_experimental"

const (
	defaultMinRingSize = 1024
	defaultMaxRingSize = 8388608

	// ringSizeCap bounds both configured ring sizes.
	ringSizeCap = 8388608
)

// LBConfig is the service config consumed by the ring hash policy:
//
//	{"loadBalancingConfig": [{"ring_hash_experimental":
//	    {"min_ring_size": 1024, "max_ring_size": 8388608}}]}
type LBConfig struct {
	serviceconfig.LoadBalancingConfig `json:"-"`

	MinRingSize uint64 `json:"min_ring_size,omitempty"`
	MaxRingSize uint64 `json:"max_ring_size,omitempty"`

	// RequireWeights rejects resolver updates carrying addresses without a
	// weight attribute instead of defaulting them to weight 1.
	RequireWeights bool `json:"require_weights,omitempty"`
}

// parseConfig unmarshals and validates an LBConfig. Omitted sizes take the
// defaults; all range violations are reported in one aggregated error and
// leave the previous config untouched.
func parseConfig(js json.RawMessage) (*LBConfig, error) {
	cfg := &LBConfig{
		MinRingSize: defaultMinRingSize,
		MaxRingSize: defaultMaxRingSize,
	}
	if err := json.Unmarshal(js, cfg); err != nil {
		return nil, fmt.Errorf("ring_hash_experimental: unable to unmarshal config %s: %v", string(js), err)
	}
	var problems []string
	if cfg.MinRingSize < 1 || cfg.MinRingSize > ringSizeCap {
		problems = append(problems, fmt.Sprintf("min_ring_size %d must be in the range of 1 to %d", cfg.MinRingSize, ringSizeCap))
	}
	if cfg.MaxRingSize < 1 || cfg.MaxRingSize > ringSizeCap {
		problems = append(problems, fmt.Sprintf("max_ring_size %d must be in the range of 1 to %d", cfg.MaxRingSize, ringSizeCap))
	}
	if len(problems) == 0 && cfg.MinRingSize > cfg.MaxRingSize {
		problems = append(problems, fmt.Sprintf("max_ring_size %d cannot be smaller than min_ring_size %d", cfg.MaxRingSize, cfg.MinRingSize))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("ring_hash_experimental config: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}
