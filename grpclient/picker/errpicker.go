package picker

import (
	"google.golang.org/grpc/balancer"
)

// NewErrPicker returns a Picker that always returns err on Pick(). Passing
// balancer.ErrNoSubConnAvailable yields a queue picker: the channel holds
// picks until a new picker is published.
func NewErrPicker(err error) balancer.Picker {
	return &errPicker{err: err}
}

type errPicker struct {
	err error // Pick() always returns this err.
}

func (p *errPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
