package picker

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// RequestHashAttribute is the name of the per-call attribute consumed by the
// ring picker. Its value is a string holding a decimal unsigned 64-bit
// integer; picks without it (or with a non-numeric value) fail with
// codes.Internal.
const RequestHashAttribute = "request_ring_hash"

type requestHashKey struct{}

// SetRequestHash returns a context carrying value as the request_ring_hash
// call attribute for all RPCs issued with the returned context.
func SetRequestHash(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, requestHashKey{}, value)
}

// RequestHash extracts the request_ring_hash call attribute from ctx.
func RequestHash(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestHashKey{}).(string)
	return v, ok
}

// HashKey digests an arbitrary routing key into a request hash value with
// XXH64 seed 0, the same function used for ring construction.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}
