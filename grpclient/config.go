package grpclient

import (
	"context"
	"math"
	"time"

	"github.com/donnadionne/grpcbalance/grpclient/discovery"
	"github.com/donnadionne/grpcbalance/grpclient/healthcheck"
	"github.com/donnadionne/grpcbalance/grpclient/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/attributes"
)

var (
	// WaitForReady configures the action to take when an RPC is attempted on
	// broken connections or unreachable servers. With the ring hash policy,
	// fail-fast (WaitForReady disabled) keeps pick failures visible to callers
	// instead of parking them on the channel.
	defaultWaitForReady = grpc.WaitForReady(false)

	// client-side request send limit, gRPC default is math.MaxInt32.
	// Make sure that "client-side send limit < server-side default send/recv limit"
	defaultMaxCallSendMsgSize = grpc.MaxCallSendMsgSize(2 * 1024 * 1024)

	// client-side response receive limit, gRPC default is 4MB.
	// Responses can exceed request send limits, default to MaxInt32.
	defaultMaxCallRecvMsgSize = grpc.MaxCallRecvMsgSize(math.MaxInt32)
)

// defaultCallOpts defines the default "gRPC.CallOption" list; Config
// settings override them.
var defaultCallOpts = []grpc.CallOption{defaultWaitForReady, defaultMaxCallSendMsgSize, defaultMaxCallRecvMsgSize}

// Config configures a ring hash client.
type Config struct {
	// Endpoints is a list of URLs.
	Endpoints []string

	// Attributes carries per-endpoint address attributes, keyed by endpoint.
	// The weight attribute (picker.WeightAttributeKey) drives ring
	// construction; discovery.EndpointsToAttrsMap builds this map from
	// registry records.
	Attributes map[string]*attributes.Attributes

	// MinRingSize and MaxRingSize bound the consistent hash ring. Zero
	// leaves the policy defaults (1024 and 8388608).
	MinRingSize uint64
	MaxRingSize uint64

	// RequireWeights rejects endpoint updates that carry no weight
	// attribute instead of defaulting them to weight 1.
	RequireWeights bool

	// DialTimeout is the timeout for failing to establish a connection.
	DialTimeout time.Duration

	// DialKeepAliveTime is the time after which client pings the server to see if
	// transport is alive.
	DialKeepAliveTime time.Duration

	// DialKeepAliveTimeout is the time that the client waits for a response for the
	// keep-alive probe. If the response is not received in this time, the connection is closed.
	DialKeepAliveTimeout time.Duration

	// MaxCallSendMsgSize is the client-side request send limit in bytes.
	// If 0, it defaults to 2.0 MiB (2 * 1024 * 1024).
	MaxCallSendMsgSize int

	// MaxCallRecvMsgSize is the client-side response receive limit.
	// If 0, it defaults to "math.MaxInt32".
	MaxCallRecvMsgSize int

	// DialOptions is a list of dial options for the grpc client (e.g., for
	// interceptors or credentials).
	DialOptions []grpc.DialOption

	// Context is the default client context; it can be used to cancel grpc
	// dial out and other operations that do not have an explicit context.
	Context context.Context

	PermitWithoutStream bool

	// EnableHealthCheck enables active probing of endpoints. Endpoints whose
	// probes fail are dropped from the resolver until they recover; the
	// balancer's connectivity-driven handling is unaffected.
	EnableHealthCheck bool

	// HealthCheckConfig overrides the probe parameters when
	// EnableHealthCheck is set. If nil, healthcheck.DefaultConfig() is used.
	HealthCheckConfig *healthcheck.Config

	// Discovery is the service discovery implementation. If set, the initial
	// endpoint list comes from Discovery.GetEndpoints (Endpoints and
	// Attributes are replaced by it) and endpoints are kept in sync with the
	// registry, weights included.
	Discovery discovery.Discovery

	// DiscoveryPollInterval is the poll interval used when Discovery has no
	// native watch support. If 0, defaults to 30 seconds.
	DiscoveryPollInterval time.Duration

	// OnEndpointsUpdate is an optional callback invoked with every endpoint
	// update applied from Discovery.
	OnEndpointsUpdate func(endpoints []discovery.Endpoint)

	// Logger is the logger implementation to use for client logging.
	// If nil, a default logger with Info level will be used.
	// Use logger.NewNopLogger() to disable logging entirely.
	Logger logger.Logger
}
