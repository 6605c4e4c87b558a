package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultCallTimeout bounds a single health check.
const DefaultCallTimeout = 5 * time.Second

var (
	// errAddressRequired is returned when no address is given.
	errAddressRequired = errors.New("address must be provided")
	// ErrNotServing is returned by Probe for any status other than SERVING.
	ErrNotServing = errors.New("service is not serving")
)

// Client queries the health service of a running compose-updater.
type Client struct {
	// conn is the underlying gRPC connection.
	conn *grpc.ClientConn
	// api is the generated health client.
	api healthpb.HealthClient
	// callTimeout is the default timeout of one check.
	callTimeout time.Duration
	// dialOptions are appended to the transport defaults.
	dialOptions []grpc.DialOption
}

// ClientOption configures client behaviour.
type ClientOption func(*Client)

// WithCallTimeout sets a default timeout for health checks.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithDialOptions adds gRPC dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// Dial creates a client for address. The connection is plaintext; the health
// endpoint is meant for the local host or a trusted network.
func Dial(address string, opts ...ClientOption) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	client := &Client{callTimeout: DefaultCallTimeout}

	for _, opt := range opts {
		opt(client)
	}

	dialOptions := append(
		[]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		client.dialOptions...,
	)

	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial health endpoint: %w", err)
	}

	client.conn = conn
	client.api = healthpb.NewHealthClient(conn)

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Check returns the serving status of service; "" is the process itself.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("check health of %q: %w", service, err)
	}

	return resp.GetStatus(), nil
}

// Probe fails with ErrNotServing unless service reports SERVING.
func (c *Client) Probe(ctx context.Context, service string) error {
	status, err := c.Check(ctx, service)
	if err != nil {
		return err
	}

	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %q is %s", ErrNotServing, service, status)
	}

	return nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
