package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// TestDial_ValidatesAddress verifies that Dial rejects empty addresses.
func TestDial_ValidatesAddress(t *testing.T) {
	t.Parallel()

	c, err := Dial("")
	require.ErrorIs(t, err, errAddressRequired)
	require.Nil(t, c)
}

// TestClient_callContext checks timeout vs cancel-only behavior of callContext.
func TestClient_callContext(t *testing.T) {
	t.Parallel()

	c := &Client{callTimeout: 0}

	ctx, cancel := c.callContext(context.Background())
	cancel()

	_, ok := ctx.Deadline()
	require.False(t, ok)

	c.callTimeout = 10 * time.Millisecond

	ctx, cancel = c.callContext(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 30*time.Millisecond)
}

// TestClient_Probe follows the unit status through the client.
func TestClient_Probe(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)

	s := NewServer("app")
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	t.Cleanup(grpcServer.Stop)

	client, err := Dial("passthrough:///bufnet",
		WithCallTimeout(time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	ctx := context.Background()

	require.NoError(t, client.Probe(ctx, ""))
	require.NoError(t, client.Probe(ctx, "app"))

	s.RunFinished(&update.Run{Phase: update.PhaseFailed})
	require.ErrorIs(t, client.Probe(ctx, "app"), ErrNotServing)
	require.NoError(t, client.Probe(ctx, ""))

	// Unknown services are reported as errors by the standard implementation.
	require.Error(t, client.Probe(ctx, "other"))
}
