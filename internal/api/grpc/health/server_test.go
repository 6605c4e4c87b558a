package health

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// dial serves s on an in-memory listener and returns a health client.
func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)

	grpcServer := grpc.NewServer()
	s.Register(grpcServer)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return healthpb.NewHealthClient(conn)
}

// check returns the serving status of service.
func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)

	return resp.GetStatus()
}

// TestServer_FollowsRuns verifies the unit status across a failed and a successful run.
func TestServer_FollowsRuns(t *testing.T) {
	t.Parallel()

	s := NewServer("app")
	client := dial(t, s)

	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "app"))

	s.PhaseChanged("run", update.PhasePulling, update.PhaseBuilding, 0)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "app"))

	s.PhaseChanged("run", update.PhaseBuilding, update.PhaseRestarting, 0)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "app"))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	s.RunFinished(&update.Run{Phase: update.PhaseFailed})
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "app"))

	s.RunFinished(&update.Run{Phase: update.PhaseSucceeded})
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "app"))

	s.Shutdown()
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))
}
