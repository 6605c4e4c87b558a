package health

import (
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// Server publishes the health of the process and of the managed unit.
type Server struct {
	// health is the standard health implementation.
	health *grpchealth.Server
	// unit is the service name reporting the managed unit.
	unit string
}

// NewServer creates a server reporting both services as SERVING.
func NewServer(unit string) *Server {
	s := &Server{
		health: grpchealth.NewServer(),
		unit:   unit,
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(unit, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Register attaches the health service to a gRPC server.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, s.health)
}

// PhaseChanged implements orchestrator.Observer. The unit is not serving
// while it is being recreated.
func (s *Server) PhaseChanged(_ string, _, to update.Phase, _ time.Duration) {
	if to == update.PhaseRestarting {
		s.health.SetServingStatus(s.unit, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// RunFinished implements orchestrator.Observer.
func (s *Server) RunFinished(run *update.Run) {
	status := healthpb.HealthCheckResponse_SERVING
	if run.Phase != update.PhaseSucceeded {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus(s.unit, status)
}

// Shutdown reports every service as NOT_SERVING and ignores later updates.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}
