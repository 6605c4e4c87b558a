// Package health implements the gRPC transport for update health.
//
// It exposes the standard grpc.health.v1.Health service: the overall
// service ("") is SERVING while the process runs, and the managed unit's
// service reflects the outcome of the last update run. It implements
// orchestrator.Observer to follow runs as they happen. Client probes a
// running instance, e.g. from a container healthcheck.
package health
