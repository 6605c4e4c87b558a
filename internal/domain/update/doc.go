// Package update contains the core domain types of the update orchestrator.
//
// It defines the pipeline Phase enumeration, the UpdateRun record with its
// output log, the VersionStatus computed on demand, the guard state, the
// progress Event fanned out to observers and the point-in-time Snapshot.
// Clone helpers keep callers from sharing mutable state with the orchestrator.
package update
