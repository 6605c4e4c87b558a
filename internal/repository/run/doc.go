// Package run implements persistence for the last finished update run.
//
// The FileRepository stores and loads the run as YAML on disk and exposes a
// Repository interface that the orchestrator depends on, so the dashboard can
// show the outcome of the last update after a process restart.
package run
