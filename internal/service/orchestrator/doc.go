// Package orchestrator drives the update lifecycle of the managed unit.
//
// The Orchestrator owns the only mutable shared state of the process: the
// current run, the last finished run, the last computed version status and
// the admission guard. It answers status queries, admits at most one update
// at a time, runs the pull, build, restart and verify phases in a background
// goroutine and fans every phase transition and output line out through a
// broadcast.Broadcaster.
//
// Lock order is always the orchestrator lock first, then the broadcaster
// lock, which lets a new subscriber receive the log so far and every later
// line without gaps or duplicates.
package orchestrator
