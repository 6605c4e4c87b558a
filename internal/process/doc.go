// Package process runs one external command per call and streams its merged
// stdout and stderr line by line.
//
// Start returns an Execution exposing a live line channel and a deferred
// terminal Result. The channel is closed before Wait returns, so no output is
// lost or reordered relative to completion. A step exceeding its timeout is
// killed and reported with TimedOut set and a synthetic exit code.
package process
