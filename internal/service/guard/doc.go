// Package guard admits at most one update at a time and enforces a cooldown
// between the completion of one update and the start of the next.
package guard
