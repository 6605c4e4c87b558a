// Package checker implements the one-shot `check` command that reports the
// running and the latest version of the managed unit and exits.
package checker
