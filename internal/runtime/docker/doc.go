// Package docker reads the state of the managed container through the docker CLI.
//
// The Inspector never talks to the daemon socket directly: every call goes
// through a process.Runner, which keeps the dependency on the container
// runtime to a single binary and lets tests substitute a fake runtime.
package docker
