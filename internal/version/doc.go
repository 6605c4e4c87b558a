// Package version exposes build metadata of compose-updater.
//
// Version, Commit and BuildTime are injected at build time via Go ldflags.
// The package renders them for the CLI, the HTTP API and the User-Agent sent
// to the release registry.
package version
