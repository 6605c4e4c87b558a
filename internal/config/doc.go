// Package config defines the compose-updater settings and provides helpers to
// load, validate, default and save them in YAML format.
//
// A Config names the single managed unit (container + compose project), the
// upstream release repository, the pipeline step commands with their
// timeouts and the update cooldown.
package config
