// Package rest exposes the update orchestrator to browsers and scripts over HTTP.
//
// The API serves the dashboard page, the version status, the update trigger and
// cancellation, and live progress over Server-Sent Events or WebSocket.
package rest
