// Package server exposes the update trigger over HTTP.
//
// Routes:
//   - GET /update  runs one update (key in ?key= or X-Update-Key; ?force=1 reinstalls)
//   - GET /status  renders the persisted install state (same key)
//   - GET /healthz liveness check
package server
