// Package config loads and validates runtime configuration for packsync.
//
// Configuration is read from `packsync.yaml` (in `.` or `config/`, or an
// explicit path) and can be overridden via PACKSYNC_* environment variables
// (see `internal/config/config.go` for keys).
package config
