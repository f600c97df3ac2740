// Package update composes the provider, fetch and install stages into one
// update run guarded by a single-slot lock.
package update
