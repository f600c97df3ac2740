// Package fsops holds the filesystem error type and a rename journal shared
// by the fetch and install stages.
package fsops
