// Package state tracks which server pack is installed and how the last update
// run ended. State is mutex-guarded and persisted as JSON next to the
// downloads so a restarted process still knows what is on disk.
package state
