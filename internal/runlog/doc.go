// Package runlog writes an append-only NDJSON record of update runs.
//
// Each run logs a start record, a timed stage/stage_done pair per pipeline
// step (resolve, fetch, install) and a result record, all keyed by run id.
// The log is optional; a nil *Logger discards everything.
package runlog
