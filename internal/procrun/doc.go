// Package procrun supervises external worker processes.
//
// A Runner starts one OS process per Start call in its own process group and
// streams stdout and stderr to caller callbacks line by line. Readers push onto
// a bounded channel drained by a single dispatcher goroutine, so callbacks run
// in order and output is never buffered without limit. Handles support
// idempotent Cancel (SIGTERM, grace period, SIGKILL), an optional wall-clock
// timeout, and resource sampling for status reporting.
package procrun
