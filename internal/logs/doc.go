// Package logs reads the daemon log file for the CLI.
//
// Tail returns the last N lines or everything after a byte offset, optionally
// filtered to lines containing a substring such as a job or stream id. Follow
// mode polls until new lines arrive or the wait elapses, so `vigil logs
// --follow` can loop on the returned offset.
package logs
