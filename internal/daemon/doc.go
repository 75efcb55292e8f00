// Package daemon coordinates the long-running Vigil process.
//
// It wires configuration, job storage, the job engine, the stream proxy, and
// the live-count broadcaster into a single lifecycle with flock-based locking
// to prevent multiple instances. The daemon serves the HTTP and WebSocket API,
// recovers jobs interrupted by a previous run, and emits dependency health
// summaries for the status endpoint.
//
// Keep orchestration logic here: job execution and stream supervision live in
// their own packages while the daemon focuses on startup, shutdown, and
// request routing.
package daemon
