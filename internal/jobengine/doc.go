// Package jobengine executes analytics jobs.
//
// Create validates and persists a queued job; Run moves it to processing and
// executes it on its own goroutine under a global concurrency limit. Stream
// jobs first capture a bounded clip with ffmpeg, then every job runs the
// configured analytics worker and parses its stdout protocol. Progress,
// results, and failures are written to the job store; live detection events
// are published to the live-count broadcaster.
//
// Every caller-facing operation is tenant scoped: a Caller sees only its own
// tenant's jobs, and only its own jobs unless it is a tenant admin.
package jobengine
