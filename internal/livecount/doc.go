// Package livecount fans out detection events from running workers to
// real-time subscribers and forwards them to occupancy collaborators.
//
// Every stream keeps running entered/exited tallies. Publish never blocks: a
// subscriber whose buffer is full loses its oldest queued message, and the
// forwarding queue drains to sinks on its own goroutine with the same policy.
package livecount
