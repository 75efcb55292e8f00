// Command vigil runs the video-analytics daemon and talks to it over HTTP.
//
// `vigil daemon` runs in the foreground; `vigil start` and `vigil stop` manage
// a background instance. The jobs, stream, and status commands call the daemon
// API with the bearer token from --token or VIGIL_TOKEN. Pass --json to any
// read command for machine-readable output.
package main
