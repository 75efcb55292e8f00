// Package services defines shared utilities consumed by the job engine, the
// stream proxy and the daemon's HTTP layer.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stream IDs, tenants, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified (KindOf) and translated into HTTP status codes without string
//     matching.
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability) stays uniform across the daemon.
package services
