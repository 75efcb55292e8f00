// Package preflight provides readiness checks for the filesystem paths,
// external binaries, and collaborator endpoints Vigil depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs failures without refusing to
//     start, since streams can still be served when a sink is down.
//   - The status endpoint and "vigil status" report CheckSystemDeps alongside
//     the RunAll results.
//
// Each collaborator check is gated by its config toggle; disabled features are
// skipped.
package preflight
