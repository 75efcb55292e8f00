// Package api defines wire-format types and converters for the HTTP API. It
// translates internal job, session, and broadcaster models into
// transport-friendly DTOs that the CLI and other consumers can render without
// coupling to internal types.
//
// DTOs use camelCase JSON tags. Internal enums (jobstore.Status,
// streamproxy.Status) are exposed as lowercase strings. Timestamps use RFC3339
// with milliseconds. Job results are passed through as json.RawMessage to
// avoid double-encoding.
package api
