// Package notifications delivers job events via ntfy.
//
// The service posts plain-text messages to the topic URL configured in
// [notifications] and degrades to a no-op when no topic is set. Per-event
// toggles let operators silence completions while keeping failure alerts.
package notifications
