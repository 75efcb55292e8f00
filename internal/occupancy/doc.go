// Package occupancy forwards live-count messages to external collaborators:
// an MQTT broker, a RabbitMQ topic exchange, and a PostgreSQL event table.
//
// Each sink implements livecount.Sink and is driven by the broadcaster's single
// forwarding goroutine. Collaborators that cannot be reached at startup are
// skipped with a warning so counting keeps working without them.
package occupancy
