package occupancy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"vigil/internal/config"
	"vigil/internal/livecount"
	"vigil/internal/logging"
)

// Sink is a livecount.Sink that owns a connection.
type Sink interface {
	livecount.Sink
	Close() error
}

// Sinks is the set of opened collaborators.
type Sinks []Sink

// Forwarders adapts the set for livecount.New.
func (s Sinks) Forwarders() []livecount.Sink {
	out := make([]livecount.Sink, 0, len(s))
	for _, sink := range s {
		out = append(out, sink)
	}
	return out
}

// Names lists the sink names in order.
func (s Sinks) Names() []string {
	out := make([]string, 0, len(s))
	for _, sink := range s {
		out = append(out, sink.Name())
	}
	return out
}

// Close closes every sink and joins the errors.
func (s Sinks) Close() error {
	var errs []error
	for _, sink := range s {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open connects every enabled collaborator in cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) Sinks {
	logger = logging.NewComponentLogger(logger, "occupancy")
	var sinks Sinks
	if cfg == nil {
		return sinks
	}
	type opener struct {
		name    string
		enabled bool
		open    func() (Sink, error)
	}
	openers := []opener{
		{"mqtt", cfg.MQTT.Enabled, func() (Sink, error) { return NewMQTTSink(cfg.MQTT, logger) }},
		{"amqp", cfg.AMQP.Enabled, func() (Sink, error) { return NewAMQPSink(cfg.AMQP, logger) }},
		{"postgres", cfg.Postgres.Enabled, func() (Sink, error) { return NewPostgresSink(ctx, cfg.Postgres, logger) }},
	}
	for _, o := range openers {
		if !o.enabled {
			continue
		}
		sink, err := o.open()
		if err != nil {
			logging.WarnWithContext(logger, "occupancy sink unavailable", "occupancy_sink_unavailable",
				logging.String("sink", o.name),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the "+o.name+" settings and connectivity"),
				logging.String(logging.FieldImpact, "live counts will not reach this collaborator"),
			)
			continue
		}
		logger.Info("occupancy sink connected", logging.String("sink", o.name))
		sinks = append(sinks, sink)
	}
	return sinks
}

func encode(msg livecount.Message) ([]byte, error) {
	if msg.Objects == nil {
		msg.Objects = []json.RawMessage{}
	}
	return json.Marshal(msg)
}

// Topic returns the MQTT topic for streamID. Wildcard and level separators in
// the id are replaced.
func Topic(prefix, streamID string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_")
	return strings.Trim(prefix, "/") + "/" + r.Replace(streamID)
}

// RoutingKey returns the AMQP routing key for streamID.
func RoutingKey(prefix, streamID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", "#", "_")
	return strings.Trim(prefix, ".") + "." + r.Replace(streamID)
}
