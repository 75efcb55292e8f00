package occupancy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"vigil/internal/config"
	"vigil/internal/livecount"
	"vigil/internal/logging"
)

// AMQPSink publishes each message to a durable topic exchange with routing key
// <routing_prefix>.<streamId>.
type AMQPSink struct {
	logger   *slog.Logger
	url      string
	exchange string
	prefix   string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(cfg config.AMQP, logger *slog.Logger) (*AMQPSink, error) {
	s := &AMQPSink{
		logger:   logger,
		url:      cfg.URL,
		exchange: cfg.Exchange,
		prefix:   cfg.RoutingPrefix,
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		s.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", s.exchange, err)
	}
	s.conn = conn
	s.ch = ch
	return nil
}

// Name implements livecount.Sink.
func (s *AMQPSink) Name() string { return "amqp" }

// Forward implements livecount.Sink. A closed connection is redialed once.
func (s *AMQPSink) Forward(ctx context.Context, msg livecount.Message) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		s.logger.Info("amqp connection closed, redialing", logging.String("exchange", s.exchange))
		if err := s.connect(); err != nil {
			return err
		}
	}
	key := RoutingKey(s.prefix, msg.StreamID)
	err = s.ch.PublishWithContext(ctx,
		s.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", key, err)
	}
	return nil
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.ch != nil {
		err = s.ch.Close()
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	s.ch, s.conn = nil, nil
	return err
}
