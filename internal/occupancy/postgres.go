package occupancy

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"vigil/internal/config"
	"vigil/internal/livecount"
)

//go:embed migrations/*.sql
var migrations embed.FS

const insertEventSQL = `INSERT INTO occupancy_events
	(stream_id, direction, entered, exited, inside, confidence, objects, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// PostgresSink appends each message to occupancy_events.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database and applies pending migrations.
func NewPostgresSink(ctx context.Context, cfg config.Postgres, logger *slog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	logger.Debug("occupancy migrations applied")
	return &PostgresSink{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply occupancy migrations: %w", err)
	}
	return nil
}

// Name implements livecount.Sink.
func (s *PostgresSink) Name() string { return "postgres" }

// Forward implements livecount.Sink.
func (s *PostgresSink) Forward(ctx context.Context, msg livecount.Message) error {
	objects := msg.Objects
	if objects == nil {
		objects = []json.RawMessage{}
	}
	encoded, err := json.Marshal(objects)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertEventSQL,
		msg.StreamID,
		msg.Direction,
		msg.Entered,
		msg.Exited,
		msg.Inside,
		msg.Confidence,
		string(encoded),
		msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert occupancy event for %s: %w", msg.StreamID, err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
