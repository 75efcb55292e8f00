package streamproxy

import (
	"errors"
	"fmt"

	"vigil/internal/services"
)

var (
	// ErrNoFrame reports a live session that has not produced a frame yet.
	ErrNoFrame = fmt.Errorf("%w: no frame received yet", services.ErrNotFound)
	// ErrStreamUnavailable ends a subscription whose session stopped or failed.
	ErrStreamUnavailable = errors.New("stream unavailable")
)

func notFound(operation, streamID string) error {
	return services.Wrap(services.ErrNotFound, "streamproxy", operation, "no session for stream "+streamID, nil)
}
