package procrun

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vigil/internal/services"
)

// ErrCanceled is returned by Wait when the process was stopped through Cancel
// or its start context.
var ErrCanceled = errors.New("process canceled")

// SpawnError reports that the process could not be started at all (missing
// binary, permission denied).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{services.ErrProcessSpawn, e.Err} }

// ExitError reports a non-zero exit together with the captured stderr tail.
type ExitError struct {
	Command string
	Code    int
	Signal  string
	Stderr  []string
}

func (e *ExitError) Error() string {
	var b strings.Builder
	b.WriteString(e.Command)
	if e.Signal != "" {
		b.WriteString(" terminated by signal ")
		b.WriteString(e.Signal)
	} else {
		fmt.Fprintf(&b, " exited with code %d", e.Code)
	}
	if len(e.Stderr) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Stderr, " | "))
	}
	return b.String()
}

func (e *ExitError) Unwrap() error { return services.ErrProcessExit }

// TimeoutError reports that the wall-clock limit elapsed and the process was
// terminated.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded timeout of %s", e.Command, e.After)
}

func (e *TimeoutError) Unwrap() error { return services.ErrProcessTimeout }
