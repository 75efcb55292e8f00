package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProcessSpawn     = errors.New("process spawn error")
	ErrProcessExit      = errors.New("process exit error")
	ErrProcessTimeout   = errors.New("process timeout")
	ErrParse            = errors.New("parse error")
	ErrDuplicateSession = errors.New("duplicate session")
	ErrNotFound         = errors.New("not found")
	ErrAuthorization    = errors.New("authorization error")
	ErrCaptureEmpty     = errors.New("capture empty")
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
	ErrConfiguration    = errors.New("configuration error")
	ErrTransient        = errors.New("transient failure")
)

// MaxMessageBytes bounds error text surfaced to API clients and persisted on jobs.
const MaxMessageBytes = 2000

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

var kinds = []struct {
	marker error
	kind   string
}{
	{ErrCaptureEmpty, "capture_empty"},
	{ErrProcessSpawn, "process_spawn"},
	{ErrProcessTimeout, "process_timeout"},
	{ErrProcessExit, "process_exit"},
	{ErrParse, "parse"},
	{ErrDuplicateSession, "duplicate_session"},
	{ErrAuthorization, "authorization"},
	{ErrNotFound, "not_found"},
	{ErrValidation, "validation"},
	{ErrConflict, "conflict"},
	{ErrConfiguration, "configuration"},
	{ErrTransient, "transient"},
}

// KindOf maps an error to the stable kind string stored alongside failed jobs.
// Markers are checked in priority order so a capture failure that also carries
// a process error reports as capture_empty.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.marker) {
			return k.kind
		}
	}
	return "internal"
}

// Truncate shortens message to at most MaxMessageBytes, marking the cut.
func Truncate(message string) string {
	message = strings.TrimSpace(message)
	if len(message) <= MaxMessageBytes {
		return message
	}
	const marker = "... (truncated)"
	cut := MaxMessageBytes - len(marker)
	for cut > 0 && !isRuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + marker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
