package strait

import (
	"errors"
	"fmt"
)

var (
	// ErrSignalRejected marks an inbound signal dropped by validation.
	// Callers log and discard; no state mutation has occurred.
	ErrSignalRejected = errors.New("signal rejected")

	// ErrIdenticalKeys is returned when a role is requested for two
	// identical pubkeys. This is caller misuse, never a runtime condition.
	ErrIdenticalKeys = errors.New("identical pubkeys")

	// ErrSessionNotFound is returned by send helpers that require an
	// existing session record.
	ErrSessionNotFound = errors.New("session not found")
)

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSignalRejected, fmt.Sprintf(format, args...))
}
