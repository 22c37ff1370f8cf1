package learning

import (
	"errors"

	"github.com/hyperengineering/citytailor/internal/rules"
	"github.com/hyperengineering/citytailor/internal/types"
)

var (
	// ErrInvalidEventType rejects a submission whose type is not a known event type.
	// Nothing is enqueued.
	ErrInvalidEventType = types.ErrInvalidEventType

	// ErrReservedUserID rejects a user id that falls in the session namespace.
	ErrReservedUserID = rules.ErrReservedUserID

	// ErrMalformedPayload marks an accepted event whose payload cannot be learned from.
	// The event is dropped during processing with a warning.
	ErrMalformedPayload = errors.New("malformed event payload")

	ErrEngineStopped    = errors.New("learning engine stopped")
	ErrEngineNotStarted = errors.New("learning engine not started")
)

func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}
