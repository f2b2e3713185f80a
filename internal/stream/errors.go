package stream

import (
	"errors"
	"fmt"

	"github.com/coachpo/meltica-ws/errs"
	"github.com/coachpo/meltica-ws/internal/listenkey"
)

// ErrStreamNotFound is matched by errors.Is on every unknown-stream error.
var ErrStreamNotFound = errors.New("stream not found")

// StreamRecoveryError reports a stream that crashed with a failure no restart can repair.
type StreamRecoveryError struct {
	StreamID string
	Reason   string
	Err      error
}

func (e *StreamRecoveryError) Error() string {
	return fmt.Sprintf("stream %s is not repairable: %s", e.StreamID, e.Reason)
}

func (e *StreamRecoveryError) Unwrap() error { return e.Err }

// IsUnrecoverable reports whether err describes a failure that restarting cannot fix.
func IsUnrecoverable(err error) bool {
	var recovery *StreamRecoveryError
	if errors.As(err, &recovery) {
		return true
	}
	return unrecoverable(err)
}

func unrecoverable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := listenkey.FatalCode(err); ok {
		return true
	}
	return errs.HasCode(err, errs.CodeUnrecoverable) ||
		errs.HasCode(err, errs.CodeLimitExceeded) ||
		errs.HasCode(err, errs.CodeInvalid) ||
		errs.HasCode(err, errs.CodeAuth) ||
		errs.HasCanonical(err, errs.CanonicalCapabilityMissing)
}

func (m *Manager) notFound(id string) error {
	return errs.New(m.ep.Exchange, errs.CodeNotFound,
		errs.WithMessage("unknown stream id "+id),
		errs.WithStream(id),
		errs.WithCanonicalCode(errs.CanonicalStreamNotFound),
		errs.WithCause(ErrStreamNotFound))
}
