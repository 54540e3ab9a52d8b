package exec

import (
	"errors"

	"github.com/quantal/execore/internal/venue"
)

// AmbiguousError wraps a commit-phase failure whose outcome is unknown:
// the buy may have reached the venue even though no ack arrived. Callers
// must keep the risk reservation; the open-contract stream settles the
// attempt either way.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string { return "commit outcome unknown: " + e.Err.Error() }

func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsAmbiguous reports whether err carries an unresolved commit outcome.
func IsAmbiguous(err error) bool {
	var a *AmbiguousError
	return errors.As(err, &a)
}

// markAmbiguous wraps commit errors whose outcome the venue never
// confirmed. Definitive declines (rejects, a repriced offer) pass through
// untouched.
func markAmbiguous(ve *venue.Error) error {
	switch ve.Code {
	case venue.CodeWSTimeout, venue.CodeWSNetwork, venue.CodeUnknown:
		return &AmbiguousError{Err: ve}
	}
	return ve
}
