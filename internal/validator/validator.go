// Package validator provides structural validation of decoded traffic records.
package validator

import (
	"fmt"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// RecordValidator checks the structural rules a well-formed record obeys.
type RecordValidator struct{}

// NewRecordValidator creates a new record validator.
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{}
}

// Validate validates a decoded traffic record.
func (v *RecordValidator) Validate(r *traffic.Record) error {
	if r.ConnectionID == "" {
		return &errors.ValidationError{
			Field:  "connection_id",
			Reason: "required field is missing",
		}
	}

	if r.Index < 1 {
		return &errors.ValidationError{
			ConnectionID: r.ConnectionID,
			Field:        "index",
			Reason:       fmt.Sprintf("must be at least 1, got %d", r.Index),
		}
	}

	if r.PriorRequestsReceived < 0 {
		return &errors.ValidationError{
			ConnectionID: r.ConnectionID,
			Field:        "prior_requests_received",
			Reason:       fmt.Sprintf("must not be negative, got %d", r.PriorRequestsReceived),
		}
	}

	return validateSegments(r)
}

// validateSegments checks that every run of segments has a single kind and
// ends with exactly one end-of-segments marker. A run may begin in an
// earlier record and end in a later one, so an open run at either edge of
// the record is accepted.
func validateSegments(r *traffic.Record) error {
	var open traffic.ObservationKind
	for i, obs := range r.Observations {
		switch {
		case obs.Kind == traffic.KindUnknown:
			return &errors.ValidationError{
				ConnectionID: r.ConnectionID,
				Field:        fmt.Sprintf("observations[%d]", i),
				Reason:       "unknown observation kind",
			}
		case obs.Kind.IsSegment():
			if open != traffic.KindUnknown && open != obs.Kind {
				return &errors.ValidationError{
					ConnectionID: r.ConnectionID,
					Field:        fmt.Sprintf("observations[%d]", i),
					Reason:       fmt.Sprintf("%s interleaved with %s", obs.Kind, open),
				}
			}
			open = obs.Kind
		case obs.Kind == traffic.KindEndOfSegments:
			if open == traffic.KindUnknown && i > 0 {
				return &errors.ValidationError{
					ConnectionID: r.ConnectionID,
					Field:        fmt.Sprintf("observations[%d]", i),
					Reason:       "end of segments without segments",
				}
			}
			open = traffic.KindUnknown
		default:
			if open != traffic.KindUnknown {
				return &errors.ValidationError{
					ConnectionID: r.ConnectionID,
					Field:        fmt.Sprintf("observations[%d]", i),
					Reason:       fmt.Sprintf("%s inside unterminated %s run", obs.Kind, open),
				}
			}
		}
	}

	if open != traffic.KindUnknown && r.Final {
		return &errors.ValidationError{
			ConnectionID: r.ConnectionID,
			Field:        "observations",
			Reason:       "final record ends inside a segment run",
		}
	}
	return nil
}
