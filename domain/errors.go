package domain

import (
	"errors"
	"strings"
)

var (
	ErrInvalidBloodType       = errors.New("invalid blood type")
	ErrNotFound               = errors.New("not found")
	ErrLocationResolution     = errors.New("could not resolve hospital location")
	ErrEligibilityComputation = errors.New("eligibility computation failed")
	ErrConcurrencyConflict    = errors.New("request is no longer available")
	ErrAlreadyAccepted        = errors.New("donor already accepted this request")
	ErrSelfDonation           = errors.New("requester cannot accept their own request")
	ErrDonorIneligible        = errors.New("donor is not eligible to donate")
)

// ValidationError lists the request fields that were missing or invalid
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing or invalid fields: " + strings.Join(e.Fields, ", ")
}

// Error codes surfaced to API callers
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeLocationResolution  = "LOCATION_RESOLUTION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeAlreadyAccepted     = "ALREADY_ACCEPTED"
	CodeSelfDonation        = "SELF_DONATION"
	CodeDonorIneligible     = "DONOR_INELIGIBLE"
	CodeEligibility         = "ELIGIBILITY_COMPUTATION_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode maps an error to its machine-readable code
func ErrorCode(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr), errors.Is(err, ErrInvalidBloodType):
		return CodeValidation
	case errors.Is(err, ErrLocationResolution):
		return CodeLocationResolution
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyAccepted):
		return CodeAlreadyAccepted
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrSelfDonation):
		return CodeSelfDonation
	case errors.Is(err, ErrDonorIneligible):
		return CodeDonorIneligible
	case errors.Is(err, ErrEligibilityComputation):
		return CodeEligibility
	default:
		return CodeInternal
	}
}
