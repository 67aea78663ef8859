package model

import "errors"

// Error taxonomy shared by every layer. Packages wrap these with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is.
var (
	// ErrValidation marks empty or malformed input. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks a rejected admin credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrWindowClosed is returned when an order arrives outside trading hours.
	ErrWindowClosed = errors.New("trading window closed")

	// ErrQuotaExceeded is returned when an order would break the exposure cap.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNotFound marks a missing row, most importantly a missing price point.
	ErrNotFound = errors.New("not found")

	// ErrOrderSettled is returned when a submission targets a bucket whose
	// order has already been settled.
	ErrOrderSettled = errors.New("order already settled")

	// ErrConcurrentSettlement is returned when the settled flag of a due
	// order changed under a running settlement. The transaction is rolled back.
	ErrConcurrentSettlement = errors.New("concurrent settlement detected")
)

// IsUserFacing reports whether err is recovered at the boundary and turned
// into a reply rather than reported to the operator.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrWindowClosed) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrOrderSettled)
}
