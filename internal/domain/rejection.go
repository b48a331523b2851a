package domain

import (
	"fmt"
	"time"
)

// RejectionCode identifies why a transition was refused. Codes are stable and
// surface unchanged through the HTTP layer.
type RejectionCode string

const (
	RejectAlreadyActive       RejectionCode = "already_active"
	RejectAlreadyPaused       RejectionCode = "already_paused"
	RejectNotPaused           RejectionCode = "not_paused"
	RejectAlreadyFinished     RejectionCode = "already_finished"
	RejectCanceled            RejectionCode = "canceled"
	RejectTooFrequent         RejectionCode = "too_frequent"
	RejectNotFound            RejectionCode = "not_found"
	RejectForbidden           RejectionCode = "forbidden"
	RejectNotFinished         RejectionCode = "not_finished"
	RejectTooSoon             RejectionCode = "too_soon"
	RejectTooManyInteractions RejectionCode = "too_many_interactions"
	RejectExpired             RejectionCode = "expired"
	RejectConflictingCard     RejectionCode = "conflicting_active_card"
	RejectVersionConflict     RejectionCode = "version_conflict"
)

// Rejection is a refused state transition. It is a domain outcome, not an
// infrastructure failure: the card is unchanged and the caller should relay
// the code to the user.
type Rejection struct {
	Code RejectionCode
	// RetryAfter is set for too_frequent and too_soon.
	RetryAfter time.Duration
	// Conflict references the card occupying the uniqueness slot for
	// already_active and conflicting_active_card.
	Conflict *Card
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("transition rejected: %s (retry after %s)", r.Code, r.RetryAfter)
	}
	return fmt.Sprintf("transition rejected: %s", r.Code)
}

// Reject builds a plain rejection.
func Reject(code RejectionCode) *Rejection {
	return &Rejection{Code: code}
}
