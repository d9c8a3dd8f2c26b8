package turnstile

import (
	"errors"
	"fmt"

	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/ingest"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("turnstile: not found")
	ErrAlreadyExists = errors.New("turnstile: already exists")
	ErrInvalidInput  = errors.New("turnstile: invalid input")

	// Event errors
	ErrEventNotFound = event.ErrNotFound
	ErrDedupKeyTaken = event.ErrDedupKeyTaken

	// Ingestion errors
	ErrSchema           = ingest.ErrSchema
	ErrUnregisteredType = ingest.ErrUnregisteredType
	ErrSignature        = ingest.ErrSignature
	ErrDelegation       = ingest.ErrDelegation
	ErrNotAuthorized    = ingest.ErrNotAuthorized
	ErrTimestampSkew    = ingest.ErrTimestampSkew
	ErrDedupConflict    = ingest.ErrDedupConflict
	ErrBatchTooLarge    = ingest.ErrBatchTooLarge
	ErrIngestTimeout    = ingest.ErrTimeout

	// Identity errors
	ErrUnknownIdentity = identity.ErrUnknownIdentity
	ErrNoSubscription  = identity.ErrNoSubscription
	ErrProofExpired    = identity.ErrProofExpired
	ErrProofInvalid    = identity.ErrProofInvalid

	// Enforcement errors
	ErrStateUnavailable    = enforce.ErrStateUnavailable
	ErrReservationNotFound = enforce.ErrReservationNotFound
	ErrReservationExpired  = enforce.ErrReservationExpired
	ErrReservationDenied   = enforce.ErrReservationDenied

	// Organization errors
	ErrOrganizationNotFound = errors.New("turnstile: organization not found")
	ErrOrganizationDeleted  = errors.New("turnstile: organization is deleted")
	ErrOrganizationCycle    = errors.New("turnstile: organization parent chain contains a cycle")
	ErrInvalidMode          = errors.New("turnstile: invalid inheritance mode")

	// Quota rule errors
	ErrRuleNotFound  = errors.New("turnstile: quota rule not found")
	ErrInvalidRule   = errors.New("turnstile: invalid quota rule")
	ErrRuleOwnerBoth = errors.New("turnstile: rule cannot have both an organization and a subscription owner")
	ErrRuleOwnerless = errors.New("turnstile: rule must have an owner")
	ErrInvalidPeriod = errors.New("turnstile: invalid quota period")
	ErrInvalidPolicy = errors.New("turnstile: invalid overflow policy")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("turnstile: subscription not found")
	ErrSubscriptionInactive = errors.New("turnstile: subscription is not active")

	// Store errors
	ErrStoreNotReady     = errors.New("turnstile: store not ready")
	ErrStoreClosed       = errors.New("turnstile: store is closed")
	ErrTransactionFailed = errors.New("turnstile: transaction failed")
	ErrMigrationFailed   = errors.New("turnstile: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("turnstile: validation failed for %s: %s", e.Field, e.Message)
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "turnstile: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("turnstile: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrReservationNotFound)
}

// IsTerminalRejection returns true if the error is a terminal ingestion
// rejection: the caller must fix the submission, retrying is pointless.
func IsTerminalRejection(err error) bool {
	return errors.Is(err, ErrSchema) ||
		errors.Is(err, ErrUnregisteredType) ||
		errors.Is(err, ErrSignature) ||
		errors.Is(err, ErrDelegation) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrTimestampSkew) ||
		errors.Is(err, ErrDedupConflict)
}

// IsSecuritySignal returns true if the error indicates a possible
// attack rather than a malformed request.
func IsSecuritySignal(err error) bool {
	return errors.Is(err, ErrSignature) ||
		errors.Is(err, ErrDelegation) ||
		errors.Is(err, ErrProofInvalid) ||
		errors.Is(err, ErrDedupConflict)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrStateUnavailable) ||
		errors.Is(err, ingest.ErrStoreUnavailable) ||
		errors.Is(err, ErrIngestTimeout)
}
