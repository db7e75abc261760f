package core

import "errors"

// Error taxonomy for the ClawNet core engine. Sentinel values are wrapped
// with context via fmt.Errorf("...: %w", ErrX) at the call site so callers
// can still errors.Is against them.
var (
	ErrBadSignature                  = errors.New("clawnet: bad signature")
	ErrHashMismatch                  = errors.New("clawnet: hash mismatch")
	ErrMalformedDid                  = errors.New("clawnet: malformed did")
	ErrNonceGap                      = errors.New("clawnet: nonce gap")
	ErrPrevMismatch                  = errors.New("clawnet: prev mismatch")
	ErrResourceConflict              = errors.New("clawnet: resource conflict")
	ErrInvalidTransition             = errors.New("clawnet: invalid state transition")
	ErrDuplicateEvent                = errors.New("clawnet: duplicate event")
	ErrStoreIO                       = errors.New("clawnet: store io error")
	ErrCanonicalization              = errors.New("clawnet: canonicalization error")
	ErrTicketInvalid                 = errors.New("clawnet: ticket invalid")
	ErrTicketExpired                 = errors.New("clawnet: ticket expired")
	ErrSnapshotInsufficientSignatures = errors.New("clawnet: snapshot insufficient signatures")
	ErrSnapshotDivergence            = errors.New("clawnet: snapshot tail replay diverged")
	ErrCancelled                     = errors.New("clawnet: cancelled")
	ErrTimeout                       = errors.New("clawnet: timeout")

	// ErrNotFound is a store-level sentinel distinct from the protocol
	// taxonomy above; it signals an absent key, not a protocol failure.
	ErrNotFound = errors.New("clawnet: not found")
)

// CodeOf maps an error to the single-word code printed by the CLI as
// "[clawtoken] <code>: <message>". Unrecognized errors map to "Internal".
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "BadSignature"
	case errors.Is(err, ErrHashMismatch):
		return "HashMismatch"
	case errors.Is(err, ErrMalformedDid):
		return "MalformedDid"
	case errors.Is(err, ErrNonceGap):
		return "NonceGap"
	case errors.Is(err, ErrPrevMismatch):
		return "PrevMismatch"
	case errors.Is(err, ErrResourceConflict):
		return "ResourceConflict"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrDuplicateEvent):
		return "DuplicateEvent"
	case errors.Is(err, ErrStoreIO):
		return "StoreIO"
	case errors.Is(err, ErrCanonicalization):
		return "Canonicalization"
	case errors.Is(err, ErrTicketInvalid):
		return "TicketInvalid"
	case errors.Is(err, ErrTicketExpired):
		return "TicketExpired"
	case errors.Is(err, ErrSnapshotInsufficientSignatures):
		return "SnapshotInsufficientSignatures"
	case errors.Is(err, ErrSnapshotDivergence):
		return "SnapshotDivergence"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	default:
		return "Internal"
	}
}
