// Package piv implements a client for PIV smart cards (NIST SP 800-73)
// with YubicoPIV vendor extensions: discovery, slot/certificate
// enumeration, PIN and admin-key authentication, on-card key generation
// and signing, ECDH, and the ECDH sealed-box envelope format.
//
// A Token represents one discovered card. Every operation on a Token must
// run between a BeginTxn/EndTxn pair held by the same goroutine; a Token
// is not safe to share across concurrent callers.
package piv

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes a caller needs to branch on. It
// mirrors the error taxonomy of the original pivy implementation
// (IOError/NotFoundError/PermissionError/...), collapsed into a single
// comparable type instead of per-error Go types.
type Kind int

const (
	// KindIO covers resource-manager or reader communication failure.
	KindIO Kind = iota
	// KindReset means the card was reset; the caller must re-select and
	// re-authenticate before retrying.
	KindReset
	// KindInvalidData means the card returned a malformed or unexpected
	// payload.
	KindInvalidData
	// KindNotFound means the requested object/slot/applet is absent.
	KindNotFound
	// KindNotSupported means the card does not support this operation or
	// algorithm.
	KindNotSupported
	// KindPermission means a prerequisite authentication (PIN or admin)
	// is missing.
	KindPermission
	// KindAccessDenied means a supplied credential was wrong. For PIN
	// verification it carries the remaining retry count.
	KindAccessDenied
	// KindWouldLockout means the caller's minimum retry threshold would
	// be violated by attempting the credential.
	KindWouldLockout
	// KindAPDU means the card returned a status word recognized as a
	// rejection; the raw status word is attached for diagnostics.
	KindAPDU
	// KindIntegrity means sealed-box AEAD authentication failed.
	KindIntegrity
	// KindNotMatch means a proof-of-possession check failed.
	KindNotMatch
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindReset:
		return "reset"
	case KindInvalidData:
		return "invalid-data"
	case KindNotFound:
		return "not-found"
	case KindNotSupported:
		return "not-supported"
	case KindPermission:
		return "permission"
	case KindAccessDenied:
		return "access-denied"
	case KindWouldLockout:
		return "would-lockout"
	case KindAPDU:
		return "apdu"
	case KindIntegrity:
		return "integrity"
	case KindNotMatch:
		return "not-match"
	default:
		return "unknown"
	}
}

// Error is the error type this package uses to classify failures. Use
// errors.As to recover it and inspect Kind, SW, or Retries.
type Error struct {
	Kind    Kind
	Slot    SlotID // zero if not slot-specific
	SW      uint16 // raw status word, set when Kind == KindAPDU
	Retries int    // remaining PIN/PUK retries, set for some KindAccessDenied/KindWouldLockout cases
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("piv: %s", e.Kind)
	if e.Slot != 0 {
		msg += fmt.Sprintf(" (slot %02X)", byte(e.Slot))
	}
	if e.Kind == KindAPDU {
		msg += fmt.Sprintf(" (SW=%04X)", e.SW)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newErr(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func newSlotErr(kind Kind, slot SlotID, cause error) *Error {
	return &Error{Kind: kind, Slot: slot, Cause: cause}
}

func newAPDUErr(sw uint16) *Error {
	return &Error{Kind: KindAPDU, SW: sw}
}

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, &piv.Error{Kind: piv.KindNotFound}) matches any not-found
// error regardless of its other fields.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}
