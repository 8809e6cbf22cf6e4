package att

import (
	"errors"
	"fmt"
)

// ErrCode is an 8-bit ATT error code carried in an Error Response
// (Bluetooth Core Spec Vol 3, Part F, Section 3.4.1.1).
type ErrCode uint8

const (
	CodeInvalidHandle        ErrCode = 0x01
	CodeReadNotPermitted     ErrCode = 0x02
	CodeWriteNotPermitted    ErrCode = 0x03
	CodeInvalidPDU           ErrCode = 0x04
	CodeAuthentication       ErrCode = 0x05 // insufficient authentication
	CodeNotSupported         ErrCode = 0x06 // request not supported
	CodeInvalidOffset        ErrCode = 0x07
	CodeAuthorization        ErrCode = 0x08 // insufficient authorization
	CodePrepareQueueFull     ErrCode = 0x09
	CodeAttrNotFound         ErrCode = 0x0A
	CodeAttrNotLong          ErrCode = 0x0B
	CodeEncryptionKeySize    ErrCode = 0x0C
	CodeInvalidValueLength   ErrCode = 0x0D
	CodeUnlikely             ErrCode = 0x0E
	CodeEncryption           ErrCode = 0x0F // insufficient encryption
	CodeUnsupportedGroupType ErrCode = 0x10
	CodeInsufficientResources ErrCode = 0x11
	CodeValueNotAllowed      ErrCode = 0x13

	// Common profile error codes from the application range.
	CodeWriteRejected     ErrCode = 0xFC
	CodeCCCImproperConfig ErrCode = 0xFD
	CodeOutOfRange        ErrCode = 0xFF
)

var errCodeNames = map[ErrCode]string{
	CodeInvalidHandle:         "invalid handle",
	CodeReadNotPermitted:      "read not permitted",
	CodeWriteNotPermitted:     "write not permitted",
	CodeInvalidPDU:            "invalid PDU",
	CodeAuthentication:        "insufficient authentication",
	CodeNotSupported:          "request not supported",
	CodeInvalidOffset:         "invalid offset",
	CodeAuthorization:         "insufficient authorization",
	CodePrepareQueueFull:      "prepare queue full",
	CodeAttrNotFound:          "attribute not found",
	CodeAttrNotLong:           "attribute not long",
	CodeEncryptionKeySize:     "encryption key size too short",
	CodeInvalidValueLength:    "invalid attribute value length",
	CodeUnlikely:              "unlikely error",
	CodeEncryption:            "insufficient encryption",
	CodeUnsupportedGroupType:  "unsupported group type",
	CodeInsufficientResources: "insufficient resources",
	CodeValueNotAllowed:       "value not allowed",
	CodeWriteRejected:         "write request rejected",
	CodeCCCImproperConfig:     "CCC improperly configured",
	CodeOutOfRange:            "out of range",
}

// String returns the assigned name of the code, or its application-range form.
func (c ErrCode) String() string {
	if n, ok := errCodeNames[c]; ok {
		return n
	}
	if c >= 0x80 && c <= 0x9F {
		return fmt.Sprintf("application error 0x%02x", uint8(c))
	}
	return fmt.Sprintf("error 0x%02x", uint8(c))
}

// Error is a protocol-level ATT failure: either reported by the peer in an
// Error Response or produced locally when serving a peer request. Handle is
// the attribute the failure names, 0 when not applicable. A wrapped cause
// (for example a transport close) is reachable through errors.Unwrap.
type Error struct {
	Code   ErrCode
	Handle uint16
	cause  error
}

// NewError builds a protocol error for the given code and handle.
func NewError(code ErrCode, handle uint16) *Error {
	return &Error{Code: code, Handle: handle}
}

// WrapError builds a protocol error whose underlying cause is err.
// Used to shape transport failures as terminal "unlikely error" completions.
func WrapError(code ErrCode, handle uint16, err error) *Error {
	return &Error{Code: code, Handle: handle, cause: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("att: %s (handle 0x%04x): %v", e.Code, e.Handle, e.cause)
	}
	if e.Handle != 0 {
		return fmt.Sprintf("att: %s (handle 0x%04x)", e.Code, e.Handle)
	}
	return fmt.Sprintf("att: %s", e.Code)
}

// Is matches any *Error with the same code, so callers can compare against
// the exported sentinels without caring about the handle or cause.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) Unwrap() error { return e.cause }

// Sentinel instances for errors.Is comparisons.
var (
	ErrInvalidHandle   = &Error{Code: CodeInvalidHandle}
	ErrReadNotPerm     = &Error{Code: CodeReadNotPermitted}
	ErrWriteNotPerm    = &Error{Code: CodeWriteNotPermitted}
	ErrAuthentication  = &Error{Code: CodeAuthentication}
	ErrNotSupported    = &Error{Code: CodeNotSupported}
	ErrInvalidOffset   = &Error{Code: CodeInvalidOffset}
	ErrAuthorization   = &Error{Code: CodeAuthorization}
	ErrPrepareFull     = &Error{Code: CodePrepareQueueFull}
	ErrAttrNotFound    = &Error{Code: CodeAttrNotFound}
	ErrUnlikely        = &Error{Code: CodeUnlikely}
	ErrEncryption      = &Error{Code: CodeEncryption}
	ErrValueNotAllowed = &Error{Code: CodeValueNotAllowed}
)

// Local errors, reported as an immediate return from the issuing call and
// never through a completion callback: when one of these comes back, nothing
// was enqueued on the bearer.
var (
	// ErrInUse rejects reuse of a parameter block whose previous procedure
	// has not completed yet.
	ErrInUse = errors.New("att: parameter block still in use")

	// ErrNoResources rejects an operation that would exceed a fixed-size
	// pool: request slots, CCC entries, or the handle address space.
	ErrNoResources = errors.New("att: no resources")

	// ErrInvalidParam rejects a malformed call detectable without the
	// transport (nil required callback, too few records, bad handle).
	ErrInvalidParam = errors.New("att: invalid parameter")

	// ErrTooLarge rejects a PDU that cannot fit the bearer's negotiated MTU.
	ErrTooLarge = errors.New("att: PDU exceeds bearer MTU")

	// ErrPeerNotSupported rejects a procedure the remote peer has not
	// negotiated support for (batched multi-value notifications).
	ErrPeerNotSupported = errors.New("att: not supported by peer")

	// ErrNotSubscribed reports that a notify or indicate found no
	// subscribed peer; nothing was sent and no callback will fire.
	ErrNotSubscribed = errors.New("att: no subscribed peer")
)
