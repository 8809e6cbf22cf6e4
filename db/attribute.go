// Package db implements the local attribute database: an ordered,
// handle-addressed collection of attributes grouped into services, plus the
// builders and read helpers for the standard GATT attribute types.
package db

import (
	"fmt"

	"github.com/srg/gatt/att"
)

// Perm is an attribute's permission capability set. It governs which
// operations a peer may attempt and what link security each requires;
// it carries no internal lifecycle state.
type Perm uint16

const (
	// PermRead allows reads with no security requirement.
	PermRead Perm = 1 << iota
	// PermWrite allows writes with no security requirement.
	PermWrite
	// PermReadEncrypt requires an encrypted link for reads.
	PermReadEncrypt
	// PermWriteEncrypt requires an encrypted link for writes.
	PermWriteEncrypt
	// PermReadAuthen requires an authenticated (MITM) link for reads.
	PermReadAuthen
	// PermWriteAuthen requires an authenticated (MITM) link for writes.
	PermWriteAuthen
	// PermPrepareWrite allows the attribute to take prepared writes.
	PermPrepareWrite
	// PermReadLESC requires LE Secure Connections for reads.
	PermReadLESC
	// PermWriteLESC requires LE Secure Connections for writes.
	PermWriteLESC
)

// ReadMask and WriteMask select the permission bits relevant per direction.
const (
	ReadMask  = PermRead | PermReadEncrypt | PermReadAuthen | PermReadLESC
	WriteMask = PermWrite | PermWriteEncrypt | PermWriteAuthen | PermWriteLESC | PermPrepareWrite
)

// Props is the characteristic properties bitfield from the declaration.
type Props uint8

const (
	PropBroadcast Props = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthSignedWrites
	PropExtendedProps
)

// WriteFlag qualifies a write delivered to a WriteHandler.
type WriteFlag uint8

const (
	// WritePrepare stages the bytes for a later execute: the handler must
	// validate and authorize but not mutate state.
	WritePrepare WriteFlag = 1 << iota
	// WriteCommand marks a write command: the outcome is determined but
	// never signaled to the peer.
	WriteCommand
	// WriteExecute marks the flush of a previously prepared write.
	WriteExecute
)

// Session identifies the peer an operation executes on behalf of. A nil
// Session means a local operation by the application itself, which
// bypasses the permission gate. Handlers that keep per-peer state (CCC)
// key it by (Identity, PeerAddr).
type Session interface {
	Identity() int
	PeerAddr() string
	Bonded() bool
	SecurityLevel() att.SecurityLevel
	MTU() int
}

// ReadHandler is the read capability of an attribute handler. It returns
// the value bytes starting at offset; the engine bounds the result to the
// bearer MTU, so a shorter-than-value result simply continues as a long
// read. An offset beyond the value length is CodeInvalidOffset.
type ReadHandler interface {
	ReadAttr(s Session, a *Attribute, offset int) ([]byte, error)
}

// WriteHandler is the write capability of an attribute handler. It
// returns how many bytes it accepted. Absence of the write capability is
// not an error on the read path, and vice versa.
type WriteHandler interface {
	WriteAttr(s Session, a *Attribute, data []byte, offset int, flags WriteFlag) (int, error)
}

// FlushHandler is implemented by handlers that stage prepared writes
// internally and need the execute/cancel signal.
type FlushHandler interface {
	FlushAttr(s Session, a *Attribute, apply bool) error
}

// Attribute is one entry in the database: a typed, handle-addressed value
// behind an optional capability object. Handler may implement ReadHandler,
// WriteHandler, both, or neither (a bare declaration).
type Attribute struct {
	Type    att.UUID
	Handle  uint16
	Perm    Perm
	Handler any

	// auto records that the handle was assigned at registration, kept
	// separate from Perm so lifecycle state never aliases permissions.
	auto bool
}

func (a *Attribute) String() string {
	return fmt.Sprintf("attr 0x%04x type %s", a.Handle, a.Type)
}

// Read invokes the attribute's read capability. A handler without one
// yields read-not-permitted, matching a permission mask without PermRead.
func (a *Attribute) Read(s Session, offset int) ([]byte, error) {
	rh, ok := a.Handler.(ReadHandler)
	if !ok {
		return nil, att.NewError(att.CodeReadNotPermitted, a.Handle)
	}
	return rh.ReadAttr(s, a, offset)
}

// Write invokes the attribute's write capability.
func (a *Attribute) Write(s Session, data []byte, offset int, flags WriteFlag) (int, error) {
	wh, ok := a.Handler.(WriteHandler)
	if !ok {
		return 0, att.NewError(att.CodeWriteNotPermitted, a.Handle)
	}
	return wh.WriteAttr(s, a, data, offset, flags)
}

// ReadValue bounds a stored value to the requested offset: the standard
// tail-from-offset slice every simple read handler returns.
func ReadValue(value []byte, offset int) ([]byte, error) {
	if offset > len(value) {
		return nil, att.NewError(att.CodeInvalidOffset, 0)
	}
	return value[offset:], nil
}

// Iter is the continuation signal returned by iteration callbacks.
type Iter int

const (
	// Continue visits the next matching attribute.
	Continue Iter = iota
	// Stop ends the iteration early.
	Stop
)
