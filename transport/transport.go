// Package transport defines the connection collaborator the GATT core runs
// over: a connection-oriented, MTU-limited bearer carrying whole ATT PDUs.
// Implementations live in the loopback and tcp subpackages.
package transport

import (
	"errors"
	"fmt"

	"github.com/srg/gatt/att"
)

// ErrClosed is the terminal error a bearer reports once it is closed.
// A close cause, when known, is reachable through errors.Unwrap.
var ErrClosed = errors.New("transport: bearer closed")

// ClosedError wraps the cause a bearer was closed with, while still
// matching errors.Is(err, ErrClosed).
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrClosed.Error()
	}
	return fmt.Sprintf("%v: %v", ErrClosed, e.Cause)
}

func (e *ClosedError) Is(target error) bool { return target == ErrClosed }

func (e *ClosedError) Unwrap() error { return e.Cause }

// Peer identifies the remote device on a bearer. Identity selects the
// local identity the peer is associated with (hosts with a single identity
// use 0); Addr is the peer's address in textual form.
type Peer struct {
	Identity int
	Addr     string
	Bonded   bool
}

func (p Peer) String() string {
	return fmt.Sprintf("%d/%s", p.Identity, p.Addr)
}

// Features is the remote peer's negotiated ATT feature set, as learned by
// the transport during connection establishment.
type Features struct {
	// MultiNotifications reports support for Multiple Handle Value
	// Notifications (batched notify).
	MultiNotifications bool
}

// Bearer is one connection-oriented transport instance carrying ATT PDUs.
//
// Send is flow-controlled: it blocks while the peer's receive window is
// full and fails with ErrClosed once the bearer is down. Recv blocks until
// a whole PDU arrives or the bearer closes. MTU is the bearer's receive
// MTU before negotiation clamps the effective value. SecurityLevel is the
// link security currently in force, reported, never negotiated, here.
type Bearer interface {
	Send(pdu []byte) error
	Recv() ([]byte, error)

	MTU() int
	SecurityLevel() att.SecurityLevel
	Peer() Peer
	Features() Features

	// Close tears the bearer down with a cause; it is idempotent.
	// Done is closed when the bearer is down; Err then reports the cause.
	Close(cause error) error
	Done() <-chan struct{}
	Err() error
}
