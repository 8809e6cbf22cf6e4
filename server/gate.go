// Package server implements the GATT server role: the permission and
// authorization gate, the request engine answering peer ATT requests
// against a db.Registry, per-peer subscription (CCC) state, and the
// notification/indication dispatcher.
package server

import (
	"errors"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// Authorizer is the application-defined authorization hook, consulted
// after the permission mask and security level checks pass and before the
// attribute's capability is invoked. Returning an error rejects the
// operation; the capability is never invoked for a rejected operation.
type Authorizer interface {
	AuthorizeRead(s db.Session, a *db.Attribute) error
	AuthorizeWrite(s db.Session, a *db.Attribute) error
	// AuthorizePrepare vets queuing a prepared write; the staged bytes
	// are re-vetted through AuthorizeWrite at execute time.
	AuthorizePrepare(s db.Session, a *db.Attribute) error
}

// checkRead gates a read: permission bit, then link security, in that
// order, so the most specific failure code wins.
func checkRead(s db.Session, a *db.Attribute, auth Authorizer) *att.Error {
	if a.Perm&db.ReadMask == 0 {
		return att.NewError(att.CodeReadNotPermitted, a.Handle)
	}
	if s != nil {
		if err := checkSecurity(s, a, a.Perm&db.PermReadEncrypt != 0, a.Perm&db.PermReadAuthen != 0, a.Perm&db.PermReadLESC != 0); err != nil {
			return err
		}
		if auth != nil {
			if err := auth.AuthorizeRead(s, a); err != nil {
				return authError(err, a.Handle)
			}
		}
	}
	return nil
}

func checkWrite(s db.Session, a *db.Attribute, auth Authorizer) *att.Error {
	if a.Perm&db.WriteMask == 0 || a.Perm&db.WriteMask == db.PermPrepareWrite {
		return att.NewError(att.CodeWriteNotPermitted, a.Handle)
	}
	if s != nil {
		if err := checkSecurity(s, a, a.Perm&db.PermWriteEncrypt != 0, a.Perm&db.PermWriteAuthen != 0, a.Perm&db.PermWriteLESC != 0); err != nil {
			return err
		}
		if auth != nil {
			if err := auth.AuthorizeWrite(s, a); err != nil {
				return authError(err, a.Handle)
			}
		}
	}
	return nil
}

func checkPrepare(s db.Session, a *db.Attribute, auth Authorizer) *att.Error {
	if err := checkWrite(s, a, nil); err != nil {
		return err
	}
	if s != nil && auth != nil {
		if err := auth.AuthorizePrepare(s, a); err != nil {
			return authError(err, a.Handle)
		}
	}
	return nil
}

func checkSecurity(s db.Session, a *db.Attribute, encrypt, authen, lesc bool) *att.Error {
	level := s.SecurityLevel()
	if lesc && level < att.SecuritySecureConnections {
		return att.NewError(att.CodeAuthentication, a.Handle)
	}
	if authen && level < att.SecurityAuthenticated {
		return att.NewError(att.CodeAuthentication, a.Handle)
	}
	if encrypt && level < att.SecurityEncrypted {
		return att.NewError(att.CodeEncryption, a.Handle)
	}
	return nil
}

// authError shapes an authorizer refusal: a protocol *att.Error passes
// through unchanged, anything else becomes insufficient-authorization.
func authError(err error, handle uint16) *att.Error {
	var ae *att.Error
	if errors.As(err, &ae) {
		return ae
	}
	return att.WrapError(att.CodeAuthorization, handle, err)
}
