package db

import (
	"fmt"
	"strings"

	"github.com/srg/gatt/att"
)

// Dump renders the database as a fixed-width text table, one line per
// attribute, for diagnostics and test expectations.
func Dump(r *Registry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-9s %-38s %s\n", "handle", "perm", "type", "info")
	r.ForEach(1, 0xFFFF, Filter{}, func(a *Attribute) Iter {
		fmt.Fprintf(&b, "0x%04x %-9s %-38s %s\n", a.Handle, a.Perm.describe(), a.Type, describeHandler(a))
		return Continue
	})
	return b.String()
}

func (p Perm) describe() string {
	var flags []byte
	flag := func(set bool, c byte) {
		if set {
			flags = append(flags, c)
		} else {
			flags = append(flags, '-')
		}
	}
	flag(p&ReadMask != 0, 'r')
	flag(p&WriteMask != 0, 'w')
	flag(p&(PermReadEncrypt|PermWriteEncrypt) != 0, 'e')
	flag(p&(PermReadAuthen|PermWriteAuthen) != 0, 'a')
	flag(p&PermPrepareWrite != 0, 'p')
	return string(flags)
}

func describeHandler(a *Attribute) string {
	switch h := a.Handler.(type) {
	case *ServiceDecl:
		kind := "primary"
		if a.Type.Equal(att.UUIDSecondaryService) {
			kind = "secondary"
		}
		return fmt.Sprintf("%s service %s", kind, h.UUID)
	case *IncludeDecl:
		return fmt.Sprintf("include %s", h.Svc.UUID())
	case *Chrc:
		return fmt.Sprintf("characteristic %s props=0x%02x", h.UUID, uint8(h.Props))
	case Static:
		return fmt.Sprintf("static %d bytes", len(h))
	case *Value:
		return fmt.Sprintf("value %d bytes", len(h.Bytes()))
	case nil:
		return ""
	default:
		return fmt.Sprintf("%T", h)
	}
}
