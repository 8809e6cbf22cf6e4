package att

// SecurityLevel is the link security currently in force on a bearer, as
// reported by the transport. This layer never negotiates security; it only
// compares the reported level against attribute permission requirements.
type SecurityLevel int

const (
	// SecurityNone: no encryption and no authentication.
	SecurityNone SecurityLevel = iota + 1
	// SecurityEncrypted: encryption with an unauthenticated key.
	SecurityEncrypted
	// SecurityAuthenticated: encryption with an authenticated (MITM) key.
	SecurityAuthenticated
	// SecuritySecureConnections: authenticated LE Secure Connections
	// pairing with a 128-bit key.
	SecuritySecureConnections
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityEncrypted:
		return "encrypted"
	case SecurityAuthenticated:
		return "authenticated"
	case SecuritySecureConnections:
		return "secure-connections"
	}
	return "unknown"
}
