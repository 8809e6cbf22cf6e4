package att

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// UUID is an attribute type identifier in wire order (little-endian),
// either 2 bytes (16-bit assigned number) or 16 bytes (full 128-bit UUID).
// A nil UUID means "no filter" wherever a UUID is optional.
type UUID []byte

// baseUUID is the Bluetooth base UUID 00000000-0000-1000-8000-00805F9B34FB
// in wire (little-endian) order. 16-bit UUIDs alias bytes 12..13.
var baseUUID = UUID{0xFB, 0x34, 0x9B, 0x5F, 0x80, 0x00, 0x00, 0x80, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// UUID16 returns the UUID for a 16-bit assigned number.
func UUID16(v uint16) UUID {
	return UUID{byte(v), byte(v >> 8)}
}

// ParseUUID converts a textual UUID to wire form. It accepts 4 hex digits
// ("2902", "0x2902") or a full 128-bit UUID with or without dashes.
func ParseUUID(s string) (UUID, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.ReplaceAll(s, "-", ""), "0x"))
	if len(h) != 4 && len(h) != 32 {
		return nil, fmt.Errorf("invalid UUID %q: must be 16-bit or 128-bit", s)
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	// Text form is big-endian; wire form is little-endian.
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return UUID(b), nil
}

// MustParseUUID is ParseUUID for compile-time constants; it panics on error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Is16 reports whether u is a 16-bit UUID.
func (u UUID) Is16() bool { return len(u) == 2 }

// Uint16 returns the assigned number of a 16-bit UUID, or the aliased
// 16-bit value if u is a base-UUID expansion. Returns 0 for other UUIDs.
func (u UUID) Uint16() uint16 {
	switch {
	case len(u) == 2:
		return uint16(u[0]) | uint16(u[1])<<8
	case len(u) == 16 && bytes.Equal(u[:12], baseUUID[:12]) && bytes.Equal(u[14:], baseUUID[14:]):
		return uint16(u[12]) | uint16(u[13])<<8
	default:
		return 0
	}
}

// To128 expands a 16-bit UUID onto the Bluetooth base UUID.
// 128-bit UUIDs are returned unchanged.
func (u UUID) To128() UUID {
	if len(u) != 2 {
		return u
	}
	e := make(UUID, 16)
	copy(e, baseUUID)
	e[12], e[13] = u[0], u[1]
	return e
}

// Equal compares two UUIDs, treating a 16-bit UUID and its base-UUID
// expansion as the same type.
func (u UUID) Equal(v UUID) bool {
	if len(u) == 0 || len(v) == 0 {
		return len(u) == len(v)
	}
	if len(u) == len(v) {
		return bytes.Equal(u, v)
	}
	return bytes.Equal(u.To128(), v.To128())
}

// String renders the canonical textual form: 4 hex digits for 16-bit
// UUIDs, dashed lowercase for 128-bit ones.
func (u UUID) String() string {
	switch len(u) {
	case 0:
		return ""
	case 2:
		return fmt.Sprintf("%04x", u.Uint16())
	case 16:
		b := make([]byte, 16)
		for i := range b {
			b[i] = u[15-i]
		}
		h := hex.EncodeToString(b)
		return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
	default:
		return fmt.Sprintf("invalid-uuid(% x)", []byte(u))
	}
}

// Standard GATT attribute types and services used by this package.
var (
	UUIDGAPService  = UUID16(0x1800)
	UUIDGATTService = UUID16(0x1801)

	UUIDPrimaryService   = UUID16(0x2800)
	UUIDSecondaryService = UUID16(0x2801)
	UUIDInclude          = UUID16(0x2802)
	UUIDCharacteristic   = UUID16(0x2803)

	UUIDCEP = UUID16(0x2900) // Characteristic Extended Properties
	UUIDCUD = UUID16(0x2901) // Characteristic User Description
	UUIDCCC = UUID16(0x2902) // Client Characteristic Configuration
	UUIDSCC = UUID16(0x2903) // Server Characteristic Configuration
	UUIDCPF = UUID16(0x2904) // Characteristic Presentation Format

	UUIDServiceChanged = UUID16(0x2A05)
)
