package db

import (
	"encoding/binary"
	"sync"

	"github.com/srg/gatt/att"
)

// Static is a read-only constant value handler.
type Static []byte

func (v Static) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	return ReadValue(v, offset)
}

// Value is a read/write in-memory value handler with an optional length
// cap and change hook. Prepared writes are staged by the engine, not here;
// a prepare-flagged WriteAttr only validates the chunk against the cap.
type Value struct {
	mu      sync.RWMutex
	buf     []byte
	maxLen  int
	onWrite func(s Session, data []byte)
}

// NewValue creates a Value holding initial. maxLen of 0 caps the value at
// the protocol's 512-byte attribute value limit.
func NewValue(initial []byte, maxLen int) *Value {
	if maxLen <= 0 {
		maxLen = 512
	}
	return &Value{buf: append([]byte(nil), initial...), maxLen: maxLen}
}

// OnWrite registers a hook invoked after every accepted write.
func (v *Value) OnWrite(fn func(s Session, data []byte)) *Value {
	v.onWrite = fn
	return v
}

// Bytes returns a copy of the current value.
func (v *Value) Bytes() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.buf...)
}

// Set replaces the current value locally.
func (v *Value) Set(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.buf = append(v.buf[:0], data...)
}

func (v *Value) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return ReadValue(v.buf, offset)
}

func (v *Value) WriteAttr(s Session, a *Attribute, data []byte, offset int, flags WriteFlag) (int, error) {
	if offset+len(data) > v.maxLen {
		return 0, att.NewError(att.CodeInvalidOffset, a.Handle)
	}
	if flags&WritePrepare != 0 {
		return len(data), nil
	}
	v.mu.Lock()
	if need := offset + len(data); need > len(v.buf) {
		v.buf = append(v.buf, make([]byte, need-len(v.buf))...)
	}
	copy(v.buf[offset:], data)
	snapshot := append([]byte(nil), v.buf...)
	v.mu.Unlock()

	if v.onWrite != nil {
		v.onWrite(s, snapshot)
	}
	return len(data), nil
}

// CEP is the Characteristic Extended Properties descriptor handler.
type CEP struct {
	Props uint16
}

func (d *CEP) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], d.Props)
	return ReadValue(v[:], offset)
}

// CPF is the Characteristic Presentation Format descriptor handler.
type CPF struct {
	Format      uint8
	Exponent    int8
	Unit        uint16
	Namespace   uint8
	Description uint16
}

func (d *CPF) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	v := make([]byte, 7)
	v[0] = d.Format
	v[1] = byte(d.Exponent)
	binary.LittleEndian.PutUint16(v[2:], d.Unit)
	v[4] = d.Namespace
	binary.LittleEndian.PutUint16(v[5:], d.Description)
	return ReadValue(v, offset)
}

// ParseServiceValue decodes a service declaration value into its UUID.
func ParseServiceValue(v []byte) (att.UUID, error) {
	if len(v) != 2 && len(v) != 16 {
		return nil, att.ErrInvalidParam
	}
	return att.UUID(append([]byte(nil), v...)), nil
}

// ParseIncludeValue decodes an include declaration value.
func ParseIncludeValue(v []byte) (start, end uint16, uuid att.UUID, err error) {
	if len(v) != 4 && len(v) != 6 {
		return 0, 0, nil, att.ErrInvalidParam
	}
	start = binary.LittleEndian.Uint16(v)
	end = binary.LittleEndian.Uint16(v[2:])
	if len(v) == 6 {
		uuid = att.UUID(append([]byte(nil), v[4:]...))
	}
	return start, end, uuid, nil
}

// ParseChrcValue decodes a characteristic declaration value into its
// properties, value handle, and UUID.
func ParseChrcValue(v []byte) (props Props, valueHandle uint16, uuid att.UUID, err error) {
	if len(v) != 5 && len(v) != 19 {
		return 0, 0, nil, att.ErrInvalidParam
	}
	props = Props(v[0])
	valueHandle = binary.LittleEndian.Uint16(v[1:])
	uuid = att.UUID(append([]byte(nil), v[3:]...))
	return props, valueHandle, uuid, nil
}
