package att

import (
	"encoding/binary"
	"fmt"
)

// DefaultMTU is the minimum ATT_MTU every LE bearer starts at before an
// exchange, and the floor a negotiated value may never drop below.
const DefaultMTU = 23

var le = binary.LittleEndian

func pduErr(op uint8, reason string) error {
	return fmt.Errorf("att: malformed %s: %s", OpcodeName(op), reason)
}

func checkOpcode(pdu []byte, op uint8, minLen int) error {
	if len(pdu) < 1 || pdu[0] != op {
		return pduErr(op, "wrong opcode")
	}
	if len(pdu) < minLen {
		return pduErr(op, "truncated")
	}
	return nil
}

// ErrorRsp reports why a request failed (opcode 0x01).
type ErrorRsp struct {
	ReqOpcode uint8
	Handle    uint16
	Code      ErrCode
}

func (p ErrorRsp) Marshal() []byte {
	b := make([]byte, 5)
	b[0] = OpErrorRsp
	b[1] = p.ReqOpcode
	le.PutUint16(b[2:], p.Handle)
	b[4] = uint8(p.Code)
	return b
}

func ParseErrorRsp(pdu []byte) (ErrorRsp, error) {
	if err := checkOpcode(pdu, OpErrorRsp, 5); err != nil {
		return ErrorRsp{}, err
	}
	return ErrorRsp{ReqOpcode: pdu[1], Handle: le.Uint16(pdu[2:]), Code: ErrCode(pdu[4])}, nil
}

// ExchangeMTUReq / ExchangeMTURsp carry each side's receive MTU (0x02/0x03).
type ExchangeMTUReq struct{ MTU uint16 }

func (p ExchangeMTUReq) Marshal() []byte {
	b := make([]byte, 3)
	b[0] = OpExchangeMTUReq
	le.PutUint16(b[1:], p.MTU)
	return b
}

func ParseExchangeMTUReq(pdu []byte) (ExchangeMTUReq, error) {
	if err := checkOpcode(pdu, OpExchangeMTUReq, 3); err != nil {
		return ExchangeMTUReq{}, err
	}
	return ExchangeMTUReq{MTU: le.Uint16(pdu[1:])}, nil
}

type ExchangeMTURsp struct{ MTU uint16 }

func (p ExchangeMTURsp) Marshal() []byte {
	b := make([]byte, 3)
	b[0] = OpExchangeMTURsp
	le.PutUint16(b[1:], p.MTU)
	return b
}

func ParseExchangeMTURsp(pdu []byte) (ExchangeMTURsp, error) {
	if err := checkOpcode(pdu, OpExchangeMTURsp, 3); err != nil {
		return ExchangeMTURsp{}, err
	}
	return ExchangeMTURsp{MTU: le.Uint16(pdu[1:])}, nil
}

// FindInfoReq asks for the types of all attributes in a handle range (0x04).
type FindInfoReq struct{ Start, End uint16 }

func (p FindInfoReq) Marshal() []byte {
	b := make([]byte, 5)
	b[0] = OpFindInfoReq
	le.PutUint16(b[1:], p.Start)
	le.PutUint16(b[3:], p.End)
	return b
}

func ParseFindInfoReq(pdu []byte) (FindInfoReq, error) {
	if err := checkOpcode(pdu, OpFindInfoReq, 5); err != nil {
		return FindInfoReq{}, err
	}
	return FindInfoReq{Start: le.Uint16(pdu[1:]), End: le.Uint16(pdu[3:])}, nil
}

// Find Information response formats.
const (
	FindInfoFormat16  uint8 = 0x01
	FindInfoFormat128 uint8 = 0x02
)

// InfoEntry is one (handle, type) pair from a Find Information response.
type InfoEntry struct {
	Handle uint16
	Type   UUID
}

func ParseFindInfoRsp(pdu []byte) ([]InfoEntry, error) {
	if err := checkOpcode(pdu, OpFindInfoRsp, 2); err != nil {
		return nil, err
	}
	size := 4
	if pdu[1] == FindInfoFormat128 {
		size = 18
	} else if pdu[1] != FindInfoFormat16 {
		return nil, pduErr(OpFindInfoRsp, "unknown format")
	}
	data := pdu[2:]
	if len(data) == 0 || len(data)%size != 0 {
		return nil, pduErr(OpFindInfoRsp, "bad entry list length")
	}
	entries := make([]InfoEntry, 0, len(data)/size)
	for ; len(data) > 0; data = data[size:] {
		entries = append(entries, InfoEntry{
			Handle: le.Uint16(data),
			Type:   UUID(append([]byte(nil), data[2:size]...)),
		})
	}
	return entries, nil
}

// FindByTypeValueReq looks up attributes of a 16-bit type with an exact
// value, used for primary service discovery by UUID (0x06).
type FindByTypeValueReq struct {
	Start, End uint16
	Type       uint16
	Value      []byte
}

func (p FindByTypeValueReq) Marshal() []byte {
	b := make([]byte, 7+len(p.Value))
	b[0] = OpFindByTypeValueReq
	le.PutUint16(b[1:], p.Start)
	le.PutUint16(b[3:], p.End)
	le.PutUint16(b[5:], p.Type)
	copy(b[7:], p.Value)
	return b
}

func ParseFindByTypeValueReq(pdu []byte) (FindByTypeValueReq, error) {
	if err := checkOpcode(pdu, OpFindByTypeValueReq, 7); err != nil {
		return FindByTypeValueReq{}, err
	}
	return FindByTypeValueReq{
		Start: le.Uint16(pdu[1:]),
		End:   le.Uint16(pdu[3:]),
		Type:  le.Uint16(pdu[5:]),
		Value: append([]byte(nil), pdu[7:]...),
	}, nil
}

// HandleRange is one found-attribute group from a Find By Type Value
// response: the attribute handle and its group end handle.
type HandleRange struct{ Start, End uint16 }

func ParseFindByTypeValueRsp(pdu []byte) ([]HandleRange, error) {
	if err := checkOpcode(pdu, OpFindByTypeValueRsp, 5); err != nil {
		return nil, err
	}
	data := pdu[1:]
	if len(data)%4 != 0 {
		return nil, pduErr(OpFindByTypeValueRsp, "bad handle list length")
	}
	ranges := make([]HandleRange, 0, len(data)/4)
	for ; len(data) > 0; data = data[4:] {
		ranges = append(ranges, HandleRange{Start: le.Uint16(data), End: le.Uint16(data[2:])})
	}
	return ranges, nil
}

// ReadByTypeReq reads all attributes of a given type within a handle range,
// used for characteristic/include discovery and read-by-UUID (0x08).
type ReadByTypeReq struct {
	Start, End uint16
	Type       UUID
}

func (p ReadByTypeReq) Marshal() []byte {
	b := make([]byte, 5+len(p.Type))
	b[0] = OpReadByTypeReq
	le.PutUint16(b[1:], p.Start)
	le.PutUint16(b[3:], p.End)
	copy(b[5:], p.Type)
	return b
}

func ParseReadByTypeReq(pdu []byte) (ReadByTypeReq, error) {
	if err := checkOpcode(pdu, OpReadByTypeReq, 7); err != nil {
		return ReadByTypeReq{}, err
	}
	n := len(pdu) - 5
	if n != 2 && n != 16 {
		return ReadByTypeReq{}, pduErr(OpReadByTypeReq, "bad UUID length")
	}
	return ReadByTypeReq{
		Start: le.Uint16(pdu[1:]),
		End:   le.Uint16(pdu[3:]),
		Type:  UUID(append([]byte(nil), pdu[5:]...)),
	}, nil
}

// TypeValue is one (handle, value) record from a Read By Type response.
type TypeValue struct {
	Handle uint16
	Value  []byte
}

func ParseReadByTypeRsp(pdu []byte) ([]TypeValue, error) {
	if err := checkOpcode(pdu, OpReadByTypeRsp, 4); err != nil {
		return nil, err
	}
	size := int(pdu[1])
	data := pdu[2:]
	if size < 2 || len(data) == 0 || len(data)%size != 0 {
		return nil, pduErr(OpReadByTypeRsp, "bad record size")
	}
	records := make([]TypeValue, 0, len(data)/size)
	for ; len(data) > 0; data = data[size:] {
		records = append(records, TypeValue{
			Handle: le.Uint16(data),
			Value:  append([]byte(nil), data[2:size]...),
		})
	}
	return records, nil
}

// GroupEntry is one (start, end, value) record from a Read By Group Type
// response, used for primary/secondary service discovery.
type GroupEntry struct {
	Start, End uint16
	Value      []byte
}

// ReadByGroupReq discovers grouping attributes of a given type (0x10).
type ReadByGroupReq struct {
	Start, End uint16
	Type       UUID
}

func (p ReadByGroupReq) Marshal() []byte {
	b := make([]byte, 5+len(p.Type))
	b[0] = OpReadByGroupReq
	le.PutUint16(b[1:], p.Start)
	le.PutUint16(b[3:], p.End)
	copy(b[5:], p.Type)
	return b
}

func ParseReadByGroupReq(pdu []byte) (ReadByGroupReq, error) {
	if err := checkOpcode(pdu, OpReadByGroupReq, 7); err != nil {
		return ReadByGroupReq{}, err
	}
	n := len(pdu) - 5
	if n != 2 && n != 16 {
		return ReadByGroupReq{}, pduErr(OpReadByGroupReq, "bad UUID length")
	}
	return ReadByGroupReq{
		Start: le.Uint16(pdu[1:]),
		End:   le.Uint16(pdu[3:]),
		Type:  UUID(append([]byte(nil), pdu[5:]...)),
	}, nil
}

func ParseReadByGroupRsp(pdu []byte) ([]GroupEntry, error) {
	if err := checkOpcode(pdu, OpReadByGroupRsp, 8); err != nil {
		return nil, err
	}
	size := int(pdu[1])
	data := pdu[2:]
	if size < 4 || len(data) == 0 || len(data)%size != 0 {
		return nil, pduErr(OpReadByGroupRsp, "bad record size")
	}
	entries := make([]GroupEntry, 0, len(data)/size)
	for ; len(data) > 0; data = data[size:] {
		entries = append(entries, GroupEntry{
			Start: le.Uint16(data),
			End:   le.Uint16(data[2:]),
			Value: append([]byte(nil), data[4:size]...),
		})
	}
	return entries, nil
}

// ReadReq reads an attribute value from offset 0 (0x0A).
type ReadReq struct{ Handle uint16 }

func (p ReadReq) Marshal() []byte {
	b := make([]byte, 3)
	b[0] = OpReadReq
	le.PutUint16(b[1:], p.Handle)
	return b
}

func ParseReadReq(pdu []byte) (ReadReq, error) {
	if err := checkOpcode(pdu, OpReadReq, 3); err != nil {
		return ReadReq{}, err
	}
	return ReadReq{Handle: le.Uint16(pdu[1:])}, nil
}

// ReadBlobReq continues a long read at a byte offset (0x0C).
type ReadBlobReq struct {
	Handle uint16
	Offset uint16
}

func (p ReadBlobReq) Marshal() []byte {
	b := make([]byte, 5)
	b[0] = OpReadBlobReq
	le.PutUint16(b[1:], p.Handle)
	le.PutUint16(b[3:], p.Offset)
	return b
}

func ParseReadBlobReq(pdu []byte) (ReadBlobReq, error) {
	if err := checkOpcode(pdu, OpReadBlobReq, 5); err != nil {
		return ReadBlobReq{}, err
	}
	return ReadBlobReq{Handle: le.Uint16(pdu[1:]), Offset: le.Uint16(pdu[3:])}, nil
}

// ReadMultReq reads several attributes whose value lengths the client
// already knows; the response concatenates values with no framing (0x0E).
type ReadMultReq struct{ Handles []uint16 }

func (p ReadMultReq) Marshal() []byte {
	b := make([]byte, 1+2*len(p.Handles))
	b[0] = OpReadMultReq
	for i, h := range p.Handles {
		le.PutUint16(b[1+2*i:], h)
	}
	return b
}

func ParseReadMultReq(pdu []byte) (ReadMultReq, error) {
	if err := checkOpcode(pdu, OpReadMultReq, 5); err != nil {
		return ReadMultReq{}, err
	}
	data := pdu[1:]
	if len(data)%2 != 0 {
		return ReadMultReq{}, pduErr(OpReadMultReq, "bad handle list length")
	}
	handles := make([]uint16, len(data)/2)
	for i := range handles {
		handles[i] = le.Uint16(data[2*i:])
	}
	return ReadMultReq{Handles: handles}, nil
}

// ReadMultVariableReq reads several attributes of unknown length; the
// response carries each value behind a 16-bit length prefix (0x20).
type ReadMultVariableReq struct{ Handles []uint16 }

func (p ReadMultVariableReq) Marshal() []byte {
	b := make([]byte, 1+2*len(p.Handles))
	b[0] = OpReadMultVariableReq
	for i, h := range p.Handles {
		le.PutUint16(b[1+2*i:], h)
	}
	return b
}

func ParseReadMultVariableReq(pdu []byte) (ReadMultVariableReq, error) {
	if err := checkOpcode(pdu, OpReadMultVariableReq, 5); err != nil {
		return ReadMultVariableReq{}, err
	}
	data := pdu[1:]
	if len(data)%2 != 0 {
		return ReadMultVariableReq{}, pduErr(OpReadMultVariableReq, "bad handle list length")
	}
	handles := make([]uint16, len(data)/2)
	for i := range handles {
		handles[i] = le.Uint16(data[2*i:])
	}
	return ReadMultVariableReq{Handles: handles}, nil
}

func ParseReadMultVariableRsp(pdu []byte) ([][]byte, error) {
	if err := checkOpcode(pdu, OpReadMultVariableRsp, 1); err != nil {
		return nil, err
	}
	var values [][]byte
	data := pdu[1:]
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, pduErr(OpReadMultVariableRsp, "truncated length prefix")
		}
		n := int(le.Uint16(data))
		if len(data) < 2+n {
			return nil, pduErr(OpReadMultVariableRsp, "truncated value")
		}
		values = append(values, append([]byte(nil), data[2:2+n]...))
		data = data[2+n:]
	}
	return values, nil
}

// WriteReq writes an attribute value and expects a response (0x12).
// Cmd marshals the same payload as a Write Command (0x52) instead.
type WriteReq struct {
	Handle uint16
	Value  []byte
	Cmd    bool
}

func (p WriteReq) Marshal() []byte {
	b := make([]byte, 3+len(p.Value))
	b[0] = OpWriteReq
	if p.Cmd {
		b[0] = OpWriteCmd
	}
	le.PutUint16(b[1:], p.Handle)
	copy(b[3:], p.Value)
	return b
}

func ParseWriteReq(pdu []byte) (WriteReq, error) {
	if len(pdu) < 3 || (pdu[0] != OpWriteReq && pdu[0] != OpWriteCmd) {
		return WriteReq{}, pduErr(OpWriteReq, "wrong opcode or truncated")
	}
	return WriteReq{
		Handle: le.Uint16(pdu[1:]),
		Value:  append([]byte(nil), pdu[3:]...),
		Cmd:    pdu[0] == OpWriteCmd,
	}, nil
}

// PrepareWriteReq stages part of a long or reliable write (0x16). The
// response echoes the request so the client can verify what was staged.
type PrepareWriteReq struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

func (p PrepareWriteReq) marshal(op uint8) []byte {
	b := make([]byte, 5+len(p.Value))
	b[0] = op
	le.PutUint16(b[1:], p.Handle)
	le.PutUint16(b[3:], p.Offset)
	copy(b[5:], p.Value)
	return b
}

func (p PrepareWriteReq) Marshal() []byte { return p.marshal(OpPrepareWriteReq) }

// MarshalRsp renders the echo response for a staged write.
func (p PrepareWriteReq) MarshalRsp() []byte { return p.marshal(OpPrepareWriteRsp) }

func ParsePrepareWriteReq(pdu []byte) (PrepareWriteReq, error) {
	if err := checkOpcode(pdu, OpPrepareWriteReq, 5); err != nil {
		return PrepareWriteReq{}, err
	}
	return PrepareWriteReq{
		Handle: le.Uint16(pdu[1:]),
		Offset: le.Uint16(pdu[3:]),
		Value:  append([]byte(nil), pdu[5:]...),
	}, nil
}

func ParsePrepareWriteRsp(pdu []byte) (PrepareWriteReq, error) {
	if err := checkOpcode(pdu, OpPrepareWriteRsp, 5); err != nil {
		return PrepareWriteReq{}, err
	}
	return PrepareWriteReq{
		Handle: le.Uint16(pdu[1:]),
		Offset: le.Uint16(pdu[3:]),
		Value:  append([]byte(nil), pdu[5:]...),
	}, nil
}

// Execute Write flags.
const (
	ExecuteWriteCancel uint8 = 0x00
	ExecuteWriteApply  uint8 = 0x01
)

// ExecuteWriteReq flushes or discards every staged write (0x18).
type ExecuteWriteReq struct{ Flags uint8 }

func (p ExecuteWriteReq) Marshal() []byte {
	return []byte{OpExecuteWriteReq, p.Flags}
}

func ParseExecuteWriteReq(pdu []byte) (ExecuteWriteReq, error) {
	if err := checkOpcode(pdu, OpExecuteWriteReq, 2); err != nil {
		return ExecuteWriteReq{}, err
	}
	return ExecuteWriteReq{Flags: pdu[1]}, nil
}

// ValueUpdate is a server-initiated Handle Value Notification or
// Indication (0x1B / 0x1D).
type ValueUpdate struct {
	Handle   uint16
	Value    []byte
	Indicate bool
}

func (p ValueUpdate) Marshal() []byte {
	b := make([]byte, 3+len(p.Value))
	b[0] = OpNotify
	if p.Indicate {
		b[0] = OpIndicate
	}
	le.PutUint16(b[1:], p.Handle)
	copy(b[3:], p.Value)
	return b
}

func ParseValueUpdate(pdu []byte) (ValueUpdate, error) {
	if len(pdu) < 3 || (pdu[0] != OpNotify && pdu[0] != OpIndicate) {
		return ValueUpdate{}, pduErr(OpNotify, "wrong opcode or truncated")
	}
	return ValueUpdate{
		Handle:   le.Uint16(pdu[1:]),
		Value:    append([]byte(nil), pdu[3:]...),
		Indicate: pdu[0] == OpIndicate,
	}, nil
}

// MultiValueUpdate batches several (handle, value) tuples into one
// Multiple Handle Value Notification (0x23). Each tuple carries a 16-bit
// length prefix on the wire.
type MultiValueUpdate struct {
	Handles []uint16
	Values  [][]byte
}

func (p MultiValueUpdate) Marshal() []byte {
	n := 1
	for _, v := range p.Values {
		n += 4 + len(v)
	}
	b := make([]byte, 1, n)
	b[0] = OpNotifyMult
	for i, h := range p.Handles {
		var hdr [4]byte
		le.PutUint16(hdr[:], h)
		le.PutUint16(hdr[2:], uint16(len(p.Values[i])))
		b = append(b, hdr[:]...)
		b = append(b, p.Values[i]...)
	}
	return b
}

func ParseMultiValueUpdate(pdu []byte) (MultiValueUpdate, error) {
	if err := checkOpcode(pdu, OpNotifyMult, 5); err != nil {
		return MultiValueUpdate{}, err
	}
	var p MultiValueUpdate
	data := pdu[1:]
	for len(data) > 0 {
		if len(data) < 4 {
			return MultiValueUpdate{}, pduErr(OpNotifyMult, "truncated tuple header")
		}
		n := int(le.Uint16(data[2:]))
		if len(data) < 4+n {
			return MultiValueUpdate{}, pduErr(OpNotifyMult, "truncated tuple value")
		}
		p.Handles = append(p.Handles, le.Uint16(data))
		p.Values = append(p.Values, append([]byte(nil), data[4:4+n]...))
		data = data[4+n:]
	}
	return p, nil
}
