package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
	"github.com/srg/gatt/transport"
	"github.com/srg/gatt/transport/loopback"
)

// rig is one served bearer: the engine end answers requests injected
// through Serve, the remote end collects what went out on the wire.
type rig struct {
	t      *testing.T
	reg    *db.Registry
	engine *Engine
	sess   *Session
	remote transport.Bearer
}

func newRig(t *testing.T, pairOpts []loopback.Option, engOpts ...EngineOption) *rig {
	t.Helper()
	local, remote := loopback.Pair(pairOpts...)
	t.Cleanup(func() { local.Close(nil) })

	reg := db.NewRegistry()
	engine := NewEngine(reg, engOpts...)
	sess := NewSession(local, att.NewQueue(local))
	engine.Attach(sess)
	t.Cleanup(func() { engine.Detach(sess) })
	return &rig{t: t, reg: reg, engine: engine, sess: sess, remote: remote}
}

// request serves one PDU and returns the response from the wire.
func (r *rig) request(pdu []byte) []byte {
	r.t.Helper()
	require.NoError(r.t, r.engine.Serve(r.sess, pdu))
	rsp, err := r.remote.Recv()
	require.NoError(r.t, err)
	return rsp
}

// expectError serves one PDU and asserts an Error Response.
func (r *rig) expectError(pdu []byte, code att.ErrCode) att.ErrorRsp {
	r.t.Helper()
	rsp, err := att.ParseErrorRsp(r.request(pdu))
	require.NoError(r.t, err, "MUST answer with an Error Response")
	assert.Equal(r.t, pdu[0], rsp.ReqOpcode)
	assert.Equal(r.t, code, rsp.Code)
	return rsp
}

func registerBattery(t *testing.T, r *rig) *db.Service {
	t.Helper()
	svc := db.NewService(att.UUID16(0x180F)).
		Characteristic(att.UUID16(0x2A19), db.PropRead|db.PropNotify, db.PermRead, db.Static([]byte{85})).
		CCC(NewCCC(), db.PermRead|db.PermWrite).
		Build()
	require.NoError(t, r.reg.Register(svc))
	return svc
}

func TestEngineExchangeMTU(t *testing.T) {
	// GOAL: Verify MTU negotiation takes the minimum of both receive MTUs
	// and the response always carries this side's own capacity.

	tests := []struct {
		name       string
		clientMTU  uint16
		negotiated int
	}{
		{name: "client smaller", clientMTU: 50, negotiated: 50},
		{name: "client larger", clientMTU: 512, negotiated: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cbMTU int
			r := newRig(t, []loopback.Option{loopback.WithMTU(100)},
				WithMTUCallback(func(_ *Session, mtu int) { cbMTU = mtu }))

			rsp := r.request(att.ExchangeMTUReq{MTU: tt.clientMTU}.Marshal())
			parsed, err := att.ParseExchangeMTURsp(rsp)
			require.NoError(t, err)

			assert.Equal(t, uint16(100), parsed.MTU, "response MUST carry our receive MTU")
			assert.Equal(t, tt.negotiated, r.sess.MTU())
			assert.Equal(t, tt.negotiated, cbMTU, "MTU callback MUST fire after the response")
		})
	}

	t.Run("below protocol minimum", func(t *testing.T) {
		r := newRig(t, nil)
		r.expectError(att.ExchangeMTUReq{MTU: 10}.Marshal(), att.CodeInvalidPDU)
		assert.Equal(t, att.DefaultMTU, r.sess.MTU(), "rejected exchange MUST NOT move the MTU")
	})
}

func TestEngineUnknownOpcode(t *testing.T) {
	r := newRig(t, nil)
	r.expectError([]byte{0x7F, 0x00}, att.CodeNotSupported)
}

func TestEngineFindInfo(t *testing.T) {
	// GOAL: Verify Find Information lists handle/type pairs in one uniform
	// format and signals attribute-not-found past the database end.

	r := newRig(t, []loopback.Option{loopback.WithMTU(100)})
	svc := registerBattery(t, r)

	rsp := r.request(att.FindInfoReq{Start: 1, End: 0xFFFF}.Marshal())
	entries, err := att.ParseFindInfoRsp(rsp)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.True(t, entries[0].Type.Equal(att.UUIDPrimaryService))
	assert.True(t, entries[1].Type.Equal(att.UUIDCharacteristic))
	assert.True(t, entries[2].Type.Equal(att.UUID16(0x2A19)))
	assert.True(t, entries[3].Type.Equal(att.UUIDCCC))

	r.expectError(att.FindInfoReq{Start: svc.EndHandle() + 1, End: 0xFFFF}.Marshal(), att.CodeAttrNotFound)
	r.expectError(att.FindInfoReq{Start: 0, End: 5}.Marshal(), att.CodeInvalidHandle)
	r.expectError(att.FindInfoReq{Start: 5, End: 2}.Marshal(), att.CodeInvalidHandle)
}

func TestEngineReadByGroup(t *testing.T) {
	// GOAL: Verify primary service discovery returns group ranges and the
	// group type restriction is enforced.

	r := newRig(t, []loopback.Option{loopback.WithMTU(100)})
	first := registerBattery(t, r)
	second := registerBattery(t, r)

	rsp := r.request(att.ReadByGroupReq{Start: 1, End: 0xFFFF, Type: att.UUIDPrimaryService}.Marshal())
	entries, err := att.ParseReadByGroupRsp(rsp)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.StartHandle(), entries[0].Start)
	assert.Equal(t, first.EndHandle(), entries[0].End)
	assert.Equal(t, second.StartHandle(), entries[1].Start)
	assert.Equal(t, second.EndHandle(), entries[1].End)
	assert.Equal(t, []byte{0x0F, 0x18}, entries[0].Value, "group value MUST be the service UUID")

	r.expectError(att.ReadByGroupReq{Start: 1, End: 0xFFFF, Type: att.UUIDCharacteristic}.Marshal(),
		att.CodeUnsupportedGroupType)
}

func TestEngineReadByType(t *testing.T) {
	// GOAL: Verify characteristic discovery by type and the first-match
	// record length rule.

	r := newRig(t, []loopback.Option{loopback.WithMTU(100)})
	registerBattery(t, r)

	rsp := r.request(att.ReadByTypeReq{Start: 1, End: 0xFFFF, Type: att.UUIDCharacteristic}.Marshal())
	records, err := att.ParseReadByTypeRsp(rsp)
	require.NoError(t, err)
	require.Len(t, records, 1)

	props, valueHandle, uuid, err := db.ParseChrcValue(records[0].Value)
	require.NoError(t, err)
	assert.Equal(t, db.PropRead|db.PropNotify, props)
	assert.Equal(t, uint16(3), valueHandle)
	assert.True(t, uuid.Equal(att.UUID16(0x2A19)))

	r.expectError(att.ReadByTypeReq{Start: 1, End: 0xFFFF, Type: att.UUID16(0x2A37)}.Marshal(),
		att.CodeAttrNotFound)
}

func TestEngineFindByTypeValue(t *testing.T) {
	// GOAL: Verify primary service discovery by UUID returns the group
	// range of the matching service only.

	r := newRig(t, []loopback.Option{loopback.WithMTU(100)})
	battery := registerBattery(t, r)
	other := db.NewService(att.UUID16(0x180D)).Build()
	require.NoError(t, r.reg.Register(other))

	req := att.FindByTypeValueReq{
		Start: 1, End: 0xFFFF,
		Type:  att.UUIDPrimaryService.Uint16(),
		Value: att.UUID16(0x180F),
	}
	ranges, err := att.ParseFindByTypeValueRsp(r.request(req.Marshal()))
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, battery.StartHandle(), ranges[0].Start)
	assert.Equal(t, battery.EndHandle(), ranges[0].End)

	req.Value = att.UUID16(0x1810)
	r.expectError(req.Marshal(), att.CodeAttrNotFound)
}

func TestEngineRead(t *testing.T) {
	// GOAL: Verify plain and blob reads, MTU clipping, and the error codes
	// for bad handles and offsets.

	long := make([]byte, 40)
	for i := range long {
		long[i] = byte(i)
	}
	r := newRig(t, nil) // MTU 23
	svc := db.NewService(att.UUID16(0x180F)).
		Characteristic(att.UUID16(0x2A19), db.PropRead, db.PermRead, db.Static(long)).
		Build()
	require.NoError(t, r.reg.Register(svc))
	valueHandle := uint16(3)

	rsp := r.request(att.ReadReq{Handle: valueHandle}.Marshal())
	assert.Equal(t, att.OpReadRsp, rsp[0])
	assert.Equal(t, long[:22], rsp[1:], "read MUST clip at MTU-1")

	rsp = r.request(att.ReadBlobReq{Handle: valueHandle, Offset: 22}.Marshal())
	assert.Equal(t, att.OpReadBlobRsp, rsp[0])
	assert.Equal(t, long[22:], rsp[1:], "blob MUST continue from the offset")

	r.expectError(att.ReadBlobReq{Handle: valueHandle, Offset: 41}.Marshal(), att.CodeInvalidOffset)
	r.expectError(att.ReadReq{Handle: 0x0100}.Marshal(), att.CodeInvalidHandle)
}

func TestEngineReadPermissionGate(t *testing.T) {
	// GOAL: Verify the permission gate fires before the capability: a
	// write-only attribute reports read-not-permitted, an encrypted-read
	// attribute on a plain link reports insufficient encryption.

	r := newRig(t, nil) // loopback defaults to SecurityNone
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermWrite, db.NewValue(nil, 4)).
		Characteristic(att.UUID16(0x2A57), db.PropRead, db.PermReadEncrypt, db.Static([]byte{1})).
		Build()
	require.NoError(t, r.reg.Register(svc))

	r.expectError(att.ReadReq{Handle: 3}.Marshal(), att.CodeReadNotPermitted)
	r.expectError(att.ReadReq{Handle: 5}.Marshal(), att.CodeEncryption)
}

func TestEngineReadMultVariable(t *testing.T) {
	// GOAL: Verify the variable-length multi read frames each value behind
	// a 16-bit length prefix.

	r := newRig(t, []loopback.Option{loopback.WithMTU(100)})
	svc := db.NewService(att.UUID16(0x180F)).
		Characteristic(att.UUID16(0x2A19), db.PropRead, db.PermRead, db.Static([]byte{85})).
		Characteristic(att.UUID16(0x2A1A), db.PropRead, db.PermRead, db.Static([]byte{1, 2, 3})).
		Build()
	require.NoError(t, r.reg.Register(svc))

	rsp := r.request(att.ReadMultVariableReq{Handles: []uint16{3, 5}}.Marshal())
	values, err := att.ParseReadMultVariableRsp(rsp)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{85}, {1, 2, 3}}, values)

	r.expectError(att.ReadMultVariableReq{Handles: []uint16{3, 0x0100}}.Marshal(), att.CodeInvalidHandle)
}

func TestEngineWrite(t *testing.T) {
	// GOAL: Verify acknowledged writes and write commands, including the
	// rule that a failing command produces no error response.

	r := newRig(t, nil)
	value := db.NewValue(nil, 4)
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite|db.PropWriteWithoutResponse, db.PermWrite, value).
		Build()
	require.NoError(t, r.reg.Register(svc))

	rsp := r.request(att.WriteReq{Handle: 3, Value: []byte{1, 2}}.Marshal())
	assert.Equal(t, []byte{att.OpWriteRsp}, rsp)
	assert.Equal(t, []byte{1, 2}, value.Bytes())

	// A write command mutates silently.
	require.NoError(t, r.engine.Serve(r.sess, att.WriteReq{Handle: 3, Value: []byte{9}, Cmd: true}.Marshal()))
	assert.Equal(t, []byte{9, 2}, value.Bytes())

	// A failing write command stays silent; the next request's response is
	// the first PDU on the wire.
	require.NoError(t, r.engine.Serve(r.sess, att.WriteReq{Handle: 0x0100, Value: []byte{1}, Cmd: true}.Marshal()))
	rsp = r.request(att.ReadReq{Handle: 0x0100}.Marshal())
	assert.Equal(t, att.OpErrorRsp, rsp[0], "no error response MUST precede it for the command")

	r.expectError(att.WriteReq{Handle: 2, Value: []byte{1}}.Marshal(), att.CodeWriteNotPermitted)
}

func TestEnginePrepareExecute(t *testing.T) {
	// GOAL: Verify the long-write path: chunks staged without touching the
	// value, applied in order on execute, discarded on cancel.
	//
	// TEST SCENARIO: Two prepares echo back → value unchanged → execute
	// apply assembles the full value → cancel discards a later stage.

	r := newRig(t, nil)
	value := db.NewValue([]byte("xxxxxx"), 6)
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermWrite|db.PermPrepareWrite, value).
		Build()
	require.NoError(t, r.reg.Register(svc))

	first := att.PrepareWriteReq{Handle: 3, Offset: 0, Value: []byte("abc")}
	rsp := r.request(first.Marshal())
	assert.Equal(t, first.MarshalRsp(), rsp, "prepare response MUST echo the request")

	second := att.PrepareWriteReq{Handle: 3, Offset: 3, Value: []byte("def")}
	r.request(second.Marshal())
	assert.Equal(t, []byte("xxxxxx"), value.Bytes(), "staging MUST NOT touch the value")

	rsp = r.request(att.ExecuteWriteReq{Flags: att.ExecuteWriteApply}.Marshal())
	assert.Equal(t, []byte{att.OpExecuteWriteRsp}, rsp)
	assert.Equal(t, []byte("abcdef"), value.Bytes())

	r.request(att.PrepareWriteReq{Handle: 3, Offset: 0, Value: []byte("zzz")}.Marshal())
	rsp = r.request(att.ExecuteWriteReq{Flags: att.ExecuteWriteCancel}.Marshal())
	assert.Equal(t, []byte{att.OpExecuteWriteRsp}, rsp)
	assert.Equal(t, []byte("abcdef"), value.Bytes(), "cancel MUST discard the staged bytes")
}

// stagingHandler stages prepared bytes itself: it records the flags of
// every write it sees and the apply/cancel flushes delivered to it.
type stagingHandler struct {
	calls   []db.WriteFlag
	flushes []bool
	execErr error
}

func (h *stagingHandler) WriteAttr(_ db.Session, _ *db.Attribute, data []byte, _ int, flags db.WriteFlag) (int, error) {
	h.calls = append(h.calls, flags)
	if flags&db.WriteExecute != 0 && h.execErr != nil {
		return 0, h.execErr
	}
	return len(data), nil
}

func (h *stagingHandler) FlushAttr(_ db.Session, _ *db.Attribute, apply bool) error {
	h.flushes = append(h.flushes, apply)
	return nil
}

// writeDenyAuthorizer admits prepares but rejects the write check for one
// handle, so the refusal only surfaces at execute time.
type writeDenyAuthorizer struct {
	handle uint16
	err    error
}

func (d writeDenyAuthorizer) AuthorizeRead(db.Session, *db.Attribute) error { return nil }
func (d writeDenyAuthorizer) AuthorizeWrite(_ db.Session, a *db.Attribute) error {
	if a.Handle == d.handle {
		return d.err
	}
	return nil
}
func (d writeDenyAuthorizer) AuthorizePrepare(db.Session, *db.Attribute) error { return nil }

func TestEngineExecuteAtomicity(t *testing.T) {
	// GOAL: Verify every staged write passes the gate before any is
	// applied: a rejection anywhere in the queue leaves all values
	// untouched and the error response names the failing handle.
	//
	// TEST SCENARIO: Stage writes to two characteristics, the second of
	// which the authorizer rejects at write time → execute fails → the
	// first value is still unchanged.

	r := newRig(t, nil, WithAuthorizer(writeDenyAuthorizer{handle: 5, err: errors.New("denied")}))
	first := db.NewValue([]byte("xxx"), 3)
	second := db.NewValue([]byte("yyy"), 3)
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermWrite|db.PermPrepareWrite, first).
		Characteristic(att.UUID16(0x2A57), db.PropWrite, db.PermWrite|db.PermPrepareWrite, second).
		Build()
	require.NoError(t, r.reg.Register(svc))

	r.request(att.PrepareWriteReq{Handle: 3, Value: []byte("abc")}.Marshal())
	r.request(att.PrepareWriteReq{Handle: 5, Value: []byte("def")}.Marshal())

	rsp := r.expectError(att.ExecuteWriteReq{Flags: att.ExecuteWriteApply}.Marshal(), att.CodeAuthorization)
	assert.Equal(t, uint16(5), rsp.Handle, "the response MUST name the failing handle")
	assert.Equal(t, []byte("xxx"), first.Bytes(), "an earlier staged write MUST NOT be applied")
	assert.Equal(t, []byte("yyy"), second.Bytes())
}

func TestEngineExecuteFlushOnError(t *testing.T) {
	// GOAL: Verify handlers staging prepared bytes themselves receive the
	// cancel signal when an execute aborts, so nothing leaks staged.

	h := &stagingHandler{execErr: att.NewError(att.CodeWriteRejected, 0)}
	r := newRig(t, nil)
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermWrite|db.PermPrepareWrite, h).
		Build()
	require.NoError(t, r.reg.Register(svc))

	r.request(att.PrepareWriteReq{Handle: 3, Value: []byte{1}}.Marshal())
	r.expectError(att.ExecuteWriteReq{Flags: att.ExecuteWriteApply}.Marshal(), att.CodeWriteRejected)
	assert.Equal(t, []bool{false}, h.flushes, "an aborted execute MUST deliver the cancel signal")
}

func TestEnginePrepareDeliversPrepareFlag(t *testing.T) {
	// GOAL: Verify the capability sees each staged chunk under the prepare
	// flag for validation, and a chunk past the value cap is rejected at
	// prepare time rather than at execute.

	r := newRig(t, nil)
	h := &stagingHandler{}
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermWrite|db.PermPrepareWrite, h).
		Characteristic(att.UUID16(0x2A57), db.PropWrite, db.PermWrite|db.PermPrepareWrite, db.NewValue(nil, 4)).
		Build()
	require.NoError(t, r.reg.Register(svc))

	r.request(att.PrepareWriteReq{Handle: 3, Value: []byte{1, 2}}.Marshal())
	require.Len(t, h.calls, 1)
	assert.Equal(t, db.WritePrepare, h.calls[0], "the staged chunk MUST arrive prepare-flagged")

	r.expectError(att.PrepareWriteReq{Handle: 5, Offset: 3, Value: []byte{1, 2}}.Marshal(), att.CodeInvalidOffset)

	r.request(att.ExecuteWriteReq{Flags: att.ExecuteWriteCancel}.Marshal())
	assert.Equal(t, []bool{false}, h.flushes, "cancel MUST reach the staging handler")
}

func TestEnginePrepareQueueFull(t *testing.T) {
	r := newRig(t, nil, WithPrepareSlots(1))
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermWrite|db.PermPrepareWrite, db.NewValue(nil, 8)).
		Build()
	require.NoError(t, r.reg.Register(svc))

	r.request(att.PrepareWriteReq{Handle: 3, Value: []byte{1}}.Marshal())
	r.expectError(att.PrepareWriteReq{Handle: 3, Offset: 1, Value: []byte{2}}.Marshal(),
		att.CodePrepareQueueFull)
}

func TestEnginePrepareOnlyPermission(t *testing.T) {
	// GOAL: Verify PermPrepareWrite alone does not grant plain writes.

	r := newRig(t, nil)
	svc := db.NewService(att.UUID16(0x1815)).
		Characteristic(att.UUID16(0x2A56), db.PropWrite, db.PermPrepareWrite, db.NewValue(nil, 8)).
		Build()
	require.NoError(t, r.reg.Register(svc))

	r.expectError(att.WriteReq{Handle: 3, Value: []byte{1}}.Marshal(), att.CodeWriteNotPermitted)
}

// denyAuthorizer rejects every operation with a fixed error.
type denyAuthorizer struct{ err error }

func (d denyAuthorizer) AuthorizeRead(db.Session, *db.Attribute) error    { return d.err }
func (d denyAuthorizer) AuthorizeWrite(db.Session, *db.Attribute) error   { return d.err }
func (d denyAuthorizer) AuthorizePrepare(db.Session, *db.Attribute) error { return d.err }

func TestEngineAuthorizer(t *testing.T) {
	// GOAL: Verify authorizer refusals map to insufficient-authorization,
	// unless the authorizer already speaks protocol errors.

	t.Run("opaque refusal", func(t *testing.T) {
		r := newRig(t, nil, WithAuthorizer(denyAuthorizer{err: errors.New("nope")}))
		registerBattery(t, r)
		r.expectError(att.ReadReq{Handle: 3}.Marshal(), att.CodeAuthorization)
	})

	t.Run("protocol refusal passes through", func(t *testing.T) {
		r := newRig(t, nil, WithAuthorizer(denyAuthorizer{err: att.NewError(att.CodeWriteRejected, 0)}))
		registerBattery(t, r)
		r.expectError(att.ReadReq{Handle: 3}.Marshal(), att.CodeWriteRejected)
	})
}

func TestEngineDetachDropsNonBondedCCC(t *testing.T) {
	// GOAL: Verify a non-bonded peer's CCC entries and staged prepares are
	// discarded at detach, while the attribute database itself survives.

	r := newRig(t, nil)
	svc := registerBattery(t, r)
	ccc := svc.Attributes()[3].Handler.(*CCC)

	rsp := r.request(att.WriteReq{Handle: 4, Value: []byte{0x01, 0x00}}.Marshal())
	assert.Equal(t, []byte{att.OpWriteRsp}, rsp)
	assert.Equal(t, CCCNotify, ccc.ValueFor(r.sess))

	r.engine.Detach(r.sess)
	assert.Equal(t, uint16(0), ccc.ValueFor(r.sess), "non-bonded CCC entry MUST be dropped")
	assert.Equal(t, uint16(0), ccc.Value())
	r.engine.Attach(r.sess) // put it back for the rig cleanup
}
