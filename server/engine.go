package server

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// defaultPrepareSlots bounds the per-bearer prepared-write queue.
const defaultPrepareSlots = 8

// Engine answers inbound ATT requests against a registry and owns the
// per-peer CCC bookkeeping hooks. One Engine serves every bearer; all
// per-bearer state lives in the Session.
type Engine struct {
	reg     *db.Registry
	log     *logrus.Logger
	auth    Authorizer
	prepCap int

	// onMTU fires after an MTU exchange response has been handed to the
	// bearer, with the newly negotiated value.
	onMTU   func(s *Session, mtu int)
	cccSink CCCSink

	mu       sync.Mutex
	sessions []*Session
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *logrus.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithAuthorizer installs the application authorization hook.
func WithAuthorizer(a Authorizer) EngineOption {
	return func(e *Engine) { e.auth = a }
}

// WithPrepareSlots bounds the per-bearer prepared-write queue.
func WithPrepareSlots(n int) EngineOption {
	return func(e *Engine) { e.prepCap = n }
}

// WithMTUCallback registers the MTU-change hook.
func WithMTUCallback(fn func(s *Session, mtu int)) EngineOption {
	return func(e *Engine) { e.onMTU = fn }
}

// WithCCCSink installs the post-write CCC persistence hook.
func WithCCCSink(sink CCCSink) EngineOption {
	return func(e *Engine) { e.cccSink = sink }
}

// NewEngine builds a request engine over a registry.
func NewEngine(reg *db.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:     reg,
		log:     logrus.StandardLogger(),
		prepCap: defaultPrepareSlots,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the attribute database this engine serves.
func (e *Engine) Registry() *db.Registry { return e.reg }

// Attach registers a bearer session with the engine. Persisted CCC state
// for the peer must be restored by the caller before traffic flows.
func (e *Engine) Attach(s *Session) {
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
}

// Detach unregisters a session. Non-bonded peers lose their CCC entries;
// staged prepared writes are discarded either way.
func (e *Engine) Detach(s *Session) {
	e.mu.Lock()
	for i, cur := range e.sessions {
		if cur == s {
			e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	s.takePrepared()
	if !s.Bonded() {
		e.forEachCCC(func(a *db.Attribute, c *CCC) {
			c.dropPeer(s.Identity(), s.PeerAddr())
		})
	}
}

func (e *Engine) snapshot() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

func (e *Engine) forEachCCC(fn func(a *db.Attribute, c *CCC)) {
	e.reg.ForEach(1, 0xFFFF, db.Filter{UUID: att.UUIDCCC}, func(a *db.Attribute) db.Iter {
		if c, ok := a.Handler.(*CCC); ok {
			fn(a, c)
		}
		return db.Continue
	})
}

// Serve handles one inbound request or command PDU, sending any response
// on the session's bearer. Commands produce no response; malformed or
// failing requests produce an Error Response. Transport send failures are
// returned to the caller.
func (e *Engine) Serve(s *Session, pdu []byte) error {
	if len(pdu) == 0 {
		return nil
	}
	op := pdu[0]
	rsp, attErr := e.dispatch(s, op, pdu)
	if attErr != nil {
		e.log.WithFields(logrus.Fields{
			"op":     att.OpcodeName(op),
			"handle": attErr.Handle,
			"code":   attErr.Code,
		}).Debug("request failed")
		if op == att.OpWriteCmd {
			return nil
		}
		rsp = att.ErrorRsp{ReqOpcode: op, Handle: attErr.Handle, Code: attErr.Code}.Marshal()
	}
	if rsp == nil {
		return nil
	}
	if err := s.send(rsp); err != nil {
		return err
	}
	if op == att.OpExchangeMTUReq && attErr == nil && e.onMTU != nil {
		e.onMTU(s, s.MTU())
	}
	return nil
}

func (e *Engine) dispatch(s *Session, op uint8, pdu []byte) ([]byte, *att.Error) {
	switch op {
	case att.OpExchangeMTUReq:
		return e.exchangeMTU(s, pdu)
	case att.OpFindInfoReq:
		return e.findInfo(s, pdu)
	case att.OpFindByTypeValueReq:
		return e.findByTypeValue(s, pdu)
	case att.OpReadByTypeReq:
		return e.readByType(s, pdu)
	case att.OpReadByGroupReq:
		return e.readByGroup(s, pdu)
	case att.OpReadReq:
		return e.read(s, pdu)
	case att.OpReadBlobReq:
		return e.readBlob(s, pdu)
	case att.OpReadMultReq:
		return e.readMult(s, pdu)
	case att.OpReadMultVariableReq:
		return e.readMultVariable(s, pdu)
	case att.OpWriteReq, att.OpWriteCmd:
		return e.write(s, pdu)
	case att.OpPrepareWriteReq:
		return e.prepareWrite(s, pdu)
	case att.OpExecuteWriteReq:
		return e.executeWrite(s, pdu)
	default:
		return nil, att.NewError(att.CodeNotSupported, 0)
	}
}

func (e *Engine) exchangeMTU(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseExchangeMTUReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	if req.MTU < att.DefaultMTU {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	ours := s.Bearer().MTU()
	negotiated := int(req.MTU)
	if ours < negotiated {
		negotiated = ours
	}
	s.SetMTU(negotiated)
	e.log.WithFields(logrus.Fields{"peer": s.PeerAddr(), "mtu": negotiated}).Debug("mtu exchanged")
	return att.ExchangeMTURsp{MTU: uint16(ours)}.Marshal(), nil
}

func (e *Engine) findInfo(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseFindInfoReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	if req.Start == 0 || req.Start > req.End {
		return nil, att.NewError(att.CodeInvalidHandle, req.Start)
	}

	rsp := []byte{att.OpFindInfoRsp, 0}
	var format uint8
	size := 0
	e.reg.ForEach(req.Start, req.End, db.Filter{}, func(a *db.Attribute) db.Iter {
		f := att.FindInfoFormat128
		if a.Type.Is16() {
			f = att.FindInfoFormat16
		}
		if format == 0 {
			format, size = f, 2+len(a.Type)
		} else if f != format {
			return db.Stop
		}
		if len(rsp)+size > s.MTU() {
			return db.Stop
		}
		rsp = binary.LittleEndian.AppendUint16(rsp, a.Handle)
		rsp = append(rsp, a.Type...)
		return db.Continue
	})
	if format == 0 {
		return nil, att.NewError(att.CodeAttrNotFound, req.Start)
	}
	rsp[1] = format
	return rsp, nil
}

func (e *Engine) findByTypeValue(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseFindByTypeValueReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	if req.Start == 0 || req.Start > req.End {
		return nil, att.NewError(att.CodeInvalidHandle, req.Start)
	}

	rsp := []byte{att.OpFindByTypeValueRsp}
	e.reg.ForEach(req.Start, req.End, db.Filter{UUID: att.UUID16(req.Type)}, func(a *db.Attribute) db.Iter {
		value, rerr := a.Read(s, 0)
		if rerr != nil || !bytesEqual(value, req.Value) {
			return db.Continue
		}
		end := a.Handle
		if svc := e.reg.ServiceOf(a.Handle); svc != nil && svc.StartHandle() == a.Handle {
			end = svc.EndHandle()
		}
		if len(rsp)+4 > s.MTU() {
			return db.Stop
		}
		rsp = binary.LittleEndian.AppendUint16(rsp, a.Handle)
		rsp = binary.LittleEndian.AppendUint16(rsp, end)
		return db.Continue
	})
	if len(rsp) == 1 {
		return nil, att.NewError(att.CodeAttrNotFound, req.Start)
	}
	return rsp, nil
}

func (e *Engine) readByType(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseReadByTypeReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	if req.Start == 0 || req.Start > req.End {
		return nil, att.NewError(att.CodeInvalidHandle, req.Start)
	}

	rsp := []byte{att.OpReadByTypeRsp, 0}
	recLen := 0
	var gateErr *att.Error
	e.reg.ForEach(req.Start, req.End, db.Filter{UUID: req.Type}, func(a *db.Attribute) db.Iter {
		if cerr := checkRead(s, a, e.auth); cerr != nil {
			if recLen == 0 {
				gateErr = cerr
			}
			return db.Stop
		}
		value, rerr := a.Read(s, 0)
		if rerr != nil {
			if recLen == 0 {
				gateErr = toAttError(rerr, a.Handle)
			}
			return db.Stop
		}
		// Every record shares one length; the first match fixes it. The
		// per-record value is capped at mtu-4 and 253 by the length octet.
		if max := minInt(s.MTU()-4, 253); len(value) > max {
			value = value[:max]
		}
		if recLen == 0 {
			recLen = 2 + len(value)
		} else if 2+len(value) != recLen {
			return db.Stop
		}
		if len(rsp)+recLen > s.MTU() {
			return db.Stop
		}
		rsp = binary.LittleEndian.AppendUint16(rsp, a.Handle)
		rsp = append(rsp, value...)
		return db.Continue
	})
	if gateErr != nil {
		return nil, gateErr
	}
	if recLen == 0 {
		return nil, att.NewError(att.CodeAttrNotFound, req.Start)
	}
	rsp[1] = uint8(recLen)
	return rsp, nil
}

func (e *Engine) readByGroup(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseReadByGroupReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	if req.Start == 0 || req.Start > req.End {
		return nil, att.NewError(att.CodeInvalidHandle, req.Start)
	}
	if !req.Type.Equal(att.UUIDPrimaryService) && !req.Type.Equal(att.UUIDSecondaryService) {
		return nil, att.NewError(att.CodeUnsupportedGroupType, req.Start)
	}

	rsp := []byte{att.OpReadByGroupRsp, 0}
	recLen := 0
	e.reg.ForEach(req.Start, req.End, db.Filter{UUID: req.Type}, func(a *db.Attribute) db.Iter {
		value, rerr := a.Read(s, 0)
		if rerr != nil {
			return db.Stop
		}
		if recLen == 0 {
			recLen = 4 + len(value)
		} else if 4+len(value) != recLen {
			return db.Stop
		}
		if len(rsp)+recLen > s.MTU() {
			return db.Stop
		}
		end := a.Handle
		if svc := e.reg.ServiceOf(a.Handle); svc != nil {
			end = svc.EndHandle()
		}
		rsp = binary.LittleEndian.AppendUint16(rsp, a.Handle)
		rsp = binary.LittleEndian.AppendUint16(rsp, end)
		rsp = append(rsp, value...)
		return db.Continue
	})
	if recLen == 0 {
		return nil, att.NewError(att.CodeAttrNotFound, req.Start)
	}
	rsp[1] = uint8(recLen)
	return rsp, nil
}

func (e *Engine) read(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseReadReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	value, attErr := e.readAttr(s, req.Handle, 0)
	if attErr != nil {
		return nil, attErr
	}
	if max := s.MTU() - 1; len(value) > max {
		value = value[:max]
	}
	return append([]byte{att.OpReadRsp}, value...), nil
}

func (e *Engine) readBlob(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseReadBlobReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	value, attErr := e.readAttr(s, req.Handle, int(req.Offset))
	if attErr != nil {
		return nil, attErr
	}
	if max := s.MTU() - 1; len(value) > max {
		value = value[:max]
	}
	return append([]byte{att.OpReadBlobRsp}, value...), nil
}

func (e *Engine) readMult(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseReadMultReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	rsp := []byte{att.OpReadMultRsp}
	for _, h := range req.Handles {
		value, attErr := e.readAttr(s, h, 0)
		if attErr != nil {
			return nil, attErr
		}
		rsp = append(rsp, value...)
		if len(rsp) >= s.MTU() {
			rsp = rsp[:s.MTU()]
			break
		}
	}
	return rsp, nil
}

func (e *Engine) readMultVariable(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseReadMultVariableReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	rsp := []byte{att.OpReadMultVariableRsp}
	for _, h := range req.Handles {
		value, attErr := e.readAttr(s, h, 0)
		if attErr != nil {
			return nil, attErr
		}
		rsp = binary.LittleEndian.AppendUint16(rsp, uint16(len(value)))
		rsp = append(rsp, value...)
		if len(rsp) >= s.MTU() {
			rsp = rsp[:s.MTU()]
			break
		}
	}
	return rsp, nil
}

// readAttr is the common lookup+gate+read path of the single-value reads.
func (e *Engine) readAttr(s *Session, handle uint16, offset int) ([]byte, *att.Error) {
	a := e.reg.Find(handle)
	if a == nil {
		return nil, att.NewError(att.CodeInvalidHandle, handle)
	}
	if attErr := checkRead(s, a, e.auth); attErr != nil {
		return nil, attErr
	}
	value, err := a.Read(s, offset)
	if err != nil {
		return nil, toAttError(err, handle)
	}
	return value, nil
}

func (e *Engine) write(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseWriteReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	a := e.reg.Find(req.Handle)
	if a == nil {
		return nil, att.NewError(att.CodeInvalidHandle, req.Handle)
	}
	if attErr := checkWrite(s, a, e.auth); attErr != nil {
		return nil, attErr
	}
	var flags db.WriteFlag
	if req.Cmd {
		flags |= db.WriteCommand
	}
	if _, werr := a.Write(s, req.Value, 0, flags); werr != nil {
		return nil, toAttError(werr, req.Handle)
	}
	e.persistCCC(s, a)
	if req.Cmd {
		return nil, nil
	}
	return []byte{att.OpWriteRsp}, nil
}

func (e *Engine) prepareWrite(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParsePrepareWriteReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	a := e.reg.Find(req.Handle)
	if a == nil {
		return nil, att.NewError(att.CodeInvalidHandle, req.Handle)
	}
	if attErr := checkPrepare(s, a, e.auth); attErr != nil {
		return nil, attErr
	}
	// The capability sees the chunk under the prepare flag for validation;
	// state must not mutate until the execute delivers it again.
	if wh, ok := a.Handler.(db.WriteHandler); ok {
		if _, werr := wh.WriteAttr(s, a, req.Value, int(req.Offset), db.WritePrepare); werr != nil {
			return nil, toAttError(werr, req.Handle)
		}
	}
	if !s.stagePrepare(req, e.prepCap) {
		return nil, att.NewError(att.CodePrepareQueueFull, req.Handle)
	}
	return req.MarshalRsp(), nil
}

func (e *Engine) executeWrite(s *Session, pdu []byte) ([]byte, *att.Error) {
	req, err := att.ParseExecuteWriteReq(pdu)
	if err != nil {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	staged := s.takePrepared()
	if req.Flags == att.ExecuteWriteCancel {
		e.flushStaged(s, staged, false)
		return []byte{att.OpExecuteWriteRsp}, nil
	}
	if req.Flags != att.ExecuteWriteApply {
		return nil, att.NewError(att.CodeInvalidPDU, 0)
	}
	// Every staged write passes the gate before any is applied, so a
	// mid-queue permission failure cannot leave a partial commit behind.
	attrs := make([]*db.Attribute, len(staged))
	for i, p := range staged {
		a := e.reg.Find(p.Handle)
		if a == nil {
			// The attribute's service was unregistered between the prepare
			// and the execute.
			e.flushStaged(s, staged, false)
			return nil, att.NewError(att.CodeInvalidHandle, p.Handle)
		}
		if attErr := checkWrite(s, a, e.auth); attErr != nil {
			e.flushStaged(s, staged, false)
			return nil, attErr
		}
		attrs[i] = a
	}
	for i, p := range staged {
		if _, werr := attrs[i].Write(s, p.Value, int(p.Offset), db.WriteExecute); werr != nil {
			// The first handler error aborts the remainder; applied writes
			// stand. Handlers staging internally still get the cancel.
			e.flushStaged(s, staged, false)
			return nil, toAttError(werr, p.Handle)
		}
	}
	e.flushStaged(s, staged, true)
	return []byte{att.OpExecuteWriteRsp}, nil
}

// flushStaged delivers the execute/cancel signal once per distinct
// attribute to handlers that track prepared state themselves.
func (e *Engine) flushStaged(s *Session, staged []att.PrepareWriteReq, apply bool) {
	seen := make(map[uint16]bool, len(staged))
	for _, p := range staged {
		if seen[p.Handle] {
			continue
		}
		seen[p.Handle] = true
		a := e.reg.Find(p.Handle)
		if a == nil {
			continue
		}
		if fh, ok := a.Handler.(db.FlushHandler); ok {
			if err := fh.FlushAttr(s, a, apply); err != nil {
				e.log.WithError(err).WithField("handle", p.Handle).Debug("flush failed")
			}
		}
	}
}

// CCCSink is called by the engine after a peer successfully writes a CCC
// descriptor, so changed configurations can be persisted for bonded peers.
type CCCSink func(s *Session, a *db.Attribute)

func (e *Engine) persistCCC(s *Session, a *db.Attribute) {
	if _, ok := a.Handler.(*CCC); !ok {
		return
	}
	if e.cccSink != nil {
		e.cccSink(s, a)
	}
}

// toAttError shapes a capability error into a protocol error, defaulting
// unclassified failures to the unlikely-error code.
func toAttError(err error, handle uint16) *att.Error {
	var ae *att.Error
	if errors.As(err, &ae) {
		return ae
	}
	return att.WrapError(att.CodeUnlikely, handle, err)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
