package server

import (
	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// NotifyParams describes one notification. Either Attr references the
// characteristic (declaration or value attribute) directly, or UUID names
// it and Attr optionally anchors where the lookup starts.
type NotifyParams struct {
	Attr *db.Attribute
	UUID att.UUID
	Data []byte
	// Func observes the transmission outcome per targeted peer. Nil is
	// fine for fire-and-forget producers.
	Func func(s *Session, err error)
	// UserData rides along for the callback's benefit.
	UserData any
}

// Notify sends a handle value notification to target, or to every
// subscribed peer when target is nil. The value is truncated to the
// per-bearer MTU budget. Local validation failures are returned
// immediately; transmission outcomes arrive through p.Func.
func (e *Engine) Notify(target *Session, p *NotifyParams) error {
	value, ccc, err := e.resolve(p.Attr, p.UUID)
	if err != nil {
		return err
	}
	targets, err := e.targets(target, value, ccc, CCCNotify)
	if err != nil {
		return err
	}

	for _, s := range targets {
		data := p.Data
		if max := s.MTU() - 3; len(data) > max {
			data = data[:max]
		}
		pdu := att.ValueUpdate{Handle: value.Handle, Value: data}.Marshal()
		sess := s
		entry := &att.Entry{
			PDU: pdu,
			Done: func(_ []byte, err error) {
				if p.Func != nil {
					p.Func(sess, err)
				}
			},
		}
		if err := s.Queue().Submit(entry); err != nil {
			if target != nil {
				return err
			}
			e.log.WithError(err).WithField("peer", s.PeerAddr()).Debug("notify submit failed")
			if p.Func != nil {
				p.Func(sess, err)
			}
		}
	}
	return nil
}

// NotifyValue is the fire-and-forget form: no callback, all subscribers.
func (e *Engine) NotifyValue(attr *db.Attribute, data []byte) error {
	return e.Notify(nil, &NotifyParams{Attr: attr, Data: data})
}

// NotifyRecord is one (characteristic, value) pair of a multi-notification.
type NotifyRecord struct {
	Attr *db.Attribute
	Data []byte
}

// NotifyMultiParams describes one Multiple Handle Value Notification. All
// records share the callback and user data.
type NotifyMultiParams struct {
	Records  []NotifyRecord
	Func     func(s *Session, err error)
	UserData any
}

// NotifyMulti packs several values into a single multi-notification PDU
// for one peer. The peer must have announced multi-notification support
// and be subscribed to every referenced characteristic; the packed PDU
// must fit the negotiated MTU. The shared callback fires once per record
// after the one transmission completes.
func (e *Engine) NotifyMulti(target *Session, p *NotifyMultiParams) error {
	if target == nil || len(p.Records) < 2 {
		return att.ErrInvalidParam
	}
	if !target.Bearer().Features().MultiNotifications {
		return att.ErrPeerNotSupported
	}

	upd := att.MultiValueUpdate{
		Handles: make([]uint16, 0, len(p.Records)),
		Values:  make([][]byte, 0, len(p.Records)),
	}
	for _, rec := range p.Records {
		value, ccc, err := e.resolve(rec.Attr, nil)
		if err != nil {
			return err
		}
		if ccc == nil || !ccc.subscribed(target, value, CCCNotify) {
			return att.ErrNotSubscribed
		}
		upd.Handles = append(upd.Handles, value.Handle)
		upd.Values = append(upd.Values, rec.Data)
	}
	pdu := upd.Marshal()
	if len(pdu) > target.MTU() {
		return att.ErrTooLarge
	}

	entry := &att.Entry{
		PDU: pdu,
		Done: func(_ []byte, err error) {
			if p.Func == nil {
				return
			}
			for range p.Records {
				p.Func(target, err)
			}
		},
	}
	return target.Queue().Submit(entry)
}

// resolve maps a (attr, uuid) reference to the characteristic value
// attribute and its CCC descriptor. With a UUID the lookup starts at the
// anchor attribute (or the database start) and finds the first attribute
// of that type.
func (e *Engine) resolve(attr *db.Attribute, uuid att.UUID) (*db.Attribute, *CCC, error) {
	if len(uuid) > 0 {
		start := uint16(1)
		if attr != nil {
			start = attr.Handle
		}
		attr = e.reg.FindByType(start, 0xFFFF, uuid)
	}
	if attr == nil {
		return nil, nil, att.ErrAttrNotFound
	}
	value := e.reg.ValueAttr(attr)
	if value == nil {
		return nil, nil, att.ErrAttrNotFound
	}
	return value, e.cccOf(value), nil
}

// cccOf finds the CCC descriptor of the characteristic owning the value
// attribute: the scan stops at the next declaration.
func (e *Engine) cccOf(value *db.Attribute) *CCC {
	var found *CCC
	e.reg.ForEach(value.Handle+1, 0xFFFF, db.Filter{}, func(a *db.Attribute) db.Iter {
		switch a.Handler.(type) {
		case *db.Chrc, *db.ServiceDecl, *db.IncludeDecl:
			return db.Stop
		}
		if a.Type.Equal(att.UUIDCCC) {
			if c, ok := a.Handler.(*CCC); ok {
				found = c
			}
			return db.Stop
		}
		return db.Continue
	})
	return found
}

// targets materializes the peer set for a value update.
func (e *Engine) targets(target *Session, value *db.Attribute, ccc *CCC, bits uint16) ([]*Session, error) {
	if ccc == nil {
		return nil, att.ErrNotSubscribed
	}
	if target != nil {
		if !ccc.subscribed(target, value, bits) {
			return nil, att.ErrNotSubscribed
		}
		return []*Session{target}, nil
	}
	var targets []*Session
	for _, s := range e.snapshot() {
		if ccc.subscribed(s, value, bits) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return nil, att.ErrNotSubscribed
	}
	return targets, nil
}

// Subscribed reports whether the peer currently holds any of the given
// CCC bits on the characteristic owning attr.
func (e *Engine) Subscribed(s db.Session, attr *db.Attribute, bits uint16) bool {
	value := e.reg.ValueAttr(attr)
	if value == nil {
		return false
	}
	ccc := e.cccOf(value)
	return ccc != nil && ccc.subscribed(s, value, bits)
}
