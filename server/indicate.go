package server

import (
	"sync/atomic"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// IndicateParams describes one indication round. The block is owned by
// the engine from a successful Indicate call until Destroy fires; after
// Destroy it may be reused for another round.
type IndicateParams struct {
	Attr *db.Attribute
	UUID att.UUID
	Data []byte
	// Func observes the confirmation (or failure) per targeted peer.
	Func func(s *Session, err error)
	// Destroy fires exactly once per round, after the last per-peer
	// outcome has been delivered, including rounds cut short by
	// disconnects.
	Destroy func(p *IndicateParams)
	// UserData rides along for the callbacks' benefit.
	UserData any

	active atomic.Bool
	refs   atomic.Int32
}

func (p *IndicateParams) unref() {
	if p.refs.Add(-1) == 0 {
		p.active.Store(false)
		if p.Destroy != nil {
			p.Destroy(p)
		}
	}
}

// Indicate sends a handle value indication to target, or to every peer
// subscribed for indications when target is nil. The params block must
// not be in flight; reuse before Destroy is ErrInUse. Each targeted peer
// confirms (or fails) independently through p.Func.
func (e *Engine) Indicate(target *Session, p *IndicateParams) error {
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}
	value, ccc, err := e.resolve(p.Attr, p.UUID)
	if err != nil {
		p.active.Store(false)
		return err
	}
	targets, err := e.targets(target, value, ccc, CCCIndicate)
	if err != nil {
		p.active.Store(false)
		return err
	}

	// The guard reference keeps Destroy from firing while submissions are
	// still being issued.
	p.refs.Store(1)
	issued := 0
	var lastErr error
	for _, s := range targets {
		data := p.Data
		if max := s.MTU() - 3; len(data) > max {
			data = data[:max]
		}
		pdu := att.ValueUpdate{Handle: value.Handle, Value: data, Indicate: true}.Marshal()
		sess := s
		entry := &att.Entry{
			PDU:       pdu,
			RspOpcode: att.OpConfirm,
			Done: func(_ []byte, err error) {
				if p.Func != nil {
					p.Func(sess, err)
				}
				p.unref()
			},
		}
		p.refs.Add(1)
		if err := s.Queue().Submit(entry); err != nil {
			p.refs.Add(-1)
			lastErr = err
			if target != nil {
				break
			}
			// The peer drops out of this round; its outcome is never
			// reported, so the callback/Destroy accounting stays exact.
			e.log.WithError(err).WithField("peer", s.PeerAddr()).Debug("indicate submit failed")
			continue
		}
		issued++
	}

	if issued == 0 {
		// Nothing went out: unwind without firing Destroy.
		p.refs.Store(0)
		p.active.Store(false)
		if lastErr != nil {
			return lastErr
		}
		return att.ErrUnlikely
	}
	p.unref()
	return nil
}
