package client

import (
	"errors"
	"sync/atomic"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// ReadParams drives one read procedure. The forms are:
//
//   - Handle set: a single read, or a long read when Long is set, paging
//     with read blob requests until a short chunk arrives.
//   - UUID set with Start/End: read by characteristic UUID, paging across
//     matching attributes.
//
// Each value chunk arrives through Func with the attribute handle it came
// from; the terminal call has nil data and carries the failure, if any.
type ReadParams struct {
	Handle uint16
	Offset uint16
	Long   bool

	UUID  att.UUID
	Start uint16
	End   uint16

	Func func(c *Client, handle uint16, data []byte, err error) db.Iter

	active atomic.Bool
	entry  att.Entry
}

// Read starts the read procedure described by p.
func (c *Client) Read(p *ReadParams) error {
	if p.Func == nil {
		return att.ErrInvalidParam
	}
	byUUID := len(p.UUID) > 0
	if byUUID && (p.Start == 0 || p.Start > p.End) {
		return att.ErrInvalidParam
	}
	if !byUUID && p.Handle == 0 {
		return att.ErrInvalidParam
	}
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}

	var err error
	if byUUID {
		err = c.readByUUIDStep(p, p.Start)
	} else {
		err = c.readStep(p, p.Offset)
	}
	if err != nil {
		p.active.Store(false)
	}
	return err
}

// readStep issues one read or read blob request at the given offset.
func (c *Client) readStep(p *ReadParams, offset uint16) error {
	var pdu []byte
	var rspOp uint8
	if offset == 0 {
		pdu = att.ReadReq{Handle: p.Handle}.Marshal()
		rspOp = att.OpReadRsp
	} else {
		pdu = att.ReadBlobReq{Handle: p.Handle, Offset: offset}.Marshal()
		rspOp = att.OpReadBlobRsp
	}
	p.entry = att.Entry{
		PDU:       pdu,
		RspOpcode: rspOp,
		Done: func(rsp []byte, err error) {
			c.readDone(p, offset, rsp, err)
		},
	}
	return c.queue.Submit(&p.entry)
}

func (c *Client) readDone(p *ReadParams, offset uint16, rsp []byte, err error) {
	if err != nil {
		// A blob read past the end means the previous chunk was the last.
		if offset > 0 && errors.Is(err, att.ErrInvalidOffset) {
			c.readFinish(p, nil)
			return
		}
		c.readFinish(p, err)
		return
	}
	data := rsp[1:]
	if p.Func(c, p.Handle, data, nil) == db.Stop {
		p.active.Store(false)
		return
	}
	// A chunk shorter than the MTU allows is the end of the value; a full
	// chunk may continue, so a long read follows up with a blob request.
	if !p.Long || len(data) < c.MTU()-1 {
		c.readFinish(p, nil)
		return
	}
	next := offset + uint16(len(data))
	if err := c.readStep(p, next); err != nil {
		c.readFinish(p, err)
	}
}

// readByUUIDStep issues one read-by-type page starting at start.
func (c *Client) readByUUIDStep(p *ReadParams, start uint16) error {
	p.entry = att.Entry{
		PDU:       att.ReadByTypeReq{Start: start, End: p.End, Type: p.UUID}.Marshal(),
		RspOpcode: att.OpReadByTypeRsp,
		Done: func(rsp []byte, err error) {
			c.readByUUIDDone(p, rsp, err)
		},
	}
	return c.queue.Submit(&p.entry)
}

func (c *Client) readByUUIDDone(p *ReadParams, rsp []byte, err error) {
	if err != nil {
		if errors.Is(err, att.ErrAttrNotFound) {
			c.readFinish(p, nil)
		} else {
			c.readFinish(p, err)
		}
		return
	}
	entries, perr := att.ParseReadByTypeRsp(rsp)
	if perr != nil {
		c.readFinish(p, att.WrapError(att.CodeInvalidPDU, 0, perr))
		return
	}
	last := uint16(0)
	for _, e := range entries {
		if e.Handle < last {
			c.readFinish(p, att.NewError(att.CodeInvalidPDU, e.Handle))
			return
		}
		last = e.Handle
		if p.Func(c, e.Handle, e.Value, nil) == db.Stop {
			p.active.Store(false)
			return
		}
	}
	if last >= p.End || last == 0xFFFF {
		c.readFinish(p, nil)
		return
	}
	if err := c.readByUUIDStep(p, last+1); err != nil {
		c.readFinish(p, err)
	}
}

func (c *Client) readFinish(p *ReadParams, err error) {
	p.active.Store(false)
	p.Func(c, 0, nil, err)
}

// ReadMultiple reads several complete attribute values in one request.
// With variable set the response carries per-value length prefixes and
// values arrive through the callback individually; otherwise the peer's
// concatenation arrives as one blob under handle 0.
func (c *Client) ReadMultiple(p *ReadParams, handles []uint16, variable bool) error {
	if p.Func == nil || len(handles) < 2 {
		return att.ErrInvalidParam
	}
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}
	var pdu []byte
	var rspOp uint8
	if variable {
		pdu = att.ReadMultVariableReq{Handles: handles}.Marshal()
		rspOp = att.OpReadMultVariableRsp
	} else {
		pdu = att.ReadMultReq{Handles: handles}.Marshal()
		rspOp = att.OpReadMultRsp
	}
	p.entry = att.Entry{
		PDU:       pdu,
		RspOpcode: rspOp,
		Done: func(rsp []byte, err error) {
			if err != nil {
				c.readFinish(p, err)
				return
			}
			if variable {
				values, perr := att.ParseReadMultVariableRsp(rsp)
				if perr != nil {
					c.readFinish(p, att.WrapError(att.CodeInvalidPDU, 0, perr))
					return
				}
				for i, v := range values {
					h := uint16(0)
					if i < len(handles) {
						h = handles[i]
					}
					if p.Func(c, h, v, nil) == db.Stop {
						p.active.Store(false)
						return
					}
				}
				c.readFinish(p, nil)
				return
			}
			if p.Func(c, 0, rsp[1:], nil) == db.Stop {
				p.active.Store(false)
				return
			}
			c.readFinish(p, nil)
		},
	}
	if err := c.queue.Submit(&p.entry); err != nil {
		p.active.Store(false)
		return err
	}
	return nil
}
