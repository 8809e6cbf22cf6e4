package client

import (
	"sync/atomic"

	"github.com/srg/gatt/att"
)

// WriteParams drives one write procedure: a plain write request, or a
// long write (prepare/execute) when Long is set or the value does not fit
// a single request at the negotiated MTU.
type WriteParams struct {
	Handle uint16
	Offset uint16
	Data   []byte
	Long   bool

	// Func reports the procedure outcome.
	Func func(c *Client, err error)

	active atomic.Bool
	entry  att.Entry
	staged int
}

// Write starts the write procedure described by p.
func (c *Client) Write(p *WriteParams) error {
	if p.Handle == 0 {
		return att.ErrInvalidParam
	}
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}

	long := p.Long || p.Offset > 0 || len(p.Data) > c.MTU()-3
	var err error
	if long {
		p.staged = 0
		err = c.prepareStep(p)
	} else {
		p.entry = att.Entry{
			PDU:       att.WriteReq{Handle: p.Handle, Value: p.Data}.Marshal(),
			RspOpcode: att.OpWriteRsp,
			Done: func(_ []byte, err error) {
				c.writeFinish(p, err)
			},
		}
		err = c.queue.Submit(&p.entry)
	}
	if err != nil {
		p.active.Store(false)
	}
	return err
}

// WriteWithoutResponse sends a write command. Delivery is not
// acknowledged; the call fails only on local validation or submission.
func (c *Client) WriteWithoutResponse(handle uint16, data []byte) error {
	if handle == 0 {
		return att.ErrInvalidParam
	}
	if len(data) > c.MTU()-3 {
		return att.ErrTooLarge
	}
	return c.queue.Submit(&att.Entry{
		PDU: att.WriteReq{Handle: handle, Value: data, Cmd: true}.Marshal(),
	})
}

// prepareStep stages the next chunk, or issues the execute once all of
// the value is queued peer-side.
func (c *Client) prepareStep(p *WriteParams) error {
	if p.staged >= len(p.Data) {
		p.entry = att.Entry{
			PDU:       att.ExecuteWriteReq{Flags: att.ExecuteWriteApply}.Marshal(),
			RspOpcode: att.OpExecuteWriteRsp,
			Done: func(_ []byte, err error) {
				c.writeFinish(p, err)
			},
		}
		return c.queue.Submit(&p.entry)
	}

	chunk := p.Data[p.staged:]
	if max := c.MTU() - 5; len(chunk) > max {
		chunk = chunk[:max]
	}
	req := att.PrepareWriteReq{
		Handle: p.Handle,
		Offset: p.Offset + uint16(p.staged),
		Value:  chunk,
	}
	p.entry = att.Entry{
		PDU:       req.Marshal(),
		RspOpcode: att.OpPrepareWriteRsp,
		Done: func(rsp []byte, err error) {
			c.prepareDone(p, req, rsp, err)
		},
	}
	return c.queue.Submit(&p.entry)
}

func (c *Client) prepareDone(p *WriteParams, req att.PrepareWriteReq, rsp []byte, err error) {
	if err != nil {
		c.cancelPrepared(p, err)
		return
	}
	echo, perr := att.ParsePrepareWriteRsp(rsp)
	if perr != nil || echo.Handle != req.Handle || echo.Offset != req.Offset {
		c.cancelPrepared(p, att.NewError(att.CodeInvalidPDU, req.Handle))
		return
	}
	p.staged += len(req.Value)
	if serr := c.prepareStep(p); serr != nil {
		c.cancelPrepared(p, serr)
	}
}

// cancelPrepared rolls back the peer's prepare queue after a failed long
// write, then reports the original failure.
func (c *Client) cancelPrepared(p *WriteParams, cause error) {
	p.entry = att.Entry{
		PDU:       att.ExecuteWriteReq{Flags: att.ExecuteWriteCancel}.Marshal(),
		RspOpcode: att.OpExecuteWriteRsp,
		Done: func(_ []byte, _ error) {
			c.writeFinish(p, cause)
		},
	}
	if err := c.queue.Submit(&p.entry); err != nil {
		c.writeFinish(p, cause)
	}
}

func (c *Client) writeFinish(p *WriteParams, err error) {
	p.active.Store(false)
	if p.Func != nil {
		p.Func(c, err)
	}
}
