// Package client implements the GATT client role: discovery, read and
// write procedures, subscription management, and the demultiplexing of
// server-initiated value updates, all driven through the per-bearer
// procedure queue.
package client

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/transport"
)

// Client runs GATT client procedures against the peer on one bearer.
// Every multi-step procedure (discovery paging, long reads, long writes)
// is owned by its params block from submission until its completion
// callback has fired, and at most one step of it is queued at a time.
type Client struct {
	bearer transport.Bearer
	queue  *att.Queue
	log    *logrus.Logger
	mtu    atomic.Int32

	mu   sync.Mutex
	subs []*SubscribeParams

	// onMTU fires when an MTU exchange initiated here concludes.
	onMTU func(mtu int)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMTUCallback registers the MTU-change hook.
func WithMTUCallback(fn func(mtu int)) Option {
	return func(c *Client) { c.onMTU = fn }
}

// New creates a client over a bearer and its procedure queue. The queue
// is shared with the server role on the same bearer.
func New(bearer transport.Bearer, queue *att.Queue, opts ...Option) *Client {
	c := &Client{
		bearer: bearer,
		queue:  queue,
		log:    logrus.StandardLogger(),
	}
	c.mtu.Store(att.DefaultMTU)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MTU reports the ATT MTU negotiated on this bearer.
func (c *Client) MTU() int { return int(c.mtu.Load()) }

// SetMTU records an MTU negotiated by the server role on the same bearer.
func (c *Client) SetMTU(mtu int) {
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	for {
		cur := c.mtu.Load()
		if int32(mtu) <= cur || c.mtu.CompareAndSwap(cur, int32(mtu)) {
			return
		}
	}
}

// Queue exposes the underlying procedure queue.
func (c *Client) Queue() *att.Queue { return c.queue }

// ExchangeMTUParams drives one client-initiated MTU exchange.
type ExchangeMTUParams struct {
	// Func reports the negotiated MTU, or the failure.
	Func func(c *Client, err error, mtu int)

	active atomic.Bool
	entry  att.Entry
}

// ExchangeMTU negotiates the ATT MTU, offering this side's receive
// capacity. At most one exchange may be in flight per params block.
func (c *Client) ExchangeMTU(p *ExchangeMTUParams) error {
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}
	p.entry = att.Entry{
		PDU:       att.ExchangeMTUReq{MTU: uint16(c.bearer.MTU())}.Marshal(),
		RspOpcode: att.OpExchangeMTURsp,
		Done: func(rsp []byte, err error) {
			p.active.Store(false)
			if err != nil {
				c.complete(p.Func, err, 0)
				return
			}
			parsed, perr := att.ParseExchangeMTURsp(rsp)
			if perr != nil {
				c.complete(p.Func, att.WrapError(att.CodeInvalidPDU, 0, perr), 0)
				return
			}
			negotiated := minInt(int(parsed.MTU), c.bearer.MTU())
			c.SetMTU(negotiated)
			if c.onMTU != nil {
				c.onMTU(negotiated)
			}
			c.complete(p.Func, nil, negotiated)
		},
	}
	if err := c.queue.Submit(&p.entry); err != nil {
		p.active.Store(false)
		return err
	}
	return nil
}

func (c *Client) complete(fn func(*Client, error, int), err error, mtu int) {
	if fn != nil {
		fn(c, err, mtu)
	}
}

// HandleServerPDU routes a server-initiated PDU (notification, multi
// notification, or indication) to the matching subscriptions. An
// indication is confirmed after every matching callback has returned, so
// the peer's retransmission window closes only once the value landed.
func (c *Client) HandleServerPDU(pdu []byte) error {
	if len(pdu) == 0 {
		return nil
	}
	switch pdu[0] {
	case att.OpNotify, att.OpIndicate:
		upd, err := att.ParseValueUpdate(pdu)
		if err != nil {
			return err
		}
		c.dispatch(upd.Handle, upd.Value)
		if upd.Indicate {
			return c.bearer.Send([]byte{att.OpConfirm})
		}
		return nil
	case att.OpNotifyMult:
		upd, err := att.ParseMultiValueUpdate(pdu)
		if err != nil {
			return err
		}
		for i := range upd.Handles {
			c.dispatch(upd.Handles[i], upd.Values[i])
		}
		return nil
	default:
		c.log.WithField("opcode", att.OpcodeName(pdu[0])).Warn("Unexpected server-initiated PDU")
		return nil
	}
}

func (c *Client) dispatch(handle uint16, value []byte) {
	c.mu.Lock()
	subs := append([]*SubscribeParams(nil), c.subs...)
	c.mu.Unlock()

	delivered := false
	for _, sub := range subs {
		if sub.ValueHandle != handle || sub.Notify == nil {
			continue
		}
		delivered = true
		sub.Notify(c, handle, value)
	}
	if !delivered {
		c.log.WithField("handle", handle).Debug("Value update with no subscription")
	}
}

// Cancel aborts an in-progress procedure owned by one of the client's
// params blocks. The procedure's completion callback fires with an
// unlikely-error outcome; a procedure whose current step is already on
// the wire keeps occupying the bearer until the peer answers, but the
// answer is discarded. Accepts the params value passed to the procedure;
// returns false if nothing was queued for it.
func (c *Client) Cancel(params any) bool {
	var e *att.Entry
	switch p := params.(type) {
	case *ExchangeMTUParams:
		e = &p.entry
	case *DiscoverParams:
		e = &p.entry
	case *ReadParams:
		e = &p.entry
	case *WriteParams:
		e = &p.entry
	case *SubscribeParams:
		e = &p.entry
	default:
		return false
	}
	return c.queue.Cancel(e)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
