package client

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/srg/gatt/att"
)

// Client Characteristic Configuration bits, as written by Subscribe.
const (
	SubscribeNotify   uint16 = 0x0001
	SubscribeIndicate uint16 = 0x0002
)

// SubscribeParams is one subscription: which characteristic value to
// listen on, which CCC descriptor arms it, and the callback receiving the
// updates. The block is owned by the client from a successful Subscribe
// until the subscription is removed.
type SubscribeParams struct {
	ValueHandle uint16
	// CCCHandle locates the descriptor; zero makes Subscribe discover it
	// in (ValueHandle, EndHandle].
	CCCHandle uint16
	// EndHandle bounds the descriptor discovery; zero means the rest of
	// the database.
	EndHandle uint16
	// Value is the configuration to write (notify and/or indicate bits).
	Value uint16
	// Volatile subscriptions are excluded from persistence, so they do
	// not survive reconnection to a bonded peer.
	Volatile bool
	// NoResub suppresses the automatic configuration write when the
	// subscription is restored on reconnection: the peer is trusted to
	// have kept the configuration, so only delivery registration re-arms.
	NoResub bool

	// Notify receives each value update. A nil value signals the end of
	// the subscription.
	Notify func(c *Client, handle uint16, data []byte)
	// Func reports the outcome of the subscribe or unsubscribe write.
	Func func(c *Client, err error)

	active atomic.Bool
	entry  att.Entry
}

// Subscribe arms p: discovers the CCC descriptor when not pinned, writes
// the configuration, and on success registers p for update delivery.
func (c *Client) Subscribe(p *SubscribeParams) error {
	if p.ValueHandle == 0 || p.Notify == nil || p.Value&(SubscribeNotify|SubscribeIndicate) == 0 {
		return att.ErrInvalidParam
	}
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}
	if c.registered(p) {
		p.active.Store(false)
		return att.ErrInUse
	}

	var err error
	if p.CCCHandle == 0 {
		err = c.findCCCStep(p, p.ValueHandle+1)
	} else {
		err = c.writeCCC(p, p.Value)
	}
	if err != nil {
		p.active.Store(false)
	}
	return err
}

// Unsubscribe clears the peer-side configuration and removes p from
// update delivery. The terminating nil-value Notify fires once the write
// concludes, whatever its outcome.
func (c *Client) Unsubscribe(p *SubscribeParams) error {
	if !c.registered(p) {
		return att.ErrNotSubscribed
	}
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}
	if err := c.writeCCC(p, 0); err != nil {
		p.active.Store(false)
		return err
	}
	return nil
}

// Resubscribe re-registers p for update delivery without touching the
// peer, for reconnecting to a bonded peer that kept the configuration.
func (c *Client) Resubscribe(p *SubscribeParams) error {
	if p.ValueHandle == 0 || p.CCCHandle == 0 || p.Notify == nil {
		return att.ErrInvalidParam
	}
	if c.registered(p) {
		return att.ErrInUse
	}
	c.mu.Lock()
	c.subs = append(c.subs, p)
	c.mu.Unlock()
	return nil
}

// Subscriptions snapshots the live subscriptions, volatile ones included.
func (c *Client) Subscriptions() []*SubscribeParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SubscribeParams(nil), c.subs...)
}

// ClearSubscriptions drops every subscription locally, delivering the
// terminating nil value to each. Used at bearer teardown.
func (c *Client) ClearSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		if sub.Notify != nil {
			sub.Notify(c, sub.ValueHandle, nil)
		}
	}
}

func (c *Client) registered(p *SubscribeParams) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub == p {
			return true
		}
	}
	return false
}

// findCCCStep pages a find-information request looking for the CCC
// descriptor of the characteristic owning p.ValueHandle.
func (c *Client) findCCCStep(p *SubscribeParams, start uint16) error {
	end := p.EndHandle
	if end == 0 {
		end = 0xFFFF
	}
	if start > end {
		return att.ErrAttrNotFound
	}
	p.entry = att.Entry{
		PDU:       att.FindInfoReq{Start: start, End: end}.Marshal(),
		RspOpcode: att.OpFindInfoRsp,
		Done: func(rsp []byte, err error) {
			c.findCCCDone(p, start, rsp, err)
		},
	}
	return c.queue.Submit(&p.entry)
}

func (c *Client) findCCCDone(p *SubscribeParams, start uint16, rsp []byte, err error) {
	if err != nil {
		c.subscribeFinish(p, err)
		return
	}
	entries, perr := att.ParseFindInfoRsp(rsp)
	if perr != nil {
		c.subscribeFinish(p, att.WrapError(att.CodeInvalidPDU, 0, perr))
		return
	}
	last := start
	for _, e := range entries {
		if e.Type.Equal(att.UUIDCCC) {
			p.CCCHandle = e.Handle
			if werr := c.writeCCC(p, p.Value); werr != nil {
				c.subscribeFinish(p, werr)
			}
			return
		}
		// The next declaration means the characteristic has no CCC.
		if e.Type.Equal(att.UUIDCharacteristic) || e.Type.Equal(att.UUIDPrimaryService) || e.Type.Equal(att.UUIDSecondaryService) {
			c.subscribeFinish(p, att.ErrAttrNotFound)
			return
		}
		last = e.Handle
	}
	end := p.EndHandle
	if end == 0 {
		end = 0xFFFF
	}
	if last >= end {
		c.subscribeFinish(p, att.ErrAttrNotFound)
		return
	}
	if serr := c.findCCCStep(p, last+1); serr != nil {
		c.subscribeFinish(p, serr)
	}
}

// writeCCC issues the configuration write arming (value != 0) or
// disarming (value == 0) the subscription, updating delivery registration
// on success.
func (c *Client) writeCCC(p *SubscribeParams, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	p.entry = att.Entry{
		PDU:       att.WriteReq{Handle: p.CCCHandle, Value: buf[:]}.Marshal(),
		RspOpcode: att.OpWriteRsp,
		Done: func(_ []byte, err error) {
			if value == 0 {
				c.unsubscribeFinish(p, err)
				return
			}
			if err == nil {
				c.mu.Lock()
				c.subs = append(c.subs, p)
				c.mu.Unlock()
			}
			c.subscribeFinish(p, err)
		},
	}
	return c.queue.Submit(&p.entry)
}

func (c *Client) subscribeFinish(p *SubscribeParams, err error) {
	p.active.Store(false)
	if p.Func != nil {
		p.Func(c, err)
	}
}

// unsubscribeFinish removes delivery registration regardless of the write
// outcome: the local intent to stop listening always wins.
func (c *Client) unsubscribeFinish(p *SubscribeParams, err error) {
	c.mu.Lock()
	for i, sub := range c.subs {
		if sub == p {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	p.active.Store(false)
	if p.Notify != nil {
		p.Notify(c, p.ValueHandle, nil)
	}
	if p.Func != nil {
		p.Func(c, err)
	}
}

// Subscribed reports whether p currently receives updates.
func (c *Client) Subscribed(p *SubscribeParams) bool { return c.registered(p) }
