package client

import (
	"errors"
	"sync/atomic"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// DiscoverType selects which discovery procedure runs.
type DiscoverType int

const (
	// DiscoverPrimary enumerates primary services, optionally narrowed to
	// one UUID.
	DiscoverPrimary DiscoverType = iota
	// DiscoverSecondary enumerates secondary services.
	DiscoverSecondary
	// DiscoverInclude enumerates include declarations in a service range.
	DiscoverInclude
	// DiscoverCharacteristic enumerates characteristic declarations,
	// optionally narrowed to one UUID.
	DiscoverCharacteristic
	// DiscoverDescriptor enumerates every attribute in a range by handle
	// and type, the way descriptors are found after a characteristic.
	DiscoverDescriptor
)

// DiscoverResult is one discovered entry. Fields beyond Handle and UUID
// are filled where the procedure yields them: EndHandle for services and
// includes, Props/ValueHandle for characteristics. For includes,
// ValueHandle carries the included service's start handle.
type DiscoverResult struct {
	Handle      uint16
	EndHandle   uint16
	UUID        att.UUID
	Props       db.Props
	ValueHandle uint16
}

// DiscoverParams drives one discovery procedure across however many
// request/response pages it takes.
type DiscoverParams struct {
	Type  DiscoverType
	UUID  att.UUID
	Start uint16
	End   uint16
	// Func receives each result; returning Stop ends the procedure early
	// with no further callbacks. The terminal call has a nil result and
	// carries the failure, if any.
	Func func(c *Client, r *DiscoverResult, err error) db.Iter

	active atomic.Bool
	entry  att.Entry
}

// Discover starts the procedure described by p. Results and completion
// are delivered through p.Func; the params block is busy until the
// terminal callback fires.
func (c *Client) Discover(p *DiscoverParams) error {
	if p.Func == nil || p.Start == 0 || p.Start > p.End {
		return att.ErrInvalidParam
	}
	if !p.active.CompareAndSwap(false, true) {
		return att.ErrInUse
	}
	if err := c.discoverStep(p, p.Start); err != nil {
		p.active.Store(false)
		return err
	}
	return nil
}

// discoverStep issues the request for one page starting at start.
func (c *Client) discoverStep(p *DiscoverParams, start uint16) error {
	var pdu []byte
	var rspOp uint8
	switch p.Type {
	case DiscoverPrimary:
		if len(p.UUID) > 0 {
			pdu = att.FindByTypeValueReq{
				Start: start, End: p.End,
				Type:  att.UUIDPrimaryService.Uint16(),
				Value: p.UUID,
			}.Marshal()
			rspOp = att.OpFindByTypeValueRsp
		} else {
			pdu = att.ReadByGroupReq{Start: start, End: p.End, Type: att.UUIDPrimaryService}.Marshal()
			rspOp = att.OpReadByGroupRsp
		}
	case DiscoverSecondary:
		pdu = att.ReadByGroupReq{Start: start, End: p.End, Type: att.UUIDSecondaryService}.Marshal()
		rspOp = att.OpReadByGroupRsp
	case DiscoverInclude:
		pdu = att.ReadByTypeReq{Start: start, End: p.End, Type: att.UUIDInclude}.Marshal()
		rspOp = att.OpReadByTypeRsp
	case DiscoverCharacteristic:
		pdu = att.ReadByTypeReq{Start: start, End: p.End, Type: att.UUIDCharacteristic}.Marshal()
		rspOp = att.OpReadByTypeRsp
	case DiscoverDescriptor:
		pdu = att.FindInfoReq{Start: start, End: p.End}.Marshal()
		rspOp = att.OpFindInfoRsp
	default:
		return att.ErrInvalidParam
	}

	p.entry = att.Entry{
		PDU:       pdu,
		RspOpcode: rspOp,
		Done: func(rsp []byte, err error) {
			c.discoverDone(p, rsp, err)
		},
	}
	return c.queue.Submit(&p.entry)
}

// discoverDone consumes one page: deliver results, then either request
// the next page or finish.
func (c *Client) discoverDone(p *DiscoverParams, rsp []byte, err error) {
	if err != nil {
		// Running off the end of matches is the protocol's way of saying
		// the procedure completed.
		if errors.Is(err, att.ErrAttrNotFound) {
			c.discoverFinish(p, nil)
		} else {
			c.discoverFinish(p, err)
		}
		return
	}

	results, perr := parseDiscoverRsp(p.Type, rsp)
	if perr != nil {
		c.discoverFinish(p, att.WrapError(att.CodeInvalidPDU, 0, perr))
		return
	}

	last := uint16(0)
	for i := range results {
		r := &results[i]
		if r.Handle < last {
			c.discoverFinish(p, att.NewError(att.CodeInvalidPDU, r.Handle))
			return
		}
		last = r.Handle
		if r.EndHandle > last {
			last = r.EndHandle
		}
		if p.Type == DiscoverCharacteristic && len(p.UUID) > 0 && !r.UUID.Equal(p.UUID) {
			continue
		}
		if p.Func(c, r, nil) == db.Stop {
			p.active.Store(false)
			return
		}
	}

	if last >= p.End || last == 0xFFFF {
		c.discoverFinish(p, nil)
		return
	}
	if err := c.discoverStep(p, last+1); err != nil {
		c.discoverFinish(p, err)
	}
}

func (c *Client) discoverFinish(p *DiscoverParams, err error) {
	p.active.Store(false)
	p.Func(c, nil, err)
}

func parseDiscoverRsp(t DiscoverType, rsp []byte) ([]DiscoverResult, error) {
	switch t {
	case DiscoverPrimary, DiscoverSecondary:
		if len(rsp) > 0 && rsp[0] == att.OpFindByTypeValueRsp {
			ranges, err := att.ParseFindByTypeValueRsp(rsp)
			if err != nil {
				return nil, err
			}
			results := make([]DiscoverResult, len(ranges))
			for i, r := range ranges {
				results[i] = DiscoverResult{Handle: r.Start, EndHandle: r.End}
			}
			return results, nil
		}
		groups, err := att.ParseReadByGroupRsp(rsp)
		if err != nil {
			return nil, err
		}
		results := make([]DiscoverResult, 0, len(groups))
		for _, g := range groups {
			uuid, uerr := db.ParseServiceValue(g.Value)
			if uerr != nil {
				return nil, uerr
			}
			results = append(results, DiscoverResult{Handle: g.Start, EndHandle: g.End, UUID: uuid})
		}
		return results, nil

	case DiscoverInclude:
		entries, err := att.ParseReadByTypeRsp(rsp)
		if err != nil {
			return nil, err
		}
		results := make([]DiscoverResult, 0, len(entries))
		for _, e := range entries {
			start, end, uuid, ierr := db.ParseIncludeValue(e.Value)
			if ierr != nil {
				return nil, ierr
			}
			results = append(results, DiscoverResult{
				Handle: e.Handle, EndHandle: end, UUID: uuid, ValueHandle: start,
			})
		}
		return results, nil

	case DiscoverCharacteristic:
		entries, err := att.ParseReadByTypeRsp(rsp)
		if err != nil {
			return nil, err
		}
		results := make([]DiscoverResult, 0, len(entries))
		for _, e := range entries {
			props, valueHandle, uuid, cerr := db.ParseChrcValue(e.Value)
			if cerr != nil {
				return nil, cerr
			}
			results = append(results, DiscoverResult{
				Handle: e.Handle, UUID: uuid, Props: props, ValueHandle: valueHandle,
			})
		}
		return results, nil

	case DiscoverDescriptor:
		entries, err := att.ParseFindInfoRsp(rsp)
		if err != nil {
			return nil, err
		}
		results := make([]DiscoverResult, len(entries))
		for i, e := range entries {
			results[i] = DiscoverResult{Handle: e.Handle, UUID: e.Type}
		}
		return results, nil
	}
	return nil, att.ErrInvalidParam
}
