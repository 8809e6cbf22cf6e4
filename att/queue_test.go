package att

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingSender captures transmitted PDUs and can fail on demand.
type recordingSender struct {
	sent [][]byte
	err  error
}

func (s *recordingSender) Send(pdu []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, append([]byte(nil), pdu...))
	return nil
}

func TestQueueFireAndForget(t *testing.T) {
	// GOAL: Verify an entry without an expected response completes on
	// transmission and releases its slot immediately.

	sender := &recordingSender{}
	q := NewQueue(sender, WithQueueSlots(1))

	var doneErr error
	fired := false
	e := &Entry{
		PDU:  ValueUpdate{Handle: 5, Value: []byte{1}}.Marshal(),
		Done: func(rsp []byte, err error) { fired, doneErr = true, err },
	}
	assert.NoError(t, q.Submit(e))
	assert.True(t, fired, "completion MUST fire on transmission")
	assert.NoError(t, doneErr)
	assert.Len(t, sender.sent, 1)

	// The single slot freed up, so another submission goes straight out.
	assert.NoError(t, q.TrySubmit(&Entry{PDU: []byte{OpNotify, 0, 0}}))
	assert.Len(t, sender.sent, 2)
}

func TestQueueOneOutstandingExchange(t *testing.T) {
	// GOAL: Verify strict request serialization: the second request is not
	// transmitted until the first one's response arrives.
	//
	// TEST SCENARIO: Two requests submitted → one on the wire → response
	// routed → second transmitted → completions in order.

	sender := &recordingSender{}
	q := NewQueue(sender)

	var order []int
	first := &Entry{
		PDU:       ReadReq{Handle: 1}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(rsp []byte, err error) { order = append(order, 1) },
	}
	second := &Entry{
		PDU:       ReadReq{Handle: 2}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(rsp []byte, err error) { order = append(order, 2) },
	}

	assert.NoError(t, q.Submit(first))
	assert.NoError(t, q.Submit(second))
	assert.Len(t, sender.sent, 1, "second request MUST wait for the response")

	q.HandleRsp([]byte{OpReadRsp, 0xAA})
	assert.Len(t, sender.sent, 2, "response MUST release the wire")
	q.HandleRsp([]byte{OpReadRsp, 0xBB})

	assert.Equal(t, []int{1, 2}, order, "completions MUST follow submission order")
}

func TestQueueErrorResponse(t *testing.T) {
	// GOAL: Verify an Error Response completes the exchange with a typed
	// protocol error carrying the peer's code and handle.

	q := NewQueue(&recordingSender{})

	var got error
	e := &Entry{
		PDU:       ReadReq{Handle: 0x0042}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(rsp []byte, err error) { got = err },
	}
	assert.NoError(t, q.Submit(e))

	q.HandleRsp(ErrorRsp{ReqOpcode: OpReadReq, Handle: 0x0042, Code: CodeReadNotPermitted}.Marshal())

	assert.ErrorIs(t, got, ErrReadNotPerm)
	var ae *Error
	assert.True(t, errors.As(got, &ae))
	assert.Equal(t, uint16(0x0042), ae.Handle, "handle MUST come from the error response")
}

func TestQueueOpcodeMismatchDropped(t *testing.T) {
	// GOAL: Verify a response with the wrong opcode is dropped and the
	// exchange still completes when the right one arrives.

	q := NewQueue(&recordingSender{})

	var rsp []byte
	e := &Entry{
		PDU:       ReadReq{Handle: 1}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(r []byte, err error) { rsp = r },
	}
	assert.NoError(t, q.Submit(e))

	q.HandleRsp([]byte{OpWriteRsp})
	assert.Nil(t, rsp, "mismatched opcode MUST NOT complete the exchange")

	q.HandleRsp([]byte{OpReadRsp, 0x99})
	assert.Equal(t, []byte{OpReadRsp, 0x99}, rsp)
}

func TestQueueSlotExhaustion(t *testing.T) {
	// GOAL: Verify TrySubmit fails fast with ErrNoResources once the
	// outstanding-exchange pool is full, and recovers after a completion.

	q := NewQueue(&recordingSender{}, WithQueueSlots(2))

	a := &Entry{PDU: ReadReq{Handle: 1}.Marshal(), RspOpcode: OpReadRsp}
	b := &Entry{PDU: ReadReq{Handle: 2}.Marshal(), RspOpcode: OpReadRsp}
	assert.NoError(t, q.TrySubmit(a))
	assert.NoError(t, q.TrySubmit(b))

	c := &Entry{PDU: ReadReq{Handle: 3}.Marshal(), RspOpcode: OpReadRsp}
	assert.ErrorIs(t, q.TrySubmit(c), ErrNoResources, "full pool MUST fail fast")

	q.HandleRsp([]byte{OpReadRsp})
	assert.NoError(t, q.TrySubmit(c), "completion MUST free a slot")
}

func TestQueueEntryReuse(t *testing.T) {
	// GOAL: Verify a completed entry may be resubmitted, while a queued one
	// is rejected with ErrInUse. Multi-step procedures rely on resubmission
	// from inside the completion callback.

	q := NewQueue(&recordingSender{})

	e := &Entry{PDU: ReadReq{Handle: 1}.Marshal(), RspOpcode: OpReadRsp}
	assert.NoError(t, q.Submit(e))
	assert.ErrorIs(t, q.Submit(e), ErrInUse, "in-flight entry MUST NOT be requeued")

	q.HandleRsp([]byte{OpReadRsp})
	assert.NoError(t, q.Submit(e), "completed entry MUST be reusable")
	q.HandleRsp([]byte{OpReadRsp})
}

func TestQueueInvalidEntries(t *testing.T) {
	q := NewQueue(&recordingSender{})
	assert.ErrorIs(t, q.Submit(nil), ErrInvalidParam)
	assert.ErrorIs(t, q.Submit(&Entry{}), ErrInvalidParam, "empty PDU MUST be rejected")
}

func TestQueueCancel(t *testing.T) {
	// GOAL: Verify cancellation semantics per entry state.
	//
	// TEST SCENARIO: Pending entry removed before transmission → in-flight
	// entry detached with its late response discarded → foreign entry not
	// found.

	sender := &recordingSender{}
	q := NewQueue(sender)

	var inflightErr, pendingErr error
	inflight := &Entry{
		PDU:       ReadReq{Handle: 1}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(rsp []byte, err error) { inflightErr = err },
	}
	pending := &Entry{
		PDU:       ReadReq{Handle: 2}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(rsp []byte, err error) { pendingErr = err },
	}
	assert.NoError(t, q.Submit(inflight))
	assert.NoError(t, q.Submit(pending))

	assert.True(t, q.Cancel(pending), "pending entry MUST be cancellable")
	assert.ErrorIs(t, pendingErr, ErrUnlikely)
	assert.Len(t, sender.sent, 1, "cancelled pending entry MUST never transmit")

	assert.True(t, q.Cancel(inflight), "in-flight entry MUST be cancellable")
	assert.ErrorIs(t, inflightErr, ErrUnlikely)

	// The late response is discarded; a new exchange then works.
	q.HandleRsp([]byte{OpReadRsp, 0x01})
	next := &Entry{PDU: ReadReq{Handle: 3}.Marshal(), RspOpcode: OpReadRsp}
	assert.NoError(t, q.Submit(next))
	assert.Len(t, sender.sent, 2)

	assert.False(t, q.Cancel(&Entry{PDU: []byte{1}}), "foreign entry MUST NOT be found")
}

func TestQueueClose(t *testing.T) {
	// GOAL: Verify Close force-completes everything with a terminal error
	// wrapping the cause and rejects later submissions.

	q := NewQueue(&recordingSender{})

	var errs []error
	for i := 0; i < 3; i++ {
		h := uint16(i + 1)
		assert.NoError(t, q.Submit(&Entry{
			PDU:       ReadReq{Handle: h}.Marshal(),
			RspOpcode: OpReadRsp,
			Done:      func(rsp []byte, err error) { errs = append(errs, err) },
		}))
	}

	q.Close(io.EOF)

	assert.Len(t, errs, 3, "every queued exchange MUST complete")
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrUnlikely)
		assert.ErrorIs(t, err, io.EOF, "close cause MUST stay reachable")
	}

	err := q.Submit(&Entry{PDU: ReadReq{Handle: 9}.Marshal(), RspOpcode: OpReadRsp})
	assert.ErrorIs(t, err, io.EOF, "submission after close MUST report the cause")
	assert.ErrorIs(t, q.Err(), io.EOF)
}

func TestQueueSendFailure(t *testing.T) {
	// GOAL: Verify a transport send failure completes the entry with an
	// unlikely error instead of leaving it stuck on the wire.

	sender := &recordingSender{err: io.ErrClosedPipe}
	q := NewQueue(sender)

	var got error
	e := &Entry{
		PDU:       ReadReq{Handle: 1}.Marshal(),
		RspOpcode: OpReadRsp,
		Done:      func(rsp []byte, err error) { got = err },
	}
	assert.NoError(t, q.Submit(e))
	assert.ErrorIs(t, got, ErrUnlikely)
	assert.ErrorIs(t, got, io.ErrClosedPipe)
}
