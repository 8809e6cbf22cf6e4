package att

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Sender is the flow-controlled PDU transmit primitive a Queue drives.
// transport.Bearer satisfies it.
type Sender interface {
	Send(pdu []byte) error
}

// DefaultQueueSlots is the outstanding-exchange pool size per bearer.
const DefaultQueueSlots = 4

// Entry is one queued request/response exchange. PDU is the request to
// transmit; RspOpcode is the response opcode that completes it, or 0 for
// fire-and-forget PDUs (notifications, write commands) which complete when
// transmission is queued. Done fires exactly once, on the goroutine that
// processes incoming traffic (or on the submitting goroutine for immediate
// failures inside the queue's own bookkeeping — never for Submit errors).
type Entry struct {
	PDU       []byte
	RspOpcode uint8
	Done      func(rsp []byte, err error)

	state entryState
}

type entryState int

const (
	entryIdle entryState = iota
	entryPending
	entryInFlight
	entryDetached // cancelled while in flight; response will be discarded
	entryDone
)

// Queue serializes ATT exchanges on one bearer. ATT is a strict
// request/response protocol: exactly one exchange is outstanding on the
// wire at a time, with a fixed pool bounding how many submissions may be
// queued behind it. Acquisition either blocks (Submit) or fails fast with
// ErrNoResources (TrySubmit) — an exhausted pool never drops silently.
type Queue struct {
	sender Sender
	logger *logrus.Logger

	slots chan struct{}

	mu       sync.Mutex
	pending  []*Entry
	inflight *Entry
	closed   bool
	cause    error
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueSlots bounds the number of simultaneously queued exchanges.
func WithQueueSlots(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.slots = make(chan struct{}, n)
		}
	}
}

// WithQueueLogger attaches a logger for per-exchange debug output.
func WithQueueLogger(l *logrus.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a procedure queue driving the given sender.
func NewQueue(s Sender, opts ...QueueOption) *Queue {
	q := &Queue{
		sender: s,
		slots:  make(chan struct{}, DefaultQueueSlots),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues e, blocking the calling goroutine until a slot frees up.
// Returns the terminal error immediately if the queue is closed; in that
// case Done is not invoked.
func (q *Queue) Submit(e *Entry) error {
	if err := q.precheck(e); err != nil {
		return err
	}
	q.slots <- struct{}{}
	return q.enqueue(e)
}

// TrySubmit enqueues e without blocking; it fails with ErrNoResources when
// the outstanding-exchange pool is exhausted.
func (q *Queue) TrySubmit(e *Entry) error {
	if err := q.precheck(e); err != nil {
		return err
	}
	select {
	case q.slots <- struct{}{}:
	default:
		return ErrNoResources
	}
	return q.enqueue(e)
}

func (q *Queue) precheck(e *Entry) error {
	if e == nil || len(e.PDU) == 0 {
		return ErrInvalidParam
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return q.cause
	}
	if e.state != entryIdle && e.state != entryDone {
		return ErrInUse
	}
	return nil
}

func (q *Queue) enqueue(e *Entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return q.cause
	}
	e.state = entryPending
	q.pending = append(q.pending, e)
	q.pumpLocked()
	q.mu.Unlock()
	return nil
}

// pumpLocked transmits the next pending entry when nothing is on the wire.
// Fire-and-forget entries complete on transmission and keep the pump going.
func (q *Queue) pumpLocked() {
	for q.inflight == nil && len(q.pending) > 0 && !q.closed {
		e := q.pending[0]
		q.pending = q.pending[1:]

		if q.logger != nil {
			q.logger.WithFields(logrus.Fields{
				"opcode": OpcodeName(e.PDU[0]),
				"expect": OpcodeName(e.RspOpcode),
			}).Debug("Transmitting ATT PDU")
		}

		err := q.sender.Send(e.PDU)
		if err != nil {
			q.finishLocked(e, nil, WrapError(CodeUnlikely, 0, err))
			continue
		}
		if e.RspOpcode == 0 {
			q.finishLocked(e, nil, nil)
			continue
		}
		e.state = entryInFlight
		q.inflight = e
	}
}

// finishLocked releases the entry's slot and schedules its completion.
// The callback runs outside the lock so it may resubmit.
func (q *Queue) finishLocked(e *Entry, rsp []byte, err error) {
	e.state = entryDone
	<-q.slots
	if e.Done != nil {
		done, pdu := e.Done, rsp
		q.mu.Unlock()
		done(pdu, err)
		q.mu.Lock()
	}
}

// HandleRsp routes an incoming response or confirmation PDU to the
// exchange awaiting it. Unmatched responses are dropped with a warning:
// either the peer violated the protocol or the exchange was cancelled.
func (q *Queue) HandleRsp(pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.inflight
	if e == nil {
		if q.logger != nil {
			q.logger.WithField("opcode", OpcodeName(pdu[0])).Warn("Response with no outstanding request")
		}
		return
	}
	if pdu[0] != e.RspOpcode && pdu[0] != OpErrorRsp {
		if q.logger != nil {
			q.logger.WithFields(logrus.Fields{
				"opcode": OpcodeName(pdu[0]),
				"expect": OpcodeName(e.RspOpcode),
			}).Warn("Response opcode mismatch, dropping")
		}
		return
	}
	q.inflight = nil

	if e.state == entryDetached {
		// Cancelled earlier; its completion already fired.
		e.state = entryDone
	} else if pdu[0] == OpErrorRsp {
		rsp, perr := ParseErrorRsp(pdu)
		if perr != nil {
			q.finishLocked(e, nil, WrapError(CodeInvalidPDU, 0, perr))
		} else {
			q.finishLocked(e, nil, NewError(rsp.Code, rsp.Handle))
		}
	} else {
		q.finishLocked(e, pdu, nil)
	}
	q.pumpLocked()
}

// Cancel completes e as if the peer had answered with an unlikely error.
// A pending entry is removed before transmission; an in-flight entry stays
// on the wire (the request may still reach the peer) and its eventual
// response is discarded. Returns false if e is not queued here.
func (q *Queue) Cancel(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p == e {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.finishLocked(e, nil, NewError(CodeUnlikely, 0))
			q.pumpLocked()
			return true
		}
	}
	if q.inflight == e && e.state == entryInFlight {
		e.state = entryDetached
		<-q.slots
		if e.Done != nil {
			done := e.Done
			q.mu.Unlock()
			done(nil, NewError(CodeUnlikely, 0))
			q.mu.Lock()
		}
		return true
	}
	return false
}

// Close force-completes every queued and in-flight exchange with a
// terminal error wrapping cause, and rejects all later submissions.
func (q *Queue) Close(cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cause = WrapError(CodeUnlikely, 0, cause)

	if e := q.inflight; e != nil {
		q.inflight = nil
		if e.state == entryDetached {
			e.state = entryDone
		} else {
			q.finishLocked(e, nil, q.cause)
		}
	}
	for len(q.pending) > 0 {
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.finishLocked(e, nil, q.cause)
	}
}

// Err returns the terminal error after Close, or nil while open.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		return nil
	}
	return q.cause
}
