// Package trace is a lightweight PDU flight recorder: a fixed-size
// overwriting ring of the most recent ATT traffic, drained on demand for
// diagnostics. Recording is lock-free and never blocks the data path;
// under overflow the oldest events are overwritten, counted, and lost.
package trace

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/gatt/att"
)

// Dir is the direction of a recorded PDU.
type Dir uint8

const (
	DirRx Dir = iota
	DirTx
)

func (d Dir) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// Event is one recorded PDU.
type Event struct {
	Time time.Time
	Dir  Dir
	Peer string
	PDU  []byte
}

func (e Event) String() string {
	op := "empty"
	if len(e.PDU) > 0 {
		op = att.OpcodeName(e.PDU[0])
	}
	return fmt.Sprintf("%s %s %s %s %dB",
		e.Time.Format("15:04:05.000"), e.Dir, e.Peer, op, len(e.PDU))
}

// MaxEvents caps the ring size to guard against misconfiguration.
const MaxEvents uint32 = 1 << 20

// Recorder holds the event ring. A nil Recorder is a valid no-op, so
// callers thread it through unconditionally.
type Recorder struct {
	buf         mpmc.RichOverlappedRingBuffer[Event]
	overwritten atomic.Int64
}

// NewRecorder creates a recorder keeping the most recent size events.
func NewRecorder(size uint32) (*Recorder, error) {
	if size == 0 || size > MaxEvents {
		return nil, fmt.Errorf("trace: ring size %d out of range (1..%d)", size, MaxEvents)
	}
	return &Recorder{buf: mpmc.NewOverlappedRingBuffer[Event](size)}, nil
}

// Record captures one PDU. The bytes are copied, so the caller may reuse
// its buffer.
func (r *Recorder) Record(dir Dir, peer string, pdu []byte) {
	if r == nil {
		return
	}
	ev := Event{
		Time: time.Now(),
		Dir:  dir,
		Peer: peer,
		PDU:  append([]byte(nil), pdu...),
	}
	if overwrites, err := r.buf.EnqueueM(ev); err == nil {
		r.overwritten.Add(int64(overwrites))
	}
}

// Drain removes and returns the buffered events, oldest first.
func (r *Recorder) Drain() []Event {
	if r == nil {
		return nil
	}
	var events []Event
	for !r.buf.IsEmpty() {
		ev, err := r.buf.Dequeue()
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	return events
}

// Overwritten reports how many events were lost to ring overflow.
func (r *Recorder) Overwritten() int64 {
	if r == nil {
		return 0
	}
	return r.overwritten.Load()
}
