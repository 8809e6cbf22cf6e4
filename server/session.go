package server

import (
	"sync"
	"sync/atomic"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/transport"
)

// Session is the per-bearer server state: the peer identity used for CCC
// bookkeeping, the negotiated MTU, the outbound procedure queue for
// notifications and indications, and the staged prepare-write queue.
//
// Session implements db.Session, so it is what attribute capabilities see
// as the requesting peer.
type Session struct {
	bearer transport.Bearer
	queue  *att.Queue
	mtu    atomic.Int32

	prepMu sync.Mutex
	prep   []att.PrepareWriteReq
}

// NewSession wraps a bearer and its outbound queue. The MTU starts at the
// protocol default and moves only through an MTU exchange.
func NewSession(bearer transport.Bearer, queue *att.Queue) *Session {
	s := &Session{bearer: bearer, queue: queue}
	s.mtu.Store(att.DefaultMTU)
	return s
}

func (s *Session) Identity() int    { return s.bearer.Peer().Identity }
func (s *Session) PeerAddr() string { return s.bearer.Peer().Addr }
func (s *Session) Bonded() bool     { return s.bearer.Peer().Bonded }

func (s *Session) SecurityLevel() att.SecurityLevel { return s.bearer.SecurityLevel() }

// MTU reports the negotiated ATT MTU for this bearer.
func (s *Session) MTU() int { return int(s.mtu.Load()) }

// SetMTU records the negotiated MTU. Values below the protocol default
// are clamped; the MTU never shrinks.
func (s *Session) SetMTU(mtu int) {
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	for {
		cur := s.mtu.Load()
		if int32(mtu) <= cur || s.mtu.CompareAndSwap(cur, int32(mtu)) {
			return
		}
	}
}

// Bearer exposes the underlying transport, for feature and peer queries.
func (s *Session) Bearer() transport.Bearer { return s.bearer }

// Queue exposes the outbound procedure queue used for notifications and
// indications on this bearer.
func (s *Session) Queue() *att.Queue { return s.queue }

func (s *Session) send(pdu []byte) error { return s.bearer.Send(pdu) }

func (s *Session) stagePrepare(req att.PrepareWriteReq, limit int) bool {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	if len(s.prep) >= limit {
		return false
	}
	s.prep = append(s.prep, req)
	return true
}

// takePrepared returns and clears the staged prepare queue in arrival order.
func (s *Session) takePrepared() []att.PrepareWriteReq {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	staged := s.prep
	s.prep = nil
	return staged
}
