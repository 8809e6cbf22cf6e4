// Package loopback provides an in-memory cross-connected bearer pair for
// tests, examples, and the CLI demo: whatever one end Sends, the other end
// Recvs, in FIFO order, with configurable MTU, security level, feature set
// and buffer depth.
package loopback

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/transport"
)

// Options configure both ends of a loopback pair.
type Options struct {
	// MTU is each end's receive MTU.
	MTU int `default:"23"`
	// Depth bounds how many PDUs may sit unread in each direction before
	// Send blocks (flow control).
	Depth int `default:"16"`
	// Security is the link security level both ends report.
	Security att.SecurityLevel `default:"1"`
	// MultiNotifications advertises batched-notify support on both ends.
	MultiNotifications bool `default:"false"`
	// PeerA and PeerB are the identities each end reports for the other:
	// the A end's Peer() is PeerB and vice versa.
	PeerA transport.Peer
	PeerB transport.Peer
}

// Option is a functional option for Pair.
type Option func(*Options)

// WithMTU sets each end's receive MTU.
func WithMTU(mtu int) Option { return func(o *Options) { o.MTU = mtu } }

// WithDepth sets the per-direction buffer depth.
func WithDepth(depth int) Option { return func(o *Options) { o.Depth = depth } }

// WithSecurity sets the reported link security level.
func WithSecurity(l att.SecurityLevel) Option { return func(o *Options) { o.Security = l } }

// WithMultiNotifications advertises batched-notify support.
func WithMultiNotifications() Option { return func(o *Options) { o.MultiNotifications = true } }

// WithPeers sets the peer identity each end reports for the other.
func WithPeers(a, b transport.Peer) Option {
	return func(o *Options) {
		o.PeerA = a
		o.PeerB = b
	}
}

// Pair creates a cross-connected bearer pair. Closing either end tears
// down both with the same cause.
func Pair(opts ...Option) (a, b transport.Bearer) {
	o := &Options{}
	defaults.SetDefaults(o)
	if o.PeerA.Addr == "" {
		o.PeerA.Addr = "loop:" + uuid.NewString()[:8] + ":a"
	}
	if o.PeerB.Addr == "" {
		o.PeerB.Addr = "loop:" + uuid.NewString()[:8] + ":b"
	}
	for _, opt := range opts {
		opt(o)
	}

	shared := &pairState{done: make(chan struct{})}
	ab := make(chan []byte, o.Depth)
	ba := make(chan []byte, o.Depth)

	// Each end's Peer() names the opposite device.
	ea := &end{opts: o, peer: o.PeerB, out: ab, in: ba, shared: shared}
	eb := &end{opts: o, peer: o.PeerA, out: ba, in: ab, shared: shared}
	return ea, eb
}

// pairState is the teardown state both ends share.
type pairState struct {
	mu    sync.Mutex
	done  chan struct{}
	cause error
}

func (p *pairState) close(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.cause = &transport.ClosedError{Cause: cause}
	close(p.done)
}

func (p *pairState) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return p.cause
	default:
		return nil
	}
}

type end struct {
	opts   *Options
	peer   transport.Peer
	out    chan<- []byte
	in     <-chan []byte
	shared *pairState
}

func (e *end) Send(pdu []byte) error {
	cp := append([]byte(nil), pdu...)
	select {
	case <-e.shared.done:
		return e.shared.err()
	default:
	}
	select {
	case e.out <- cp:
		return nil
	case <-e.shared.done:
		return e.shared.err()
	}
}

func (e *end) Recv() ([]byte, error) {
	// Drain delivered PDUs before reporting the close, so a deterministic
	// FIFO is preserved even across a racing Close.
	select {
	case pdu := <-e.in:
		return pdu, nil
	default:
	}
	select {
	case pdu := <-e.in:
		return pdu, nil
	case <-e.shared.done:
		return nil, e.shared.err()
	}
}

func (e *end) MTU() int { return e.opts.MTU }

func (e *end) SecurityLevel() att.SecurityLevel { return e.opts.Security }

func (e *end) Peer() transport.Peer { return e.peer }

func (e *end) Features() transport.Features {
	return transport.Features{MultiNotifications: e.opts.MultiNotifications}
}

func (e *end) Close(cause error) error {
	e.shared.close(cause)
	return nil
}

func (e *end) Done() <-chan struct{} { return e.shared.done }

func (e *end) Err() error { return e.shared.err() }
