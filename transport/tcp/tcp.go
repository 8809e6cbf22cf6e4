// Package tcp frames ATT PDUs over a net.Conn with a 2-byte little-endian
// length prefix. It exists so a GATT host can be exercised across a real
// socket: gattctl serve/client speak this framing.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/internal/groutine"
	"github.com/srg/gatt/transport"
)

// Options configure a TCP bearer.
type Options struct {
	// MTU is this end's receive MTU.
	MTU int `default:"247"`
	// Depth bounds how many assembled PDUs may wait unread.
	Depth int `default:"32"`
	// ReadBuf sizes the frame-assembly ring buffer in bytes. Values below
	// one max-size frame are raised to that floor.
	ReadBuf int `default:"4098"`
	// Security is the link security level this bearer reports. TCP does
	// not authenticate anything; this only feeds the permission gate.
	Security att.SecurityLevel `default:"1"`
	// MultiNotifications advertises batched-notify support.
	MultiNotifications bool `default:"false"`
	// Bonded marks the peer as bonded, enabling persisted subscriptions.
	Bonded bool `default:"false"`
	// Identity is the local identity index the peer associates with.
	Identity int `default:"0"`

	Logger *logrus.Logger
}

// Option is a functional option for NewBearer.
type Option func(*Options)

// WithMTU sets this end's receive MTU.
func WithMTU(mtu int) Option { return func(o *Options) { o.MTU = mtu } }

// WithSecurity sets the reported link security level.
func WithSecurity(l att.SecurityLevel) Option { return func(o *Options) { o.Security = l } }

// WithMultiNotifications advertises batched-notify support.
func WithMultiNotifications() Option { return func(o *Options) { o.MultiNotifications = true } }

// WithBonded marks the peer as bonded.
func WithBonded() Option { return func(o *Options) { o.Bonded = true } }

// WithIdentity sets the local identity index.
func WithIdentity(id int) Option { return func(o *Options) { o.Identity = id } }

// WithLogger attaches a logger.
func WithLogger(l *logrus.Logger) Option { return func(o *Options) { o.Logger = l } }

// frame header: 2-byte little-endian PDU length.
const headerLen = 2

// maxPDU guards the assembler against a corrupt length prefix.
const maxPDU = 4096

// Bearer is a transport.Bearer over a net.Conn.
type Bearer struct {
	id     string
	conn   net.Conn
	opts   *Options
	peer   transport.Peer
	logger *logrus.Logger

	sendMu sync.Mutex

	pdus chan []byte
	done chan struct{}

	closeOnce sync.Once
	causeMu   sync.Mutex
	cause     error
}

// NewBearer wraps conn. It owns the connection: Close closes it, and a
// read error closes the bearer. The receive loop starts immediately.
func NewBearer(conn net.Conn, opts ...Option) *Bearer {
	o := &Options{}
	defaults.SetDefaults(o)
	for _, opt := range opts {
		opt(o)
	}
	if o.ReadBuf < maxPDU+headerLen {
		o.ReadBuf = maxPDU + headerLen
	}

	b := &Bearer{
		id:     uuid.NewString()[:8],
		conn:   conn,
		opts:   o,
		logger: o.Logger,
		peer: transport.Peer{
			Identity: o.Identity,
			Addr:     conn.RemoteAddr().String(),
			Bonded:   o.Bonded,
		},
		pdus: make(chan []byte, o.Depth),
		done: make(chan struct{}),
	}

	groutine.Go(nil, "tcp-bearer-"+b.id, func(_ context.Context) { b.readLoop() })
	return b
}

// Dial connects to a listening peer and wraps the connection.
func Dial(addr string, opts ...Option) (*Bearer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewBearer(conn, opts...), nil
}

// readLoop assembles length-prefixed frames through a byte ring buffer.
// Socket reads land in the ring only as space allows, with whole PDUs
// carved out between refills, so back-to-back max-size frames cannot
// overrun the ring.
func (b *Bearer) readLoop() {
	ring := ringbuffer.New(b.opts.ReadBuf)
	chunk := make([]byte, 1024)
	hdr := make([]byte, headerLen)
	size := -1 // payload length of the frame being assembled, -1 = header

	for {
		n, err := b.conn.Read(chunk)
		rem := chunk[:n]

		for {
			progress := false
			if len(rem) > 0 {
				if w := min(ring.Free(), len(rem)); w > 0 {
					if _, werr := ring.Write(rem[:w]); werr != nil {
						b.teardown(fmt.Errorf("frame assembly write: %w", werr))
						return
					}
					rem = rem[w:]
					progress = true
				}
			}

			for {
				if size < 0 {
					if ring.Length() < headerLen {
						break
					}
					if _, rerr := ring.Read(hdr); rerr != nil {
						b.teardown(fmt.Errorf("frame assembly read: %w", rerr))
						return
					}
					size = int(binary.LittleEndian.Uint16(hdr))
					if size == 0 || size > maxPDU {
						b.teardown(fmt.Errorf("invalid frame length %d", size))
						return
					}
					progress = true
				}
				if ring.Length() < size {
					break
				}
				pdu := make([]byte, size)
				if _, rerr := ring.Read(pdu); rerr != nil {
					b.teardown(fmt.Errorf("frame assembly read: %w", rerr))
					return
				}
				size = -1
				progress = true
				select {
				case b.pdus <- pdu:
				case <-b.done:
					return
				}
			}

			if len(rem) == 0 {
				break
			}
			if !progress {
				b.teardown(fmt.Errorf("frame assembly buffer overflow"))
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				b.teardown(io.EOF)
			} else {
				b.teardown(err)
			}
			return
		}
	}
}

func (b *Bearer) Send(pdu []byte) error {
	select {
	case <-b.done:
		return b.Err()
	default:
	}
	if len(pdu) > maxPDU {
		return att.ErrTooLarge
	}

	frame := make([]byte, headerLen+len(pdu))
	binary.LittleEndian.PutUint16(frame, uint16(len(pdu)))
	copy(frame[headerLen:], pdu)

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if _, err := b.conn.Write(frame); err != nil {
		b.teardown(err)
		return b.Err()
	}
	return nil
}

func (b *Bearer) Recv() ([]byte, error) {
	select {
	case pdu := <-b.pdus:
		return pdu, nil
	default:
	}
	select {
	case pdu := <-b.pdus:
		return pdu, nil
	case <-b.done:
		return nil, b.Err()
	}
}

func (b *Bearer) MTU() int { return b.opts.MTU }

func (b *Bearer) SecurityLevel() att.SecurityLevel { return b.opts.Security }

func (b *Bearer) Peer() transport.Peer { return b.peer }

func (b *Bearer) Features() transport.Features {
	return transport.Features{MultiNotifications: b.opts.MultiNotifications}
}

func (b *Bearer) Close(cause error) error {
	b.teardown(cause)
	return nil
}

func (b *Bearer) Done() <-chan struct{} { return b.done }

func (b *Bearer) Err() error {
	b.causeMu.Lock()
	defer b.causeMu.Unlock()
	select {
	case <-b.done:
		return b.cause
	default:
		return nil
	}
}

func (b *Bearer) teardown(cause error) {
	b.closeOnce.Do(func() {
		b.causeMu.Lock()
		b.cause = &transport.ClosedError{Cause: cause}
		b.causeMu.Unlock()
		close(b.done)
		if err := b.conn.Close(); err != nil && b.logger != nil {
			b.logger.WithError(err).Debug("Closing TCP bearer connection")
		}
		if b.logger != nil {
			b.logger.WithFields(logrus.Fields{
				"bearer": b.id,
				"cause":  cause,
			}).Debug("TCP bearer closed")
		}
	})
}
