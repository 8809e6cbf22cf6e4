// Package host composes the GATT core: one attribute database and server
// engine shared by every connection, a client endpoint per connection,
// routing of inbound PDUs between the two roles, persistence of per-peer
// state, and the built-in GATT service with its Service Changed
// characteristic.
package host

import (
	"errors"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
	"github.com/srg/gatt/internal/trace"
	"github.com/srg/gatt/server"
	"github.com/srg/gatt/settings"
)

// ErrClosed is returned for operations on a closed host.
var ErrClosed = errors.New("host: closed")

// Options tunes a Host; the zero field values take the defaults below.
type Options struct {
	// QueueSlots bounds queued outbound exchanges per bearer.
	QueueSlots int `default:"4"`
	// PrepareSlots bounds the staged prepare-write queue per bearer.
	PrepareSlots int `default:"8"`
	// TraceEvents sizes the PDU flight recorder; 0 disables it.
	TraceEvents uint32 `default:"0"`
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host's logger, shared with its components.
func WithLogger(l *logrus.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithStore sets the persistence backend for per-peer state.
func WithStore(s settings.Store) Option {
	return func(h *Host) { h.store = s }
}

// WithAuthorizer installs the application authorization hook.
func WithAuthorizer(a server.Authorizer) Option {
	return func(h *Host) { h.auth = a }
}

// WithOptions replaces the tuning options wholesale.
func WithOptions(o Options) Option {
	return func(h *Host) { h.opts = o }
}

// Host is the shared GATT core. One Host serves any number of bearers;
// Attach wires a bearer in, returning its connection.
type Host struct {
	opts  Options
	log   *logrus.Logger
	store settings.Store
	auth  server.Authorizer

	reg    *db.Registry
	engine *server.Engine
	rec    *trace.Recorder
	conns  *hashmap.Map[string, *Conn]
	closed atomic.Bool

	svcChanged *db.Attribute
}

// New builds a host with an empty database plus the built-in GATT
// service.
func New(opts ...Option) (*Host, error) {
	h := &Host{
		log:   logrus.StandardLogger(),
		store: settings.Nop{},
		conns: hashmap.New[string, *Conn](),
	}
	defaults.SetDefaults(&h.opts)
	for _, opt := range opts {
		opt(h)
	}

	if h.opts.TraceEvents > 0 {
		rec, err := trace.NewRecorder(h.opts.TraceEvents)
		if err != nil {
			return nil, err
		}
		h.rec = rec
	}

	h.reg = db.NewRegistry(db.WithLogger(h.log))
	h.engine = server.NewEngine(h.reg,
		server.WithEngineLogger(h.log),
		server.WithAuthorizer(h.auth),
		server.WithPrepareSlots(h.opts.PrepareSlots),
		server.WithMTUCallback(h.serverMTUChanged),
		server.WithCCCSink(h.persistCCC),
	)

	if err := h.registerGATTService(); err != nil {
		return nil, err
	}
	return h, nil
}

// registerGATTService mounts the GATT service (0x1801) with the Service
// Changed characteristic, indicate-only behind its CCC.
func (h *Host) registerGATTService() error {
	svc := db.NewService(att.UUIDGATTService).
		Characteristic(att.UUIDServiceChanged, db.PropIndicate, 0, nil).
		CCC(server.NewCCC(server.WithCCCSupported(server.CCCIndicate)), db.PermRead|db.PermWrite).
		Build()
	if err := h.reg.Register(svc); err != nil {
		return err
	}
	for _, a := range svc.Attributes() {
		if a.Type.Equal(att.UUIDServiceChanged) {
			h.svcChanged = a
		}
	}
	return nil
}

// Registry exposes the attribute database.
func (h *Host) Registry() *db.Registry { return h.reg }

// Engine exposes the server engine, for notifications and indications.
func (h *Host) Engine() *server.Engine { return h.engine }

// Trace drains the PDU flight recorder, oldest first. Empty when tracing
// is disabled.
func (h *Host) Trace() []trace.Event { return h.rec.Drain() }

// Register adds a service to the database. With live connections the
// change is announced through a Service Changed indication covering the
// new service's handle range.
func (h *Host) Register(svc *db.Service) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if err := h.reg.Register(svc); err != nil {
		return err
	}
	h.announceChange(svc.StartHandle(), svc.EndHandle())
	return nil
}

// Unregister removes a service. Peers holding its handles learn about the
// change through the Service Changed indication; the handle range is
// never reassigned.
func (h *Host) Unregister(svc *db.Service) error {
	start, end := svc.StartHandle(), svc.EndHandle()
	if err := h.reg.Unregister(svc); err != nil {
		return err
	}
	h.announceChange(start, end)
	return nil
}

// announceChange indicates the affected handle range to every peer
// subscribed to Service Changed.
func (h *Host) announceChange(start, end uint16) {
	if h.svcChanged == nil || h.conns.Len() == 0 {
		return
	}
	var payload [4]byte
	payload[0] = byte(start)
	payload[1] = byte(start >> 8)
	payload[2] = byte(end)
	payload[3] = byte(end >> 8)

	p := &server.IndicateParams{
		Attr: h.svcChanged,
		Data: payload[:],
	}
	if err := h.engine.Indicate(nil, p); err != nil && !errors.Is(err, att.ErrNotSubscribed) {
		h.log.WithError(err).Warn("Service changed indication failed")
	}
}

// serverMTUChanged syncs an MTU negotiated by the server role into the
// connection's client endpoint, which shares the bearer.
func (h *Host) serverMTUChanged(s *server.Session, mtu int) {
	h.conns.Range(func(_ string, c *Conn) bool {
		if c.sess == s {
			c.cli.SetMTU(mtu)
			return false
		}
		return true
	})
}

// persistCCC stores a bonded peer's CCC state after a successful write.
func (h *Host) persistCCC(s *server.Session, _ *db.Attribute) {
	if !s.Bonded() {
		return
	}
	key := settings.Key{Identity: s.Identity(), Peer: s.PeerAddr()}
	if err := h.store.StoreCCC(key, h.engine.CCCStates(s)); err != nil {
		h.log.WithError(err).WithField("peer", key).Warn("CCC persistence failed")
	}
}

// Conns snapshots the live connections.
func (h *Host) Conns() []*Conn {
	conns := make([]*Conn, 0, h.conns.Len())
	h.conns.Range(func(_ string, c *Conn) bool {
		conns = append(conns, c)
		return true
	})
	return conns
}

// Close tears down every connection and rejects further attaches.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, c := range h.Conns() {
		c.Close(ErrClosed)
	}
	return nil
}
