package host

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/client"
	"github.com/srg/gatt/internal/groutine"
	"github.com/srg/gatt/internal/trace"
	"github.com/srg/gatt/server"
	"github.com/srg/gatt/settings"
	"github.com/srg/gatt/transport"
)

// AttachOptions shape one connection.
type AttachOptions struct {
	// OnNotify receives value updates for subscriptions restored from the
	// settings store. Subscriptions made at runtime carry their own
	// callbacks and are unaffected.
	OnNotify func(c *Conn, handle uint16, value []byte)
	// OnClose fires once, after the connection is fully torn down.
	OnClose func(c *Conn, cause error)
}

// Conn is one attached bearer: the server session and client endpoint
// sharing its procedure queue, plus the receive loop feeding both.
type Conn struct {
	id     string
	host   *Host
	bearer transport.Bearer
	queue  *att.Queue
	sess   *server.Session
	cli    *client.Client
	log    *logrus.Entry
	opts   AttachOptions

	closeOnce sync.Once
	cause     error
}

// Attach wires a bearer into the host: persisted peer state is restored
// before any traffic flows, then the receive loop starts.
func (h *Host) Attach(bearer transport.Bearer, opts ...AttachOptions) (*Conn, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}

	c := &Conn{
		id:     uuid.NewString(),
		host:   h,
		bearer: bearer,
	}
	if len(opts) > 0 {
		c.opts = opts[0]
	}
	c.log = h.log.WithFields(logrus.Fields{
		"conn": c.id[:8],
		"peer": bearer.Peer().String(),
	})

	tb := &tracedBearer{Bearer: bearer, rec: h.rec, peer: bearer.Peer().Addr}
	c.queue = att.NewQueue(tb,
		att.WithQueueSlots(h.opts.QueueSlots),
		att.WithQueueLogger(h.log),
	)
	c.sess = server.NewSession(tb, c.queue)
	c.cli = client.New(tb, c.queue,
		client.WithLogger(h.log),
		client.WithMTUCallback(func(mtu int) { c.sess.SetMTU(mtu) }),
	)

	h.engine.Attach(c.sess)
	c.restore()
	h.conns.Set(c.id, c)

	groutine.Go(nil, "gatt-recv-"+c.id[:8], func(_ context.Context) {
		c.receiveLoop(tb)
	})

	c.log.Info("Bearer attached")
	return c, nil
}

// restore reinstates persisted per-peer state: server-side CCC values and
// client-side subscriptions, re-issuing the configuration write for each
// subscription not flagged no-resub.
func (c *Conn) restore() {
	peer := c.bearer.Peer()
	if !peer.Bonded {
		return
	}
	key := settings.Key{Identity: peer.Identity, Peer: peer.Addr}

	states, err := c.host.store.LoadCCC(key)
	if err != nil {
		c.log.WithError(err).Warn("CCC restore failed")
	} else if len(states) > 0 {
		c.host.engine.RestoreCCC(c.sess, states)
		c.log.WithField("count", len(states)).Debug("CCC state restored")
	}

	if c.opts.OnNotify == nil {
		return
	}
	subs, err := c.host.store.LoadSubscriptions(key)
	if err != nil {
		c.log.WithError(err).Warn("Subscription restore failed")
		return
	}
	for _, sub := range subs {
		p := &client.SubscribeParams{
			ValueHandle: sub.ValueHandle,
			CCCHandle:   sub.CCCHandle,
			EndHandle:   sub.EndHandle,
			Value:       sub.Value,
			NoResub:     sub.NoResub,
			Notify: func(_ *client.Client, handle uint16, value []byte) {
				c.opts.OnNotify(c, handle, value)
			},
		}
		if p.NoResub {
			// The peer is trusted to have kept the configuration; delivery
			// registration alone re-arms the subscription.
			if err := c.cli.Resubscribe(p); err != nil {
				c.log.WithError(err).WithField("handle", sub.ValueHandle).Warn("Resubscribe failed")
			}
			continue
		}
		p.Func = func(_ *client.Client, err error) {
			if err != nil {
				c.log.WithError(err).WithField("handle", p.ValueHandle).Warn("Resubscribe write failed")
			}
		}
		if err := c.cli.Subscribe(p); err != nil {
			c.log.WithError(err).WithField("handle", sub.ValueHandle).Warn("Resubscribe failed")
		}
	}
}

// receiveLoop routes every inbound PDU: responses and confirmations to
// the procedure queue, server-initiated updates to the client endpoint,
// everything else to the request engine.
func (c *Conn) receiveLoop(tb *tracedBearer) {
	for {
		pdu, err := c.bearer.Recv()
		if err != nil {
			c.teardown(err)
			return
		}
		tb.recordRx(pdu)

		op := pdu[0]
		switch {
		case att.IsResponse(op):
			c.queue.HandleRsp(pdu)
		case att.IsServerInitiated(op):
			if err := c.cli.HandleServerPDU(pdu); err != nil {
				c.log.WithError(err).Warn("Malformed server-initiated PDU")
			}
		default:
			if err := c.host.engine.Serve(c.sess, pdu); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

// teardown runs the disconnect sequence exactly once: persist what a
// bonded peer keeps, fail every queued procedure, drop volatile CCC
// state, and release the bearer.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.host.conns.Del(c.id)

		c.persist()
		c.queue.Close(cause)
		c.cli.ClearSubscriptions()
		c.host.engine.Detach(c.sess)
		if err := c.bearer.Close(cause); err != nil && !errors.Is(err, transport.ErrClosed) {
			c.log.WithError(err).Debug("Bearer close failed")
		}

		c.log.WithError(cause).Info("Bearer detached")
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, cause)
		}
	})
}

// persist saves a bonded peer's CCC state and non-volatile subscriptions.
func (c *Conn) persist() {
	peer := c.bearer.Peer()
	if !peer.Bonded {
		return
	}
	key := settings.Key{Identity: peer.Identity, Peer: peer.Addr}

	if err := c.host.store.StoreCCC(key, c.host.engine.CCCStates(c.sess)); err != nil {
		c.log.WithError(err).Warn("CCC persistence failed")
	}

	var subs []settings.Subscription
	for _, p := range c.cli.Subscriptions() {
		if p.Volatile {
			continue
		}
		subs = append(subs, settings.Subscription{
			ValueHandle: p.ValueHandle,
			CCCHandle:   p.CCCHandle,
			EndHandle:   p.EndHandle,
			Value:       p.Value,
			NoResub:     p.NoResub,
		})
	}
	if err := c.host.store.StoreSubscriptions(key, subs); err != nil {
		c.log.WithError(err).Warn("Subscription persistence failed")
	}
}

// ID is the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Client is the GATT client endpoint on this bearer.
func (c *Conn) Client() *client.Client { return c.cli }

// Session is the server-side session on this bearer.
func (c *Conn) Session() *server.Session { return c.sess }

// Bearer is the underlying transport.
func (c *Conn) Bearer() transport.Bearer { return c.bearer }

// Close tears the connection down with the given cause.
func (c *Conn) Close(cause error) {
	c.bearer.Close(cause)
	c.teardown(&transport.ClosedError{Cause: cause})
}

// Err reports the teardown cause after close, nil while live.
func (c *Conn) Err() error { return c.queue.Err() }

// tracedBearer records outbound PDUs as they pass Send; inbound PDUs are
// recorded by the receive loop.
type tracedBearer struct {
	transport.Bearer
	rec  *trace.Recorder
	peer string
}

func (b *tracedBearer) Send(pdu []byte) error {
	err := b.Bearer.Send(pdu)
	if err == nil {
		b.rec.Record(trace.DirTx, b.peer, pdu)
	}
	return err
}

func (b *tracedBearer) recordRx(pdu []byte) {
	b.rec.Record(trace.DirRx, b.peer, pdu)
}
