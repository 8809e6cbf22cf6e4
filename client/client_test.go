package client_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/client"
	"github.com/srg/gatt/db"
	"github.com/srg/gatt/server"
	"github.com/srg/gatt/transport"
	"github.com/srg/gatt/transport/loopback"
)

// rig is a client wired to a live served database over a loopback pair.
// The server end answers requests through the engine; the client end runs
// a receive loop routing responses to the queue and value updates to the
// client. Procedure callbacks therefore run on the receive-loop
// goroutine, and tests synchronize through channels.
type rig struct {
	t      *testing.T
	cli    *client.Client
	reg    *db.Registry
	engine *server.Engine
	sess   *server.Session
}

func newRig(t *testing.T, pairOpts []loopback.Option, cliOpts ...client.Option) *rig {
	t.Helper()
	clientEnd, serverEnd := loopback.Pair(pairOpts...)
	t.Cleanup(func() { clientEnd.Close(nil) })

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	reg := db.NewRegistry()
	engine := server.NewEngine(reg, server.WithEngineLogger(log))
	sess := server.NewSession(serverEnd, att.NewQueue(serverEnd))
	engine.Attach(sess)
	t.Cleanup(func() { engine.Detach(sess) })
	go serveLoop(engine, sess, serverEnd)

	queue := att.NewQueue(clientEnd)
	cli := client.New(clientEnd, queue, append([]client.Option{client.WithLogger(log)}, cliOpts...)...)
	go clientLoop(cli, queue, clientEnd)

	return &rig{t: t, cli: cli, reg: reg, engine: engine, sess: sess}
}

func serveLoop(engine *server.Engine, sess *server.Session, bearer transport.Bearer) {
	for {
		pdu, err := bearer.Recv()
		if err != nil {
			sess.Queue().Close(err)
			return
		}
		if len(pdu) > 0 && att.IsResponse(pdu[0]) {
			sess.Queue().HandleRsp(pdu)
			continue
		}
		_ = engine.Serve(sess, pdu)
	}
}

func clientLoop(cli *client.Client, queue *att.Queue, bearer transport.Bearer) {
	for {
		pdu, err := bearer.Recv()
		if err != nil {
			queue.Close(err)
			return
		}
		if len(pdu) > 0 && att.IsResponse(pdu[0]) {
			queue.HandleRsp(pdu)
			continue
		}
		_ = cli.HandleServerPDU(pdu)
	}
}

// fixture is the served database most procedure tests run against:
//
//	0x0001 Battery Service (180F)
//	0x0002   declaration of 2A19 (read|notify|indicate)
//	0x0003   battery level value
//	0x0004   CCC
//	0x0005 Environmental Sensing (181A)
//	0x0006   declaration of 2A6E (read|write)
//	0x0007   temperature value, 40 bytes
//	0x0008   declaration of 2A6F (read|write-without-response)
//	0x0009   humidity value
type fixture struct {
	battery *db.Value
	temp    *db.Value
	hum     *db.Value
}

func tempBytes() []byte {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}
	return data
}

func registerFixture(t *testing.T, r *rig) *fixture {
	t.Helper()
	f := &fixture{
		battery: db.NewValue([]byte{85}, 4),
		temp:    db.NewValue(tempBytes(), 64),
		hum:     db.NewValue([]byte{1, 2}, 4),
	}
	battery := db.NewService(att.UUID16(0x180F)).
		Characteristic(att.UUID16(0x2A19), db.PropRead|db.PropNotify|db.PropIndicate, db.PermRead, f.battery).
		CCC(server.NewCCC(), db.PermRead|db.PermWrite).
		Build()
	require.NoError(t, r.reg.Register(battery))

	env := db.NewService(att.UUID16(0x181A)).
		Characteristic(att.UUID16(0x2A6E), db.PropRead|db.PropWrite, db.PermRead|db.PermWrite, f.temp).
		Characteristic(att.UUID16(0x2A6F), db.PropRead|db.PropWriteWithoutResponse, db.PermRead|db.PermWrite, f.hum).
		Build()
	require.NoError(t, r.reg.Register(env))
	return f
}

// waitErr collects one procedure outcome or fails the test.
func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the procedure callback")
		return nil
	}
}

func TestClientExchangeMTU(t *testing.T) {
	// GOAL: Verify a client-initiated MTU exchange settles on the pair's
	// shared capacity and reports it through both the params callback and
	// the registered MTU hook.

	var hooked int
	r := newRig(t, []loopback.Option{loopback.WithMTU(64)},
		client.WithMTUCallback(func(mtu int) { hooked = mtu }))

	done := make(chan error, 1)
	var negotiated int
	p := &client.ExchangeMTUParams{
		Func: func(_ *client.Client, err error, mtu int) {
			negotiated = mtu
			done <- err
		},
	}
	require.NoError(t, r.cli.ExchangeMTU(p))
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, 64, negotiated)
	assert.Equal(t, 64, r.cli.MTU())
	assert.Equal(t, 64, hooked, "MTU hook MUST fire on a successful exchange")
	assert.Equal(t, 64, r.sess.MTU(), "server side MUST adopt the negotiated MTU too")
}

func TestClientSetMTU(t *testing.T) {
	// GOAL: Verify the MTU recorded for the bearer is clamped to the
	// protocol default and never shrinks.

	r := newRig(t, nil)
	assert.Equal(t, att.DefaultMTU, r.cli.MTU())

	r.cli.SetMTU(10)
	assert.Equal(t, att.DefaultMTU, r.cli.MTU(), "MTU MUST NOT drop below the protocol default")

	r.cli.SetMTU(100)
	assert.Equal(t, 100, r.cli.MTU())

	r.cli.SetMTU(50)
	assert.Equal(t, 100, r.cli.MTU(), "MTU MUST NOT shrink")
}

func TestClientCancel(t *testing.T) {
	// GOAL: Verify Cancel only acts on params blocks the client knows, and
	// reports false for everything else.

	r := newRig(t, nil)

	assert.False(t, r.cli.Cancel(&client.ReadParams{}), "an idle params block has nothing to cancel")
	assert.False(t, r.cli.Cancel(struct{}{}), "a foreign value is not cancellable")
	assert.False(t, r.cli.Cancel(nil))
}

func TestClientHandleServerPDU(t *testing.T) {
	// GOAL: Verify stray server-initiated PDUs are tolerated: unexpected
	// opcodes are logged and dropped, malformed updates are reported.

	r := newRig(t, nil)

	assert.NoError(t, r.cli.HandleServerPDU(nil))
	assert.NoError(t, r.cli.HandleServerPDU([]byte{att.OpWriteRsp}), "a response opcode is not the client's to act on")
	assert.Error(t, r.cli.HandleServerPDU([]byte{att.OpNotify, 0x03}), "truncated update MUST be rejected")
	assert.NoError(t, r.cli.HandleServerPDU(att.ValueUpdate{Handle: 0x0042, Value: []byte{1}}.Marshal()),
		"an update with no subscription is dropped silently")
}
