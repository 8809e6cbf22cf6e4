package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// fakeSession is a minimal db.Session for exercising handlers directly.
type fakeSession struct {
	identity int
	peer     string
	bonded   bool
}

func (s *fakeSession) Identity() int                    { return s.identity }
func (s *fakeSession) PeerAddr() string                 { return s.peer }
func (s *fakeSession) Bonded() bool                     { return s.bonded }
func (s *fakeSession) SecurityLevel() att.SecurityLevel { return att.SecurityNone }
func (s *fakeSession) MTU() int                         { return att.DefaultMTU }

func cccWrite(t *testing.T, c *CCC, s db.Session, value uint16) error {
	t.Helper()
	_, err := c.WriteAttr(s, &db.Attribute{Handle: 4}, []byte{byte(value), byte(value >> 8)}, 0, 0)
	return err
}

func TestCCCPerPeerValues(t *testing.T) {
	// GOAL: Verify each peer holds its own configuration while the
	// aggregate is the bitwise OR across peers.
	//
	// TEST SCENARIO: Two peers subscribe differently → own reads differ →
	// aggregate combines → one unsubscribes → aggregate follows.

	c := NewCCC()
	alice := &fakeSession{peer: "alice"}
	bob := &fakeSession{peer: "bob"}

	assert.NoError(t, cccWrite(t, c, alice, CCCNotify))
	assert.NoError(t, cccWrite(t, c, bob, CCCIndicate))

	assert.Equal(t, CCCNotify, c.ValueFor(alice))
	assert.Equal(t, CCCIndicate, c.ValueFor(bob))
	assert.Equal(t, CCCNotify|CCCIndicate, c.Value(), "aggregate MUST OR across peers")

	v, err := c.ReadAttr(alice, &db.Attribute{Handle: 4}, 0)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, v, "peer read MUST report its own value")

	v, err = c.ReadAttr(nil, &db.Attribute{Handle: 4}, 0)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00}, v, "local read MUST report the aggregate")

	assert.NoError(t, cccWrite(t, c, alice, 0))
	assert.Equal(t, uint16(0), c.ValueFor(alice), "zero write MUST release the entry")
	assert.Equal(t, CCCIndicate, c.Value())
}

func TestCCCChangedFiresOnTransitionsOnly(t *testing.T) {
	// GOAL: Verify the Changed hook reports aggregate transitions exactly
	// once: a second subscriber and an identical rewrite stay silent.

	var transitions []uint16
	c := NewCCC(WithCCCChanged(func(v uint16) { transitions = append(transitions, v) }))
	alice := &fakeSession{peer: "alice"}
	bob := &fakeSession{peer: "bob"}

	assert.NoError(t, cccWrite(t, c, alice, CCCNotify))
	assert.NoError(t, cccWrite(t, c, bob, CCCNotify))   // aggregate unchanged
	assert.NoError(t, cccWrite(t, c, alice, CCCNotify)) // identical rewrite
	assert.NoError(t, cccWrite(t, c, alice, 0))         // bob still holds it
	assert.NoError(t, cccWrite(t, c, bob, 0))           // last subscriber gone

	assert.Equal(t, []uint16{CCCNotify, 0}, transitions,
		"Changed MUST fire once per aggregate transition")
}

func TestCCCWriteValidation(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		code att.ErrCode
	}{
		{name: "short value", data: []byte{0x01}, code: att.CodeInvalidValueLength},
		{name: "long value", data: []byte{0x01, 0x00, 0x00}, code: att.CodeInvalidValueLength},
		{name: "unsupported bits", data: []byte{0x04, 0x00}, code: att.CodeValueNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCCC()
			_, err := c.WriteAttr(&fakeSession{peer: "p"}, &db.Attribute{Handle: 4}, tt.data, 0, 0)
			var ae *att.Error
			assert.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.code, ae.Code)
		})
	}

	t.Run("non-zero offset", func(t *testing.T) {
		c := NewCCC()
		_, err := c.WriteAttr(&fakeSession{peer: "p"}, &db.Attribute{Handle: 4}, []byte{0x01}, 1, 0)
		assert.ErrorIs(t, err, att.ErrInvalidOffset)
	})

	t.Run("restricted bits", func(t *testing.T) {
		c := NewCCC(WithCCCSupported(CCCIndicate))
		err := cccWrite(t, c, &fakeSession{peer: "p"}, CCCNotify)
		assert.ErrorIs(t, err, att.ErrValueNotAllowed, "notify bit MUST be rejected on an indicate-only descriptor")
		assert.NoError(t, cccWrite(t, c, &fakeSession{peer: "p"}, CCCIndicate))
	})

	t.Run("application veto", func(t *testing.T) {
		c := NewCCC()
		c.WriteValidate = func(s db.Session, value uint16) error { return errors.New("busy") }
		err := cccWrite(t, c, &fakeSession{peer: "p"}, CCCNotify)
		assert.ErrorIs(t, err, att.ErrWriteNotPerm, "opaque veto MUST map to write-not-permitted")
	})
}

func TestCCCCapacity(t *testing.T) {
	// GOAL: Verify the peer slot pool: full rejects new peers with
	// insufficient-resources, releasing a slot readmits.

	c := NewCCC(WithCCCCapacity(2))
	assert.NoError(t, cccWrite(t, c, &fakeSession{peer: "a"}, CCCNotify))
	assert.NoError(t, cccWrite(t, c, &fakeSession{peer: "b"}, CCCNotify))

	err := cccWrite(t, c, &fakeSession{peer: "c"}, CCCNotify)
	var ae *att.Error
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, att.CodeInsufficientResources, ae.Code)

	assert.NoError(t, cccWrite(t, c, &fakeSession{peer: "a"}, 0))
	assert.NoError(t, cccWrite(t, c, &fakeSession{peer: "c"}, CCCNotify), "vacated slot MUST readmit")
}

func TestCCCDropPeer(t *testing.T) {
	var transitions []uint16
	c := NewCCC(WithCCCChanged(func(v uint16) { transitions = append(transitions, v) }))
	s := &fakeSession{peer: "a"}

	assert.NoError(t, cccWrite(t, c, s, CCCNotify))
	c.dropPeer(s.Identity(), s.PeerAddr())

	assert.Equal(t, uint16(0), c.ValueFor(s))
	assert.Equal(t, []uint16{CCCNotify, 0}, transitions, "drop MUST fire the transition hook")
	c.dropPeer(s.Identity(), s.PeerAddr()) // absent peer is a no-op
	assert.Equal(t, []uint16{CCCNotify, 0}, transitions)
}

func TestCCCRestore(t *testing.T) {
	// GOAL: Verify restore reinstates a persisted configuration without
	// peer-write validation, masking unsupported bits instead of failing.

	vetoed := false
	c := NewCCC(WithCCCSupported(CCCNotify))
	c.WriteValidate = func(db.Session, uint16) error { vetoed = true; return errors.New("no") }

	c.restore(0, "a", CCCNotify|CCCIndicate)

	assert.False(t, vetoed, "restore MUST bypass write validation")
	assert.Equal(t, CCCNotify, c.ValueFor(&fakeSession{peer: "a"}), "unsupported bits MUST be masked")
}
