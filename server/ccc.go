package server

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

// Client Characteristic Configuration bit values.
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// defaultCCCCap bounds how many distinct peers can hold a non-zero
// configuration on one descriptor at a time.
const defaultCCCCap = 8

type cccEntry struct {
	identity int
	peer     string
	bonded   bool
	value    uint16
}

// CCC is the managed Client Characteristic Configuration descriptor
// handler. It keeps one configuration value per peer, exposes the bitwise
// OR across peers as the aggregate, and reports aggregate transitions
// through the Changed hook exactly once per change.
//
// Mount it with ServiceBuilder.CCC or as a plain descriptor handler.
type CCC struct {
	mu        sync.Mutex
	entries   []cccEntry
	capacity  int
	supported uint16
	aggregate uint16

	// Changed observes aggregate transitions; it runs under the
	// descriptor lock, so it must not write the descriptor back.
	Changed func(value uint16)
	// WriteValidate can veto a peer write before it is recorded. A
	// returned *att.Error is sent verbatim, anything else maps to
	// write-not-permitted.
	WriteValidate func(s db.Session, value uint16) error
	// Match filters which peers a value update may target; nil admits
	// every subscribed peer.
	Match func(s db.Session, a *db.Attribute) bool
}

// CCCOption configures a managed CCC descriptor.
type CCCOption func(*CCC)

// WithCCCCapacity bounds the number of peers with live configurations.
func WithCCCCapacity(n int) CCCOption {
	return func(c *CCC) { c.capacity = n }
}

// WithCCCSupported restricts which configuration bits peers may set.
func WithCCCSupported(bits uint16) CCCOption {
	return func(c *CCC) { c.supported = bits }
}

// WithCCCChanged installs the aggregate transition hook.
func WithCCCChanged(fn func(value uint16)) CCCOption {
	return func(c *CCC) { c.Changed = fn }
}

// NewCCC builds a managed CCC descriptor handler.
func NewCCC(opts ...CCCOption) *CCC {
	c := &CCC{
		capacity:  defaultCCCCap,
		supported: CCCNotify | CCCIndicate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadAttr reports the requesting peer's own configuration. A local read
// (nil session) reports the aggregate instead.
func (c *CCC) ReadAttr(s db.Session, a *db.Attribute, offset int) ([]byte, error) {
	c.mu.Lock()
	v := c.aggregate
	if s != nil {
		v = c.lookupLocked(s.Identity(), s.PeerAddr())
	}
	c.mu.Unlock()

	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return db.ReadValue(buf[:], offset)
}

// WriteAttr records the requesting peer's configuration. Writing zero
// releases the peer's slot.
func (c *CCC) WriteAttr(s db.Session, a *db.Attribute, data []byte, offset int, flags db.WriteFlag) (int, error) {
	if offset != 0 {
		return 0, att.NewError(att.CodeInvalidOffset, a.Handle)
	}
	if len(data) != 2 {
		return 0, att.NewError(att.CodeInvalidValueLength, a.Handle)
	}
	value := binary.LittleEndian.Uint16(data)
	if value&^c.supported != 0 {
		return 0, att.NewError(att.CodeValueNotAllowed, a.Handle)
	}
	if c.WriteValidate != nil && s != nil {
		if err := c.WriteValidate(s, value); err != nil {
			return 0, authWriteError(err, a.Handle)
		}
	}
	if flags&db.WritePrepare != 0 {
		return len(data), nil
	}
	if s == nil {
		return 0, att.NewError(att.CodeWriteNotPermitted, a.Handle)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setLocked(s.Identity(), s.PeerAddr(), s.Bonded(), value, a.Handle); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (c *CCC) setLocked(identity int, peer string, bonded bool, value uint16, handle uint16) error {
	idx := -1
	for i := range c.entries {
		if c.entries[i].identity == identity && c.entries[i].peer == peer {
			idx = i
			break
		}
	}
	switch {
	case idx < 0 && value == 0:
		return nil
	case idx < 0:
		if len(c.entries) >= c.capacity {
			return att.NewError(att.CodeInsufficientResources, handle)
		}
		c.entries = append(c.entries, cccEntry{identity: identity, peer: peer, bonded: bonded, value: value})
	case value == 0:
		c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	default:
		c.entries[idx].value = value
		c.entries[idx].bonded = bonded
	}
	c.recomputeLocked()
	return nil
}

func (c *CCC) recomputeLocked() {
	var agg uint16
	for i := range c.entries {
		agg |= c.entries[i].value
	}
	if agg != c.aggregate {
		c.aggregate = agg
		if c.Changed != nil {
			c.Changed(agg)
		}
	}
}

func (c *CCC) lookupLocked(identity int, peer string) uint16 {
	for i := range c.entries {
		if c.entries[i].identity == identity && c.entries[i].peer == peer {
			return c.entries[i].value
		}
	}
	return 0
}

// Value reports the aggregate configuration across all peers.
func (c *CCC) Value() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregate
}

// ValueFor reports the configuration held by one peer.
func (c *CCC) ValueFor(s db.Session) uint16 {
	if s == nil {
		return c.Value()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(s.Identity(), s.PeerAddr())
}

func (c *CCC) subscribed(s db.Session, a *db.Attribute, bits uint16) bool {
	if c.ValueFor(s)&bits == 0 {
		return false
	}
	if c.Match != nil && !c.Match(s, a) {
		return false
	}
	return true
}

// restore reinstates a persisted configuration without firing peer-write
// validation. Aggregate transitions still fire Changed.
func (c *CCC) restore(identity int, peer string, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.setLocked(identity, peer, true, value&c.supported, 0)
}

// dropPeer removes a peer's configuration, recomputing the aggregate.
// Used when a non-bonded peer disconnects.
func (c *CCC) dropPeer(identity int, peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.setLocked(identity, peer, false, 0, 0)
}

// CCCState is one persisted (descriptor handle, configuration) pair.
type CCCState struct {
	Handle uint16 `yaml:"handle"`
	Value  uint16 `yaml:"value"`
}

// RestoreCCC reinstates persisted configurations for a bonded peer.
// Unknown handles are skipped, so a database reshaped since the last
// session degrades to a clean slate for the affected descriptors.
func (e *Engine) RestoreCCC(s *Session, states []CCCState) {
	for _, st := range states {
		a := e.reg.Find(st.Handle)
		if a == nil {
			continue
		}
		if c, ok := a.Handler.(*CCC); ok {
			c.restore(s.Identity(), s.PeerAddr(), st.Value)
		}
	}
}

// CCCStates snapshots the peer's non-zero configurations for persistence.
func (e *Engine) CCCStates(s *Session) []CCCState {
	var states []CCCState
	e.forEachCCC(func(a *db.Attribute, c *CCC) {
		if v := c.ValueFor(s); v != 0 {
			states = append(states, CCCState{Handle: a.Handle, Value: v})
		}
	})
	return states
}

func authWriteError(err error, handle uint16) error {
	var ae *att.Error
	if errors.As(err, &ae) {
		return ae
	}
	return att.WrapError(att.CodeWriteNotPermitted, handle, err)
}
