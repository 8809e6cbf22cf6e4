// Package settings persists per-peer GATT state across connections:
// server-side CCC configurations written by bonded peers, and client-side
// subscriptions to re-arm on reconnection.
package settings

import (
	"fmt"

	"github.com/srg/gatt/server"
)

// Key identifies a peer across connections.
type Key struct {
	Identity int
	Peer     string
}

func (k Key) String() string { return fmt.Sprintf("%d/%s", k.Identity, k.Peer) }

// Subscription is one persisted client-side subscription.
type Subscription struct {
	ValueHandle uint16 `yaml:"value_handle"`
	CCCHandle   uint16 `yaml:"ccc_handle"`
	EndHandle   uint16 `yaml:"end_handle,omitempty"`
	Value       uint16 `yaml:"value"`
	NoResub     bool   `yaml:"no_resub,omitempty"`
}

// Store persists per-peer GATT state. Implementations must tolerate keys
// they have never seen: a missing record is an empty result, not an error.
type Store interface {
	LoadCCC(k Key) ([]server.CCCState, error)
	StoreCCC(k Key, states []server.CCCState) error
	LoadSubscriptions(k Key) ([]Subscription, error)
	StoreSubscriptions(k Key, subs []Subscription) error
}

// Nop is the discard store: nothing persists, loads are empty.
type Nop struct{}

func (Nop) LoadCCC(Key) ([]server.CCCState, error)          { return nil, nil }
func (Nop) StoreCCC(Key, []server.CCCState) error           { return nil }
func (Nop) LoadSubscriptions(Key) ([]Subscription, error)   { return nil, nil }
func (Nop) StoreSubscriptions(Key, []Subscription) error    { return nil }
