package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gatt/host"
	"github.com/srg/gatt/transport/loopback"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger so test
// failures come with the execution flow attached.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// LinkedHosts wires two fresh hosts together over a loopback pair and
// registers cleanup. Returns both hosts and their connections.
func (h *TestHelper) LinkedHosts(pairOpts []loopback.Option, hostOpts ...host.Option) (a, b *host.Host, ca, cb *host.Conn) {
	opts := append([]host.Option{host.WithLogger(h.Logger)}, hostOpts...)

	a, err := host.New(opts...)
	if err != nil {
		h.T.Fatalf("host A: %v", err)
	}
	b, err = host.New(opts...)
	if err != nil {
		h.T.Fatalf("host B: %v", err)
	}

	ba, bb := loopback.Pair(pairOpts...)
	ca, err = a.Attach(ba)
	if err != nil {
		h.T.Fatalf("attach A: %v", err)
	}
	cb, err = b.Attach(bb)
	if err != nil {
		h.T.Fatalf("attach B: %v", err)
	}

	h.T.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, ca, cb
}

// Eventually polls cond until it holds or the deadline expires. Loopback
// delivery crosses goroutines, so completions need a grace period.
func (h *TestHelper) Eventually(cond func() bool, msg string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.T.Fatalf("condition never held: %s", msg)
}
