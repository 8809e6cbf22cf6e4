package settings

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/srg/gatt/server"
)

// peerRecord is the on-disk state of one peer.
type peerRecord struct {
	CCC           []server.CCCState `yaml:"ccc,omitempty"`
	Subscriptions []Subscription    `yaml:"subscriptions,omitempty"`
}

// document is the on-disk schema. Peers keep insertion order so repeated
// saves of the same state produce byte-identical files.
type document struct {
	Version int                                            `yaml:"version"`
	Peers   *orderedmap.OrderedMap[string, *peerRecord] `yaml:"peers"`
}

const documentVersion = 1

// YAMLStore is a Store backed by one YAML file. The whole document lives
// in memory; every mutation rewrites the file.
type YAMLStore struct {
	path string
	log  *logrus.Logger

	mu  sync.Mutex
	doc document
}

// YAMLStoreOption configures a YAMLStore.
type YAMLStoreOption func(*YAMLStore)

// WithStoreLogger sets the store's logger.
func WithStoreLogger(l *logrus.Logger) YAMLStoreOption {
	return func(s *YAMLStore) { s.log = l }
}

// OpenYAMLStore loads (or initializes) the store at path.
func OpenYAMLStore(path string, opts ...YAMLStoreOption) (*YAMLStore, error) {
	s := &YAMLStore{
		path: path,
		log:  logrus.StandardLogger(),
		doc: document{
			Version: documentVersion,
			Peers:   orderedmap.New[string, *peerRecord](),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.Peers == nil {
		s.doc.Peers = orderedmap.New[string, *peerRecord]()
	}
	return s, nil
}

func (s *YAMLStore) LoadCCC(k Key) ([]server.CCCState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Peers.Get(k.String())
	if !ok {
		return nil, nil
	}
	return append([]server.CCCState(nil), rec.CCC...), nil
}

func (s *YAMLStore) StoreCCC(k Key, states []server.CCCState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(k)
	rec.CCC = append([]server.CCCState(nil), states...)
	return s.flushLocked()
}

func (s *YAMLStore) LoadSubscriptions(k Key) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Peers.Get(k.String())
	if !ok {
		return nil, nil
	}
	return append([]Subscription(nil), rec.Subscriptions...), nil
}

func (s *YAMLStore) StoreSubscriptions(k Key, subs []Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(k)
	rec.Subscriptions = append([]Subscription(nil), subs...)
	return s.flushLocked()
}

// Forget drops every record for the peer, for bond removal.
func (s *YAMLStore) Forget(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Peers.Get(k.String()); !ok {
		return nil
	}
	s.doc.Peers.Delete(k.String())
	return s.flushLocked()
}

func (s *YAMLStore) record(k Key) *peerRecord {
	if rec, ok := s.doc.Peers.Get(k.String()); ok {
		return rec
	}
	rec := &peerRecord{}
	s.doc.Peers.Set(k.String(), rec)
	return rec
}

// flushLocked rewrites the backing file through a temp-and-rename so a
// crash mid-write never truncates existing state.
func (s *YAMLStore) flushLocked() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.log.WithField("path", s.path).Debug("Settings flushed")
	return nil
}
