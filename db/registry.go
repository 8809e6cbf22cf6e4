package db

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/gatt/att"
)

// Registry is the owned, lifecycle-managed attribute database. Lookups and
// iteration run against an immutable snapshot republished on every
// registration change, so read-mostly access never races a registration:
// an iteration started before an unregister simply keeps seeing the old
// snapshot, and later lookups against the gone handles resolve not-found.
type Registry struct {
	mu       sync.RWMutex
	services []*Service   // ascending by start handle
	attrs    []*Attribute // flat ascending snapshot
	next     uint32       // next auto-assigned handle; monotonic, never reused. Past 0xFFFF the space is exhausted.
	logger   *logrus.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger attaches a logger for registration diagnostics.
func WithLogger(l *logrus.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty database. Handle assignment starts at 1.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{next: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a service, atomically assigning contiguous handles to
// every member whose handle is 0. Pre-assigned handles are validated for
// ascending order and collision with already-occupied address space.
// Fails with att.ErrNoResources once the 16-bit space is exhausted;
// nothing is published on failure.
func (r *Registry) Register(svc *Service) error {
	if svc == nil || len(svc.attrs) == 0 {
		return att.ErrInvalidParam
	}
	first := svc.attrs[0]
	if !first.Type.Equal(att.UUIDPrimaryService) && !first.Type.Equal(att.UUIDSecondaryService) {
		return fmt.Errorf("%w: service must start with a service declaration", att.ErrInvalidParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if svc.registered {
		return att.ErrInUse
	}

	// Assign handles against a scratch cursor first so a failure leaves
	// both the service and the registry untouched.
	cur := r.next
	assigned := make([]uint16, len(svc.attrs))
	for i, a := range svc.attrs {
		if a.Handle == 0 {
			if cur > 0xFFFF {
				return fmt.Errorf("%w: attribute handle space exhausted", att.ErrNoResources)
			}
			assigned[i] = uint16(cur)
		} else {
			if uint32(a.Handle) < cur {
				return fmt.Errorf("%w: handle 0x%04x already occupied", att.ErrInvalidParam, a.Handle)
			}
			assigned[i] = a.Handle
			cur = uint32(a.Handle)
		}
		cur++
	}

	for i, a := range svc.attrs {
		if a.Handle == 0 {
			a.Handle = assigned[i]
			a.auto = true
		}
	}
	r.next = cur
	svc.registered = true

	services := make([]*Service, len(r.services), len(r.services)+1)
	copy(services, r.services)
	services = append(services, svc)
	sort.Slice(services, func(i, j int) bool {
		return services[i].StartHandle() < services[j].StartHandle()
	})
	r.services = services
	r.rebuildLocked()

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"uuid":  svc.UUID().String(),
			"start": fmt.Sprintf("0x%04x", svc.StartHandle()),
			"end":   fmt.Sprintf("0x%04x", svc.EndHandle()),
			"attrs": len(svc.attrs),
		}).Debug("Service registered")
	}
	return nil
}

// Unregister removes a service. Its auto-assigned handles are cleared so
// the Service value can be registered again; the vacated handle range is
// never reused for auto assignment, so a handle held by an in-flight
// procedure cannot come to mean a different attribute.
func (r *Registry) Unregister(svc *Service) error {
	if svc == nil {
		return att.ErrInvalidParam
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, s := range r.services {
		if s == svc {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: service not registered", att.ErrInvalidParam)
	}

	services := make([]*Service, 0, len(r.services)-1)
	services = append(services, r.services[:idx]...)
	services = append(services, r.services[idx+1:]...)
	r.services = services
	r.rebuildLocked()

	svc.registered = false
	for _, a := range svc.attrs {
		if a.auto {
			a.Handle = 0
			a.auto = false
		}
	}

	if r.logger != nil {
		r.logger.WithField("uuid", svc.UUID().String()).Debug("Service unregistered")
	}
	return nil
}

// Registered reports whether svc is currently in the database.
func (r *Registry) Registered(svc *Service) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.services {
		if s == svc {
			return true
		}
	}
	return false
}

// rebuildLocked republishes the flat attribute snapshot.
func (r *Registry) rebuildLocked() {
	n := 0
	for _, s := range r.services {
		n += len(s.attrs)
	}
	attrs := make([]*Attribute, 0, n)
	for _, s := range r.services {
		attrs = append(attrs, s.attrs...)
	}
	r.attrs = attrs
}

// snapshot returns the current immutable attribute slice.
func (r *Registry) snapshot() []*Attribute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attrs
}

// Services returns the current service list snapshot, ascending by start
// handle. The returned slice must not be modified.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services
}

// Find resolves a handle, or nil when no registered attribute has it.
func (r *Registry) Find(handle uint16) *Attribute {
	attrs := r.snapshot()
	i := sort.Search(len(attrs), func(i int) bool { return attrs[i].Handle >= handle })
	if i < len(attrs) && attrs[i].Handle == handle {
		return attrs[i]
	}
	return nil
}

// Filter narrows a ForEach iteration. The zero value matches everything.
type Filter struct {
	// UUID restricts matches to attributes of this type.
	UUID att.UUID
	// Handler restricts matches to attributes with this exact handler.
	Handler any
	// Limit bounds the number of matches visited; 0 means unbounded.
	Limit int
}

// ForEach visits attributes with handles in [start, end] in ascending
// handle order, applying the filter, until the callback returns Stop or
// the match limit is reached. Concurrent registration of other services
// never races an in-progress iteration.
func (r *Registry) ForEach(start, end uint16, f Filter, fn func(*Attribute) Iter) {
	attrs := r.snapshot()
	i := sort.Search(len(attrs), func(i int) bool { return attrs[i].Handle >= start })
	matched := 0
	for ; i < len(attrs) && attrs[i].Handle <= end; i++ {
		a := attrs[i]
		if len(f.UUID) > 0 && !a.Type.Equal(f.UUID) {
			continue
		}
		if f.Handler != nil && a.Handler != f.Handler {
			continue
		}
		if fn(a) == Stop {
			return
		}
		matched++
		if f.Limit > 0 && matched >= f.Limit {
			return
		}
	}
}

// Next returns the attribute with the smallest handle greater than a's,
// or nil at the end of the database.
func (r *Registry) Next(a *Attribute) *Attribute {
	if a == nil {
		return nil
	}
	attrs := r.snapshot()
	i := sort.Search(len(attrs), func(i int) bool { return attrs[i].Handle > a.Handle })
	if i < len(attrs) {
		return attrs[i]
	}
	return nil
}

// FindByType returns the first attribute of the given type in [start, end].
func (r *Registry) FindByType(start, end uint16, t att.UUID) *Attribute {
	var found *Attribute
	r.ForEach(start, end, Filter{UUID: t, Limit: 1}, func(a *Attribute) Iter {
		found = a
		return Stop
	})
	return found
}

// ValueAttr resolves the characteristic-declaration/value duality: given
// either a characteristic declaration or its value attribute, it returns
// the value attribute. Other attributes resolve to themselves.
func (r *Registry) ValueAttr(a *Attribute) *Attribute {
	if a == nil {
		return nil
	}
	if c, ok := a.Handler.(*Chrc); ok {
		return c.valueAttr
	}
	return a
}

// ServiceOf returns the registered service whose handle range contains h.
func (r *Registry) ServiceOf(h uint16) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.services {
		if h >= s.StartHandle() && h <= s.EndHandle() {
			return s
		}
	}
	return nil
}
