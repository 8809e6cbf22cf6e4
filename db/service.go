package db

import (
	"encoding/binary"

	"github.com/srg/gatt/att"
)

// Service is a registration record: it owns an ordered attribute slice
// occupying a contiguous handle range once registered. Membership is
// immutable while registered.
type Service struct {
	attrs      []*Attribute
	registered bool
}

// Attributes returns the member slice. It must not be modified.
func (s *Service) Attributes() []*Attribute { return s.attrs }

// UUID returns the service type from the declaration attribute.
func (s *Service) UUID() att.UUID {
	if len(s.attrs) == 0 {
		return nil
	}
	if d, ok := s.attrs[0].Handler.(*ServiceDecl); ok {
		return d.UUID
	}
	return nil
}

// Primary reports whether the service declaration is primary.
func (s *Service) Primary() bool {
	return len(s.attrs) > 0 && s.attrs[0].Type.Equal(att.UUIDPrimaryService)
}

// StartHandle is the declaration attribute's handle, 0 before registration.
func (s *Service) StartHandle() uint16 {
	if len(s.attrs) == 0 {
		return 0
	}
	return s.attrs[0].Handle
}

// EndHandle equals the last member attribute's handle.
func (s *Service) EndHandle() uint16 {
	if len(s.attrs) == 0 {
		return 0
	}
	return s.attrs[len(s.attrs)-1].Handle
}

// ServiceDecl is the handler behind a primary/secondary service
// declaration; reading it yields the service UUID in wire form.
type ServiceDecl struct {
	UUID att.UUID
}

func (d *ServiceDecl) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	return ReadValue(d.UUID, offset)
}

// IncludeDecl is the handler behind an include declaration; reading it
// yields the included service's handle range, plus its UUID when 16-bit.
type IncludeDecl struct {
	Svc *Service
}

func (d *IncludeDecl) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	v := make([]byte, 4, 6)
	binary.LittleEndian.PutUint16(v, d.Svc.StartHandle())
	binary.LittleEndian.PutUint16(v[2:], d.Svc.EndHandle())
	if u := d.Svc.UUID(); u.Is16() {
		v = append(v, u...)
	}
	return ReadValue(v, offset)
}

// Chrc is the handler behind a characteristic declaration. Its wire form
// embeds the value attribute's handle, which only exists after
// registration, so the bytes are composed on every read.
type Chrc struct {
	UUID  att.UUID
	Props Props

	valueAttr *Attribute
}

// ValueAttr returns the characteristic's value attribute.
func (c *Chrc) ValueAttr() *Attribute { return c.valueAttr }

func (c *Chrc) ReadAttr(_ Session, _ *Attribute, offset int) ([]byte, error) {
	v := make([]byte, 3, 3+len(c.UUID))
	v[0] = byte(c.Props)
	binary.LittleEndian.PutUint16(v[1:], c.valueAttr.Handle)
	v = append(v, c.UUID...)
	return ReadValue(v, offset)
}

// ServiceBuilder assembles a service's attribute list in declaration
// order. Handles default to 0 (assigned at registration); Handle pins the
// most recently added attribute to a fixed handle.
type ServiceBuilder struct {
	attrs []*Attribute
}

// NewService starts a primary service.
func NewService(uuid att.UUID) *ServiceBuilder {
	return newServiceBuilder(att.UUIDPrimaryService, uuid)
}

// NewSecondaryService starts a secondary service.
func NewSecondaryService(uuid att.UUID) *ServiceBuilder {
	return newServiceBuilder(att.UUIDSecondaryService, uuid)
}

func newServiceBuilder(declType, uuid att.UUID) *ServiceBuilder {
	return &ServiceBuilder{attrs: []*Attribute{{
		Type:    declType,
		Perm:    PermRead,
		Handler: &ServiceDecl{UUID: uuid},
	}}}
}

// Characteristic appends a characteristic declaration and its value
// attribute; the value attribute takes the given permission set and
// handler. Returns the builder for chaining.
func (b *ServiceBuilder) Characteristic(uuid att.UUID, props Props, perm Perm, handler any) *ServiceBuilder {
	value := &Attribute{
		Type:    uuid,
		Perm:    perm,
		Handler: handler,
	}
	decl := &Attribute{
		Type:    att.UUIDCharacteristic,
		Perm:    PermRead,
		Handler: &Chrc{UUID: uuid, Props: props, valueAttr: value},
	}
	b.attrs = append(b.attrs, decl, value)
	return b
}

// Descriptor appends a descriptor to the most recent characteristic.
func (b *ServiceBuilder) Descriptor(uuid att.UUID, perm Perm, handler any) *ServiceBuilder {
	b.attrs = append(b.attrs, &Attribute{
		Type:    uuid,
		Perm:    perm,
		Handler: handler,
	})
	return b
}

// CCC appends a Client Characteristic Configuration descriptor. The
// handler is typically a *server.CCC; its entries gate notify/indicate
// delivery for the preceding characteristic.
func (b *ServiceBuilder) CCC(handler any, perm Perm) *ServiceBuilder {
	return b.Descriptor(att.UUIDCCC, perm, handler)
}

// CEP appends a Characteristic Extended Properties descriptor.
func (b *ServiceBuilder) CEP(props uint16) *ServiceBuilder {
	return b.Descriptor(att.UUIDCEP, PermRead, &CEP{Props: props})
}

// CUD appends a Characteristic User Description descriptor.
func (b *ServiceBuilder) CUD(desc string, perm Perm) *ServiceBuilder {
	return b.Descriptor(att.UUIDCUD, perm, Static([]byte(desc)))
}

// CPF appends a Characteristic Presentation Format descriptor.
func (b *ServiceBuilder) CPF(f *CPF) *ServiceBuilder {
	return b.Descriptor(att.UUIDCPF, PermRead, f)
}

// Include appends an include declaration referencing another service.
// The referenced service must be registered before this one.
func (b *ServiceBuilder) Include(svc *Service) *ServiceBuilder {
	b.attrs = append(b.attrs, &Attribute{
		Type:    att.UUIDInclude,
		Perm:    PermRead,
		Handler: &IncludeDecl{Svc: svc},
	})
	return b
}

// Handle pins the most recently added attribute to a fixed handle; the
// registry validates ordering at registration.
func (b *ServiceBuilder) Handle(h uint16) *ServiceBuilder {
	if len(b.attrs) > 0 {
		b.attrs[len(b.attrs)-1].Handle = h
	}
	return b
}

// Build finalizes the service. The builder must not be reused.
func (b *ServiceBuilder) Build() *Service {
	return &Service{attrs: b.attrs}
}
