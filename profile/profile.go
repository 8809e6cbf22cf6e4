// Package profile loads declarative GATT service definitions from YAML
// and compiles them into registrable services. Static values become
// read-only attributes; writable characteristics get in-memory value
// handlers; notify/indicate properties get a managed CCC descriptor.
package profile

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
	"github.com/srg/gatt/server"
)

// Profile is the top-level document.
type Profile struct {
	Name     string    `yaml:"name"`
	Services []Service `yaml:"services"`
}

// Service is one service definition.
type Service struct {
	UUID            string           `yaml:"uuid"`
	Secondary       bool             `yaml:"secondary,omitempty"`
	Characteristics []Characteristic `yaml:"characteristics"`
}

// Characteristic is one characteristic definition.
type Characteristic struct {
	UUID        string   `yaml:"uuid"`
	Properties  []string `yaml:"properties"`
	Permissions []string `yaml:"permissions,omitempty"`
	// Value is the initial value, hex-encoded.
	Value string `yaml:"value,omitempty"`
	// MaxLen caps writable values; 0 takes the attribute value limit.
	MaxLen int `yaml:"max_len,omitempty"`
	// Description adds a Characteristic User Description descriptor.
	Description string `yaml:"description,omitempty"`
}

// Load reads and parses a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if len(p.Services) == 0 {
		return nil, fmt.Errorf("profile: no services defined")
	}
	return &p, nil
}

// Compile builds registrable services from the definitions.
func (p *Profile) Compile() ([]*db.Service, error) {
	services := make([]*db.Service, 0, len(p.Services))
	for i := range p.Services {
		svc, err := p.Services[i].compile()
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

func (s *Service) compile() (*db.Service, error) {
	uuid, err := parseUUID(s.UUID)
	if err != nil {
		return nil, err
	}
	b := db.NewService(uuid)
	if s.Secondary {
		b = db.NewSecondaryService(uuid)
	}
	for i := range s.Characteristics {
		if err := s.Characteristics[i].compile(b); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func (c *Characteristic) compile(b *db.ServiceBuilder) error {
	uuid, err := parseUUID(c.UUID)
	if err != nil {
		return err
	}
	props, err := parseProps(c.Properties)
	if err != nil {
		return err
	}
	perm, err := parsePerms(c.Permissions, props)
	if err != nil {
		return err
	}

	var initial []byte
	if c.Value != "" {
		initial, err = hex.DecodeString(strings.ReplaceAll(c.Value, " ", ""))
		if err != nil {
			return fmt.Errorf("profile: characteristic %s: bad value: %w", c.UUID, err)
		}
	}

	var handler any
	if perm&db.WriteMask == 0 {
		handler = db.Static(initial)
	} else {
		handler = db.NewValue(initial, c.MaxLen)
	}

	b.Characteristic(uuid, props, perm, handler)
	if props&(db.PropNotify|db.PropIndicate) != 0 {
		var supported uint16
		if props&db.PropNotify != 0 {
			supported |= server.CCCNotify
		}
		if props&db.PropIndicate != 0 {
			supported |= server.CCCIndicate
		}
		b.CCC(server.NewCCC(server.WithCCCSupported(supported)), db.PermRead|db.PermWrite)
	}
	if c.Description != "" {
		b.CUD(c.Description, db.PermRead)
	}
	return nil
}

func parseUUID(s string) (att.UUID, error) {
	u, err := att.ParseUUID(s)
	if err != nil {
		return nil, fmt.Errorf("profile: bad uuid %q: %w", s, err)
	}
	return u, nil
}

func parseProps(names []string) (db.Props, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("profile: characteristic without properties")
	}
	var props db.Props
	for _, name := range names {
		switch strings.ToLower(name) {
		case "broadcast":
			props |= db.PropBroadcast
		case "read":
			props |= db.PropRead
		case "write-without-response":
			props |= db.PropWriteWithoutResponse
		case "write":
			props |= db.PropWrite
		case "notify":
			props |= db.PropNotify
		case "indicate":
			props |= db.PropIndicate
		default:
			return 0, fmt.Errorf("profile: unknown property %q", name)
		}
	}
	return props, nil
}

// parsePerms maps permission names to the permission mask; with no
// explicit permissions the properties imply them.
func parsePerms(names []string, props db.Props) (db.Perm, error) {
	if len(names) == 0 {
		var perm db.Perm
		if props&db.PropRead != 0 {
			perm |= db.PermRead
		}
		if props&(db.PropWrite|db.PropWriteWithoutResponse) != 0 {
			perm |= db.PermWrite
		}
		return perm, nil
	}
	var perm db.Perm
	for _, name := range names {
		switch strings.ToLower(name) {
		case "read":
			perm |= db.PermRead
		case "write":
			perm |= db.PermWrite
		case "read-encrypt":
			perm |= db.PermReadEncrypt
		case "write-encrypt":
			perm |= db.PermWriteEncrypt
		case "read-authen":
			perm |= db.PermReadAuthen
		case "write-authen":
			perm |= db.PermWriteAuthen
		case "prepare-write":
			perm |= db.PermPrepareWrite
		default:
			return 0, fmt.Errorf("profile: unknown permission %q", name)
		}
	}
	return perm, nil
}
