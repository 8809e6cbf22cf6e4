package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gatt/att"
	"github.com/srg/gatt/db"
)

const batteryProfile = `
name: battery
services:
  - uuid: "180F"
    characteristics:
      - uuid: "2A19"
        properties: [read, notify]
        value: "55"
        description: "Battery Level"
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(batteryProfile))
	require.NoError(t, err)
	assert.Equal(t, "battery", p.Name)
	require.Len(t, p.Services, 1)
	require.Len(t, p.Services[0].Characteristics, 1)
	assert.Equal(t, []string{"read", "notify"}, p.Services[0].Characteristics[0].Properties)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not yaml", doc: "{::"},
		{name: "no services", doc: "name: empty\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(batteryProfile), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "battery", p.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCompileBattery(t *testing.T) {
	// GOAL: Verify a read/notify characteristic compiles into declaration,
	// static value, CCC, and user description, and registers cleanly.

	p, err := Parse([]byte(batteryProfile))
	require.NoError(t, err)
	services, err := p.Compile()
	require.NoError(t, err)
	require.Len(t, services, 1)

	reg := db.NewRegistry()
	require.NoError(t, reg.Register(services[0]))

	attrs := services[0].Attributes()
	require.Len(t, attrs, 5)
	assert.True(t, attrs[0].Type.Equal(att.UUIDPrimaryService))
	assert.True(t, attrs[1].Type.Equal(att.UUIDCharacteristic))
	assert.True(t, attrs[2].Type.Equal(att.UUID16(0x2A19)))
	assert.True(t, attrs[3].Type.Equal(att.UUIDCCC))
	assert.True(t, attrs[4].Type.Equal(att.UUIDCUD))

	// The initial value decoded from hex, behind a read-only handler.
	value, err := attrs[2].Read(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, value)
	_, werr := attrs[2].Write(nil, []byte{1}, 0, 0)
	assert.Error(t, werr, "a characteristic without write permission compiles read-only")
}

func TestCompileWritable(t *testing.T) {
	// GOAL: Verify writable characteristics get an in-memory value handler
	// honoring the configured length cap.

	doc := `
name: scratch
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: [read, write]
        max_len: 4
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	services, err := p.Compile()
	require.NoError(t, err)

	attrs := services[0].Attributes()
	require.Len(t, attrs, 3)
	value := attrs[2]

	_, err = value.Write(nil, []byte{1, 2, 3, 4}, 0, 0)
	assert.NoError(t, err)
	_, err = value.Write(nil, []byte{1, 2, 3, 4, 5}, 0, 0)
	assert.Error(t, err, "the configured cap MUST hold")

	got, err := value.Read(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestCompileSecondary(t *testing.T) {
	doc := `
name: aux
services:
  - uuid: "FFF4"
    secondary: true
    characteristics:
      - uuid: "FFF5"
        properties: [read]
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	services, err := p.Compile()
	require.NoError(t, err)
	assert.False(t, services[0].Primary())
	assert.True(t, services[0].Attributes()[0].Type.Equal(att.UUIDSecondaryService))
}

func TestCompileExplicitPermissions(t *testing.T) {
	// GOAL: Verify explicit permissions override the property-implied
	// defaults, including security-gated variants.

	doc := `
name: secure
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: [read, write]
        permissions: [read, write-encrypt, prepare-write]
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	services, err := p.Compile()
	require.NoError(t, err)

	perm := services[0].Attributes()[2].Perm
	assert.Equal(t, db.PermRead|db.PermWriteEncrypt|db.PermPrepareWrite, perm)
}

func TestCompileIndicateOnlyCCC(t *testing.T) {
	// GOAL: Verify the generated CCC only admits the configuration bits
	// the properties support.

	doc := `
name: alert
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: [indicate]
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	services, err := p.Compile()
	require.NoError(t, err)

	attrs := services[0].Attributes()
	require.Len(t, attrs, 4)
	assert.True(t, attrs[3].Type.Equal(att.UUIDCCC))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "bad service uuid",
			doc: `
services:
  - uuid: "xyz"
    characteristics:
      - uuid: "FFF1"
        properties: [read]
`,
		},
		{
			name: "unknown property",
			doc: `
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: [telepathy]
`,
		},
		{
			name: "no properties",
			doc: `
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: []
`,
		},
		{
			name: "unknown permission",
			doc: `
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: [read]
        permissions: [root]
`,
		},
		{
			name: "bad value hex",
			doc: `
services:
  - uuid: "FFF0"
    characteristics:
      - uuid: "FFF1"
        properties: [read]
        value: "zz"
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			_, err = p.Compile()
			assert.Error(t, err)
		})
	}
}
