package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
interface "en0" {
	channel = 2
	target = 5
	boot = true
	bus = "sim"
	mac = "00:80:19:aa:bb:cc"
	poll = "16ms"
	settle = "250ms"
	receive_size = 1536
	metrics = ":9100"
}

interface "en1" {
	bus = "sg"
	device = "/dev/sg3"
	target = 3
}
`

func TestConfigDecode(t *testing.T) {
	s := new(Schema)
	err := s.Decode([]byte(testSchema))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.Equal(t, 2, len(s.Interface))

	en0, err := s.Find("en0")
	require.NoError(t, err)
	assert.Equal(t, 2, en0.Channel)
	assert.Equal(t, 5, en0.TargetID())
	assert.True(t, en0.Boot)
	assert.Equal(t, ":9100", en0.Metrics)

	poll, err := en0.PollPeriod()
	require.NoError(t, err)
	assert.Equal(t, 16*time.Millisecond, poll)

	settle, err := en0.SettleDelay()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, settle)

	mac, err := en0.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, "00:80:19:aa:bb:cc", mac.String())

	conf := en0.DriverConfig()
	assert.Equal(t, "en0", conf.Interface)
	assert.Equal(t, 2, conf.Channel)
	assert.Equal(t, 5, conf.Target)
	assert.True(t, conf.Boot)
	assert.Equal(t, 1536, conf.ReceiveSize)
	assert.Equal(t, 16*time.Millisecond, conf.Poll)

	en1, err := s.Find("en1")
	require.NoError(t, err)
	assert.Equal(t, BusSG, en1.BusType())

	_, err = s.Find("en2")
	assert.ErrorIs(t, err, ErrNoInterface)
}

func TestConfigDefaults(t *testing.T) {
	s := new(Schema)
	require.NoError(t, s.Decode([]byte(`interface "en0" {}`)))
	require.NoError(t, s.Validate())

	en0 := s.Interface[0]
	assert.Equal(t, BusSim, en0.BusType())
	assert.Equal(t, -1, en0.TargetID())

	settle, err := en0.SettleDelay()
	require.NoError(t, err)
	assert.Equal(t, adapter.DefaultSettleDelay, settle)

	conf := en0.DriverConfig()
	assert.Equal(t, -1, conf.Target)
	assert.Equal(t, adapter.DefaultReceiveSize, conf.ReceiveSize)
	assert.Equal(t, time.Duration(0), conf.Poll)
}

func TestConfigValidate(t *testing.T) {
	bad := []string{
		`interface "eth0" {}`,
		`interface "en0" { channel = 8 }`,
		`interface "en0" { channel = -2 }`,
		`interface "en0" { target = 9 }`,
		`interface "en0" { bus = "usb" }`,
		`interface "en0" { bus = "sg" }`,
		"interface \"en0\" {\n  bus = \"sg\"\n  device = \"/dev/sg1\"\n}",
		"interface \"en0\" {\n  bus = \"sg\"\n  device = \"/dev/sg1\"\n  target = -1\n}",
		`interface "en0" { poll = "often" }`,
		`interface "en0" { settle = "1 second" }`,
		`interface "en0" { receive_size = 8 }`,
		`interface "en0" { receive_size = 65536 }`,
		`interface "en0" { mac = "zz" }`,
		"interface \"en0\" {}\ninterface \"en0\" {}",
	}
	for _, b := range bad {
		s := new(Schema)
		require.NoError(t, s.Decode([]byte(b)), b)
		assert.ErrorIs(t, s.Validate(), ErrInvalidConfig, b)
	}

	s := new(Schema)
	require.NoError(t, s.Decode([]byte("interface \"en0\" {\n  channel = -1\n  target = -1\n}")))
	require.NoError(t, s.Validate())
	assert.Equal(t, -1, s.Interface[0].DriverConfig().Target)
	assert.Equal(t, -1, s.Interface[0].DriverConfig().Channel)

	s = new(Schema)
	require.NoError(t, s.Decode([]byte("interface \"en0\" {\n  bus = \"sg\"\n  device = \"/dev/sg1\"\n  target = 3\n}")))
	require.NoError(t, s.Validate())
	assert.Equal(t, BusSG, s.Interface[0].BusType())
	assert.Equal(t, 3, s.Interface[0].TargetID())
	assert.Equal(t, 3, s.Interface[0].DriverConfig().Target)

	s = new(Schema)
	assert.Error(t, s.Decode([]byte(`interface "en0" { unknown = 1 }`)))
}

func TestConfigEncode(t *testing.T) {
	s := new(Schema)
	require.NoError(t, s.Decode([]byte(testSchema)))

	data, err := s.Encode()
	require.NoError(t, err)

	s2 := new(Schema)
	require.NoError(t, s2.Decode(data))
	require.Equal(t, len(s.Interface), len(s2.Interface))
	for i := range s.Interface {
		assert.Equal(t, s.Interface[i].DriverConfig(), s2.Interface[i].DriverConfig())
		assert.Equal(t, s.Interface[i].Device, s2.Interface[i].Device)
	}

	block := s.Interface[0].EncodeAsBlock()
	assert.Contains(t, string(block), `interface "en0"`)
}

func TestReadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scsilink.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testSchema), 0o600))

	s, err := ReadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, 2, len(s.Interface))

	_, err = ReadSchema(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}
