package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/driver"
	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
	"github.com/loopholelabs/scsilink/pkg/driver/host"
)

const (
	BusSim = "sim"
	BusSG  = "sg"

	// DefaultSimTarget is where the simulated adapter sits when no target is given.
	DefaultSimTarget = 4
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoInterface   = errors.New("interface not configured")
)

type Schema struct {
	Interface []*InterfaceSchema `hcl:"interface,block"`
}

type InterfaceSchema struct {
	Name        string `hcl:"name,label"`
	Channel     int    `hcl:"channel,optional"`
	Target      *int   `hcl:"target,optional"`
	Boot        bool   `hcl:"boot,optional"`
	Bus         string `hcl:"bus,optional"`
	Device      string `hcl:"device,optional"`
	MAC         string `hcl:"mac,optional"`
	Poll        string `hcl:"poll,optional"`
	Settle      string `hcl:"settle,optional"`
	ReceiveSize int    `hcl:"receive_size,optional"`
	Metrics     string `hcl:"metrics,optional"`
}

func ReadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	s := new(Schema)
	return s, s.Decode(data)
}

func (s *Schema) Decode(data []byte) error {
	file, diag := hclsyntax.ParseConfig(data, "", hcl.Pos{Line: 1, Column: 1})
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	diag = gohcl.DecodeBody(file.Body, nil, s)
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	return nil
}

func (s *Schema) Encode() ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(s, f.Body())
	return f.Bytes(), nil
}

// Find returns the named interface block.
func (s *Schema) Find(name string) (*InterfaceSchema, error) {
	for _, i := range s.Interface {
		if i.Name == name {
			return i, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInterface, name)
}

func (s *Schema) Validate() error {
	seen := make(map[string]bool)
	for _, i := range s.Interface {
		if seen[i.Name] {
			return fmt.Errorf("%w: interface %s declared twice", ErrInvalidConfig, i.Name)
		}
		seen[i.Name] = true
		err := i.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}

func (is *InterfaceSchema) EncodeAsBlock() []byte {
	f := hclwrite.NewEmptyFile()
	block := gohcl.EncodeAsBlock(is, "interface")
	f.Body().AppendBlock(block)
	return f.Bytes()
}

func (is *InterfaceSchema) Validate() error {
	if len(is.Name) != driver.NameLength {
		return fmt.Errorf("%w: interface name %q must be %d characters", ErrInvalidConfig, is.Name, driver.NameLength)
	}
	if is.Channel < -1 || is.Channel >= host.Channels {
		return fmt.Errorf("%w: %s channel %d out of range", ErrInvalidConfig, is.Name, is.Channel)
	}
	if is.Target != nil && (*is.Target < -1 || *is.Target > driver.MaxTarget) {
		return fmt.Errorf("%w: %s target %d out of range", ErrInvalidConfig, is.Name, *is.Target)
	}
	switch is.BusType() {
	case BusSim:
	case BusSG:
		if is.Device == "" {
			return fmt.Errorf("%w: %s sg bus needs a device", ErrInvalidConfig, is.Name)
		}
		if is.TargetID() < 0 {
			return fmt.Errorf("%w: %s sg bus needs a target", ErrInvalidConfig, is.Name)
		}
	default:
		return fmt.Errorf("%w: %s unknown bus %q", ErrInvalidConfig, is.Name, is.Bus)
	}
	if is.ReceiveSize != 0 && (is.ReceiveSize < adapter.ReceiveHeaderSize+framebuf.MinFrameSize || is.ReceiveSize > framebuf.RecvSize) {
		return fmt.Errorf("%w: %s receive_size %d out of range", ErrInvalidConfig, is.Name, is.ReceiveSize)
	}
	if _, err := is.PollPeriod(); err != nil {
		return fmt.Errorf("%w: %s poll: %w", ErrInvalidConfig, is.Name, err)
	}
	if _, err := is.SettleDelay(); err != nil {
		return fmt.Errorf("%w: %s settle: %w", ErrInvalidConfig, is.Name, err)
	}
	if _, err := is.HardwareAddr(); err != nil {
		return fmt.Errorf("%w: %s mac: %w", ErrInvalidConfig, is.Name, err)
	}
	return nil
}

func (is *InterfaceSchema) BusType() string {
	if is.Bus == "" {
		return BusSim
	}
	return is.Bus
}

// TargetID returns the configured target, or -1 to probe 7 down to 0.
func (is *InterfaceSchema) TargetID() int {
	if is.Target == nil {
		return -1
	}
	return *is.Target
}

func (is *InterfaceSchema) PollPeriod() (time.Duration, error) {
	if is.Poll == "" {
		return 0, nil
	}
	return time.ParseDuration(is.Poll)
}

func (is *InterfaceSchema) SettleDelay() (time.Duration, error) {
	if is.Settle == "" {
		return adapter.DefaultSettleDelay, nil
	}
	return time.ParseDuration(is.Settle)
}

// HardwareAddr is the address given to a simulated adapter.
func (is *InterfaceSchema) HardwareAddr() (net.HardwareAddr, error) {
	if is.MAC == "" {
		return net.HardwareAddr{0x00, 0x80, 0x19, 0x00, 0x00, 0x01}, nil
	}
	mac, err := net.ParseMAC(is.MAC)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%s is not an ethernet address", is.MAC)
	}
	return mac, nil
}

// DriverConfig converts a validated block to the driver configuration.
func (is *InterfaceSchema) DriverConfig() driver.Config {
	conf := driver.DefaultConfig()
	conf.Interface = is.Name
	conf.Channel = is.Channel
	conf.Target = is.TargetID()
	conf.Boot = is.Boot
	if is.ReceiveSize != 0 {
		conf.ReceiveSize = is.ReceiveSize
	}
	conf.Poll, _ = is.PollPeriod()
	return conf
}
