// Package platform describes a simulated machine, builds its slots and
// drives their operations on the engine.
package platform

import (
	_ "embed"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/opencapi"
	"github.com/sarchlab/slotreset/pcie"
	"github.com/sarchlab/slotreset/sim"
)

//go:embed default.yaml
var defaultConfig []byte

// ErrInvalidConfig is returned for descriptions that cannot be built.
var ErrInvalidConfig = errors.New("invalid platform description")

// Duration is a virtual time written as a Go duration string, like "250ms".
type Duration sim.VTimeInNs

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}

	if v < 0 {
		return errors.Errorf("line %d: negative duration %s", node.Line, s)
	}

	*d = Duration(v.Nanoseconds())

	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// VTime converts to virtual time.
func (d Duration) VTime() sim.VTimeInNs {
	return sim.VTimeInNs(d)
}

// Config is the description of a platform.
type Config struct {
	Name       string        `yaml:"name"`
	I2CLatency Duration      `yaml:"i2c_latency"`
	Slots      []PCIeSlot    `yaml:"pcie_slots"`
	Bricks     []BrickConfig `yaml:"bricks"`
	Shared     []SharedLanes `yaml:"shared_lanes"`
	Quirks     []Quirk       `yaml:"quirks"`
}

// PCIeSlot describes a downstream port with a slot and the card in it.
type PCIeSlot struct {
	ID       string `yaml:"id"`
	Chip     uint32 `yaml:"chip"`
	BDFN     uint16 `yaml:"bdfn"`
	ECap     uint16 `yaml:"ecap"`
	PortType string `yaml:"port_type"`

	Pluggable          bool   `yaml:"pluggable"`
	PowerControl       bool   `yaml:"power_control"`
	AttentionIndicator bool   `yaml:"attention_indicator"`
	PowerIndicator     bool   `yaml:"power_indicator"`
	LatchSensor        bool   `yaml:"latch_sensor"`
	DLActiveReporting  bool   `yaml:"dl_active_reporting"`
	MaxWidth           uint32 `yaml:"max_width"`

	Card CardConfig `yaml:"card"`
}

// CardConfig is the simulated device behind a PCIe slot.
type CardConfig struct {
	Present     bool     `yaml:"present"`
	TrainTime   Duration `yaml:"train_time"`
	Width       uint16   `yaml:"width"`
	NeverTrains bool     `yaml:"never_trains"`
}

// BrickConfig describes an OpenCAPI brick and the adapter on it.
type BrickConfig struct {
	ID       string `yaml:"id"`
	Chip     uint32 `yaml:"chip"`
	Brick    int    `yaml:"brick"`
	LaneMask uint32 `yaml:"lane_mask"`

	Adapter AdapterConfig `yaml:"adapter"`
}

// AdapterConfig is the simulated OpenCAPI device.
type AdapterConfig struct {
	Present      bool     `yaml:"present"`
	TrainTime    Duration `yaml:"train_time"`
	X4           bool     `yaml:"x4"`
	RxLanes      uint8    `yaml:"rx_lanes"`
	TxLanes      uint8    `yaml:"tx_lanes"`
	FailAttempts int      `yaml:"fail_attempts"`
}

// SharedLanes describes two slots sharing one connector.
type SharedLanes struct {
	Slots     [2]string `yaml:"slots"`
	Chip      uint32    `yaml:"chip"`
	EnableReg uint64    `yaml:"enable_reg"`
	DataReg   uint64    `yaml:"data_reg"`
	Mask      uint64    `yaml:"mask"`
}

var portTypes = map[string]pcie.PortType{
	"":                  pcie.PortRoot,
	"root":              pcie.PortRoot,
	"switch-upstream":   pcie.PortSwitchUpstream,
	"switch-downstream": pcie.PortSwitchDownstr,
}

// Parse decodes a description and checks it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	err := yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "decode platform")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads and parses a description file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read platform")
	}

	return Parse(data)
}

// Default returns the built-in description.
func Default() *Config {
	cfg, err := Parse(defaultConfig)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Validate checks that slot IDs are unique and that every reference
// resolves.
func (c *Config) Validate() error {
	ids := make(map[string]bool)

	add := func(id string) error {
		if id == "" {
			return errors.Wrap(ErrInvalidConfig, "slot without id")
		}

		if ids[id] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate slot %s", id)
		}

		ids[id] = true

		return nil
	}

	for _, s := range c.Slots {
		if err := add(s.ID); err != nil {
			return err
		}

		if _, ok := portTypes[s.PortType]; !ok {
			return errors.Wrapf(ErrInvalidConfig,
				"slot %s: port type %q", s.ID, s.PortType)
		}
	}

	for _, b := range c.Bricks {
		if err := add(b.ID); err != nil {
			return err
		}

		if b.Brick < opencapi.FirstOpenCAPIUnit || b.Brick > opencapi.LastOpenCAPIUnit {
			return errors.Wrapf(ErrInvalidConfig,
				"brick %s: index %d", b.ID, b.Brick)
		}
	}

	for _, sh := range c.Shared {
		for _, id := range sh.Slots {
			if !ids[id] {
				return errors.Wrapf(ErrInvalidConfig,
					"shared lanes name unknown slot %q", id)
			}
		}
	}

	for _, q := range c.Quirks {
		if !ids[q.Slot] {
			return errors.Wrapf(ErrInvalidConfig,
				"quirk names unknown slot %q", q.Slot)
		}
	}

	return nil
}

// Quirk carries the platform specific wiring of one slot.
type Quirk struct {
	Slot     string         `yaml:"slot"`
	Sideband *SidebandQuirk `yaml:"sideband"`
}

// SidebandQuirk overrides the default adapter reset wiring of a brick.
type SidebandQuirk struct {
	Bus          i2c.BusID `yaml:"bus"`
	Addr         uint8     `yaml:"addr"`
	Offsets      [3]uint8  `yaml:"offsets"`
	ODL0Data     [3]uint8  `yaml:"odl0_data"`
	ODL1Data     [3]uint8  `yaml:"odl1_data"`
	PresenceMask uint8     `yaml:"presence_mask"`
	Timeout      Duration  `yaml:"timeout"`
	ODLPhySwap   bool      `yaml:"odl_phy_swap"`
}

func (q *SidebandQuirk) config() opencapi.SidebandConfig {
	return opencapi.SidebandConfig{
		Bus:          q.Bus,
		Addr:         q.Addr,
		Offsets:      q.Offsets,
		ODL0Data:     q.ODL0Data,
		ODL1Data:     q.ODL1Data,
		PresenceMask: q.PresenceMask,
		Timeout:      q.Timeout.VTime(),
		ODLPhySwap:   q.ODLPhySwap,
	}
}
