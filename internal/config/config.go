// Package config parses the YAML machine description the kernel boots with.
package config

import (
	"fmt"
	"net"

	"gopkg.in/yaml.v3"
)

// Config is the top-level machine description.
type Config struct {
	Net     NetConfig     `yaml:"net"`
	Console ConsoleConfig `yaml:"console"`
}

// NetConfig sizes the NIC buffer pool and optionally overrides the MAC.
type NetConfig struct {
	BufCount     int    `yaml:"bufCount"`
	BufSize      int    `yaml:"bufSize"`
	DeviceOffset int    `yaml:"deviceOffset"`
	MAC          string `yaml:"mac,omitempty"`
}

// ConsoleConfig selects the serial console port.
type ConsoleConfig struct {
	Port uint16 `yaml:"port"`
}

// Default returns the configuration used when no description is provided.
func Default() Config {
	return Config{
		Net: NetConfig{
			BufCount:     128,
			BufSize:      2048,
			DeviceOffset: 12,
		},
		Console: ConsoleConfig{
			Port: 0x3f8,
		},
	}
}

// Load parses a YAML description over the defaults and validates it.
func Load(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the description for internal consistency.
func (c Config) Validate() error {
	if c.Net.BufCount <= 0 {
		return fmt.Errorf("config: net.bufCount must be positive, got %d", c.Net.BufCount)
	}
	if c.Net.BufSize <= c.Net.DeviceOffset {
		return fmt.Errorf("config: net.bufSize %d must exceed net.deviceOffset %d", c.Net.BufSize, c.Net.DeviceOffset)
	}
	if c.Net.DeviceOffset < 0 {
		return fmt.Errorf("config: net.deviceOffset must not be negative, got %d", c.Net.DeviceOffset)
	}
	if c.Net.MAC != "" {
		if _, err := c.Net.HardwareAddr(); err != nil {
			return err
		}
	}
	return nil
}

// HardwareAddr parses the MAC override.
func (c NetConfig) HardwareAddr() ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(c.MAC)
	if err != nil {
		return out, fmt.Errorf("config: net.mac: %w", err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("config: net.mac must be 48-bit, got %q", c.MAC)
	}
	copy(out[:], hw)
	return out, nil
}
