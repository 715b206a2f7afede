// Package happi loads the facility device database and resolves device
// names during checkout preparation.
package happi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrDeviceNotFound marks a name with no database entry.
var ErrDeviceNotFound = errors.New("device not found in database")

// Device is one entry in the device database.
type Device struct {
	Name        string `json:"name" yaml:"name"`
	Beamline    string `json:"beamline,omitempty" yaml:"beamline,omitempty"`
	DeviceClass string `json:"device_class,omitempty" yaml:"device_class,omitempty"`
	// Prefix is the channel prefix shared by the device's signals.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// Signals maps attribute paths onto channel names. Attributes
	// missing here are addressed through the prefix.
	Signals map[string]string `json:"signals,omitempty" yaml:"signals,omitempty"`
}

// Channel returns the control-system address serving one attribute of
// the device.
func (d *Device) Channel(attribute string) string {
	if ch, ok := d.Signals[attribute]; ok {
		return ch
	}
	if d.Prefix != "" {
		return d.Prefix + strings.ToUpper(attribute)
	}
	return d.Name + "." + attribute
}

// Resolver maps a device name onto its database entry.
type Resolver interface {
	Resolve(name string) (*Device, error)
}

// Static is an in-memory Resolver for tests and demos.
type Static map[string]*Device

func (s Static) Resolve(name string) (*Device, error) {
	dev, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDeviceNotFound)
	}
	return dev, nil
}

// Client resolves devices from a database file. The database is a JSON
// or YAML mapping of device name to entry, loaded once up front.
type Client struct {
	path    string
	mu      sync.RWMutex
	devices map[string]*Device
}

// Load reads the database at path. The format follows the extension,
// defaulting to JSON.
func Load(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load device database: %w", err)
	}

	raw := map[string]*Device{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse device database %s: %w", path, err)
	}

	for name, dev := range raw {
		if dev == nil {
			raw[name] = &Device{Name: name}
			continue
		}
		if dev.Name == "" {
			dev.Name = name
		}
	}
	return &Client{path: path, devices: raw}, nil
}

// Resolve returns the entry for name or ErrDeviceNotFound.
func (c *Client) Resolve(name string) (*Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDeviceNotFound)
	}
	return dev, nil
}

// Names lists the database entries in sorted order.
func (c *Client) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path reports where the database was loaded from.
func (c *Client) Path() string {
	return c.path
}
