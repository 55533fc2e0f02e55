// Package config loads the simulator configuration from a YAML file.
//
// A missing field keeps its value from Default, so a file only needs the
// settings it changes. A unit listed with only an id is the stock device.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holla2040/sensorsim/internal/registers"
	"gopkg.in/yaml.v3"
)

// MaxUnitID is the largest Modbus unit id a simulated unit may use.
const MaxUnitID = 247

// Config is the full simulator configuration.
type Config struct {
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
	PrintInterval  time.Duration `yaml:"print_interval" json:"print_interval"`
	ModbusAddr     string        `yaml:"modbus_addr" json:"modbus_addr"`
	HTTPAddr       string        `yaml:"http_addr" json:"http_addr"`
	RedisAddr      string        `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	DBPath         string        `yaml:"db_path" json:"db_path"`
	Instance       string        `yaml:"instance" json:"instance"`
	ReportDir      string        `yaml:"report_dir,omitempty" json:"report_dir,omitempty"`
	EventRetention time.Duration `yaml:"event_retention" json:"event_retention"`
	Identity       Identity      `yaml:"identity" json:"identity"`
	Units          []UnitSpec    `yaml:"units" json:"units"`
}

// Identity is the device identification a unit reports.
type Identity struct {
	VendorName  string `yaml:"vendor_name" json:"vendor_name"`
	ProductCode string `yaml:"product_code" json:"product_code"`
	VendorURL   string `yaml:"vendor_url" json:"vendor_url"`
	ProductName string `yaml:"product_name" json:"product_name"`
	ModelName   string `yaml:"model_name" json:"model_name"`
	Revision    string `yaml:"revision" json:"revision"`
}

// Map returns the identity as display pairs.
func (id Identity) Map() map[string]string {
	return map[string]string{
		"vendor_name":  id.VendorName,
		"product_code": id.ProductCode,
		"vendor_url":   id.VendorURL,
		"product_name": id.ProductName,
		"model_name":   id.ModelName,
		"revision":     id.Revision,
	}
}

// UnitSpec describes one simulated unit.
type UnitSpec struct {
	ID               int      `yaml:"id" json:"id"`
	SignalNames      []string `yaml:"signal_names,omitempty" json:"signal_names,omitempty"`
	BaseHighs        []int    `yaml:"base_highs,omitempty" json:"base_highs,omitempty"`
	registers.Params `yaml:",inline"`
}

var (
	defaultNames = []string{
		"Voltage (x0.01 V)",
		"Current (x0.01 A)",
		"Temperature (x0.01 °C)",
		"Frequency (x0.01 Hz)",
		"Vibration",
		"FlowRate (x0.01 L/min)",
		"RPM (x0.01 rpm)",
		"Torque",
	}
	defaultBases      = []int{2200, 1500, 3000, 500, 20, 1000, 1800, 250}
	defaultAmplitudes = []int{50, 30, 100, 10, 5, 80, 120, 20}
	defaultPeriods    = []float64{8, 6, 12, 10, 3, 9, 7, 11}
)

// DefaultUnit returns the stock device under the given id.
func DefaultUnit(id int) UnitSpec {
	return UnitSpec{
		ID:          id,
		SignalNames: append([]string(nil), defaultNames...),
		BaseHighs:   append([]int(nil), defaultBases...),
		Params: registers.Params{
			Amplitudes:  append([]int(nil), defaultAmplitudes...),
			Periods:     append([]float64(nil), defaultPeriods...),
			JitterScale: 0.02,
		},
	}
}

// Default returns the configuration used when no file is given: two stock
// units (ids 1 and 2) ticking at 200 Hz.
func Default() *Config {
	return &Config{
		UpdateInterval: 5 * time.Millisecond,
		PrintInterval:  250 * time.Millisecond,
		ModbusAddr:     "localhost:5020",
		HTTPAddr:       ":8080",
		DBPath:         "sensorsim.db",
		Instance:       "sim-01",
		EventRetention: 24 * time.Hour,
		Identity: Identity{
			VendorName:  "Varad Simulator",
			ProductCode: "VS",
			VendorURL:   "https://example.com",
			ProductName: "Sensor Array Simulator",
			ModelName:   "ModbusTCPv1",
			Revision:    "1.0",
		},
		Units: []UnitSpec{DefaultUnit(1), DefaultUnit(2)},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnmarshalYAML starts every unit from the stock device so a file only
// lists the fields it changes.
func (u *UnitSpec) UnmarshalYAML(value *yaml.Node) error {
	type plain UnitSpec
	p := plain(DefaultUnit(0))
	if err := value.Decode(&p); err != nil {
		return err
	}
	*u = UnitSpec(p)
	return nil
}

// Validate checks intervals, addresses and every unit.
func (c *Config) Validate() error {
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive, got %v", c.UpdateInterval)
	}
	if c.PrintInterval <= 0 {
		return fmt.Errorf("print_interval must be positive, got %v", c.PrintInterval)
	}
	if c.ModbusAddr == "" {
		return fmt.Errorf("modbus_addr is required")
	}
	if c.EventRetention < 0 {
		return fmt.Errorf("event_retention must not be negative, got %v", c.EventRetention)
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("at least one unit is required")
	}

	seen := make(map[int]bool, len(c.Units))
	for _, u := range c.Units {
		if u.ID < 1 || u.ID > MaxUnitID {
			return fmt.Errorf("unit id %d out of range 1..%d", u.ID, MaxUnitID)
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate unit id %d", u.ID)
		}
		seen[u.ID] = true

		if len(u.SignalNames) != registers.SignalCount {
			return fmt.Errorf("unit %d: expected %d signal names, got %d", u.ID, registers.SignalCount, len(u.SignalNames))
		}
		if err := registers.ValidateBaseHighs(u.BaseHighs); err != nil {
			return fmt.Errorf("unit %d: %w", u.ID, err)
		}
		if len(u.Amplitudes) != registers.SignalCount || len(u.Periods) != registers.SignalCount {
			return fmt.Errorf("unit %d: expected %d amplitudes and periods", u.ID, registers.SignalCount)
		}
		if err := registers.ValidateParams(u.Params.Update()); err != nil {
			return fmt.Errorf("unit %d: %w", u.ID, err)
		}
	}
	return nil
}

// UnitConfigs converts the unit specs into register store configuration.
func (c *Config) UnitConfigs() []registers.UnitConfig {
	out := make([]registers.UnitConfig, 0, len(c.Units))
	for _, u := range c.Units {
		out = append(out, registers.UnitConfig{ID: u.ID, BaseHighs: u.BaseHighs, Params: u.Params})
	}
	return out
}

// Unit returns the settings for id.
func (c *Config) Unit(id int) (UnitSpec, bool) {
	for _, u := range c.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UnitSpec{}, false
}

// SignalNames returns the signal names of every unit keyed by unit id.
func (c *Config) SignalNames() map[int][]string {
	out := make(map[int][]string, len(c.Units))
	for _, u := range c.Units {
		out[u.ID] = u.SignalNames
	}
	return out
}

// SetUnitIDs replaces the unit list with ids, keeping the settings of any id
// already configured and using the stock device for new ones.
func (c *Config) SetUnitIDs(ids []int) {
	units := make([]UnitSpec, 0, len(ids))
	for _, id := range ids {
		if u, ok := c.Unit(id); ok {
			units = append(units, u)
			continue
		}
		units = append(units, DefaultUnit(id))
	}
	c.Units = units
}

// ParseIDs parses a comma-separated unit id list such as "1,2,5".
func ParseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid unit id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no unit ids in %q", s)
	}
	return ids, nil
}
