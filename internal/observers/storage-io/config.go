package storageio

import (
	"fmt"
	"time"

	"github.com/openstack-archive/stx-utils/internal/alarms"
	"github.com/openstack-archive/stx-utils/internal/observers/config"
)

const (
	DefaultCommand           = "iostat -dx -t -p ALL"
	DefaultResourceFile      = "/etc/drbd.d/drbd-cinder.res"
	DefaultVolumeGroupPrefix = "cinder--volumes"

	// defaultDeviceMapperMajor is used when /proc/devices has no device-mapper entry
	defaultDeviceMapperMajor = 253

	minWaitTime = time.Second
	maxWaitTime = 59 * time.Second
)

// Profile is the window and threshold set for one kind of backend disk
type Profile struct {
	SmallWindow    int     `mapstructure:"small_window" yaml:"small_window" json:"small_window"`
	MediumWindow   int     `mapstructure:"medium_window" yaml:"medium_window" json:"medium_window"`
	LargeWindow    int     `mapstructure:"large_window" yaml:"large_window" json:"large_window"`
	SustainedAwait float64 `mapstructure:"sustained_await" yaml:"sustained_await" json:"sustained_await"`
	MaxAwait       float64 `mapstructure:"max_await" yaml:"max_await" json:"max_await"`
}

// WindowSizes returns the small, medium and large window capacities
func (p Profile) WindowSizes() [windowCount]int {
	return [windowCount]int{p.SmallWindow, p.MediumWindow, p.LargeWindow}
}

// Thresholds returns the per-device thresholds of the profile
func (p Profile) Thresholds() Thresholds {
	return Thresholds{SpikeCap: p.MaxAwait, SustainedAwait: p.SustainedAwait}
}

func (p Profile) validate(kind string) error {
	if p.SmallWindow < 1 || p.MediumWindow < 1 || p.LargeWindow < 1 {
		return fmt.Errorf("%s windows must be positive: %d/%d/%d", kind, p.SmallWindow, p.MediumWindow, p.LargeWindow)
	}
	if p.SmallWindow > p.MediumWindow || p.MediumWindow > p.LargeWindow {
		return fmt.Errorf("%s windows must grow small <= medium <= large: %d/%d/%d",
			kind, p.SmallWindow, p.MediumWindow, p.LargeWindow)
	}
	if p.SustainedAwait <= 0 {
		return fmt.Errorf("%s sustained await must be positive: %v", kind, p.SustainedAwait)
	}
	return nil
}

// DefaultSSDProfile is used for non-rotational or unknown backend disks
func DefaultSSDProfile() Profile {
	return Profile{SmallWindow: 30, MediumWindow: 60, LargeWindow: 90, SustainedAwait: 1000, MaxAwait: 5000}
}

// DefaultHDDProfile is used for rotational backend disks
func DefaultHDDProfile() Profile {
	return Profile{SmallWindow: 120, MediumWindow: 180, LargeWindow: 240, SustainedAwait: 1500, MaxAwait: 5000}
}

// ColumnLayout locates the counters in a device line. Indices are capture groups
// where group 1 is the device name and groups 2..14 are the numeric columns.
type ColumnLayout struct {
	ReadOps  int `mapstructure:"read_ops" yaml:"read_ops" json:"read_ops"`
	WriteOps int `mapstructure:"write_ops" yaml:"write_ops" json:"write_ops"`
	Await    int `mapstructure:"await" yaml:"await" json:"await"`
}

// DefaultColumnLayout matches `iostat -dx` (r/s, w/s, await). iostat versions that print
// an extra counter column before r/s need ColumnLayout{ReadOps: 5, WriteOps: 6, Await: 12},
// set through columns.read_ops, columns.write_ops and columns.await.
func DefaultColumnLayout() ColumnLayout {
	return ColumnLayout{ReadOps: 4, WriteOps: 5, Await: 10}
}

func (l ColumnLayout) validate() error {
	for name, idx := range map[string]int{"read_ops": l.ReadOps, "write_ops": l.WriteOps, "await": l.Await} {
		if idx < 2 || idx > deviceLineGroups {
			return fmt.Errorf("column %s out of range [2,%d]: %d", name, deviceLineGroups, idx)
		}
	}
	return nil
}

// AlarmConfig controls alarm generation
type AlarmConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Debounce         int    `mapstructure:"debounce" yaml:"debounce"`
	EntityInstanceID string `mapstructure:"entity_instance_id" yaml:"entity_instance_id"`
	Backend          string `mapstructure:"backend" yaml:"backend"`

	NATS  NATSAlarmConfig  `mapstructure:"nats" yaml:"nats"`
	Redis RedisAlarmConfig `mapstructure:"redis" yaml:"redis"`
}

// NATSAlarmConfig points at a fault manager reachable over NATS
type NATSAlarmConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Subject string        `mapstructure:"subject" yaml:"subject"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RedisAlarmConfig points at the Redis instance holding alarm records
type RedisAlarmConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Alarm backends
const (
	AlarmBackendMemory = "memory"
	AlarmBackendNATS   = "nats"
	AlarmBackendRedis  = "redis"
)

// CSVConfig controls the diagnostic CSV dump
type CSVConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// Config holds configuration for the storage congestion observer
type Config struct {
	*config.BaseConfig

	// Sampling
	WaitTime  time.Duration
	Command   string
	SkipLines int
	Columns   ColumnLayout

	// Topology
	ResourceFile          string
	VolumeGroupPrefix     string
	DeviceMapperMajor     int // 0 detects it from /proc/devices
	PhysicalDiskMajors    []int
	InfraDevices          []string
	IgnoredDevicePatterns []string
	WatchResourceFile     bool
	ProcPath              string
	SysPath               string

	// Analysis
	SSD           Profile
	HDD           Profile
	StatusLogRate float64

	// Outputs
	Alarms AlarmConfig
	CSV    CSVConfig
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	base := config.DefaultBaseConfig()
	base.Name = "storage-io"

	return &Config{
		BaseConfig:            base,
		WaitTime:              time.Second,
		Command:               DefaultCommand,
		SkipLines:             2,
		Columns:               DefaultColumnLayout(),
		ResourceFile:          DefaultResourceFile,
		VolumeGroupPrefix:     DefaultVolumeGroupPrefix,
		PhysicalDiskMajors:    []int{8},
		InfraDevices:          []string{"drbd0", "drbd1", "drbd2", "drbd3", "drbd5"},
		IgnoredDevicePatterns: []string{"loop", "ram", "nb", "md", "scd"},
		WatchResourceFile:     true,
		ProcPath:              "/proc",
		SysPath:               "/sys",
		SSD:                   DefaultSSDProfile(),
		HDD:                   DefaultHDDProfile(),
		StatusLogRate:         0.2,
		Alarms: AlarmConfig{
			Enabled:          true,
			Debounce:         5,
			EntityInstanceID: alarms.DefaultEntityInstanceID,
			Backend:          AlarmBackendMemory,
			NATS: NATSAlarmConfig{
				Subject: alarms.DefaultNATSSubjectPrefix,
				Timeout: 2 * time.Second,
			},
		},
		CSV: CSVConfig{
			Enabled: false,
			Dir:     "/tmp",
		},
	}
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	def := DefaultConfig()

	if c.BaseConfig == nil {
		c.BaseConfig = def.BaseConfig
	}
	c.BaseConfig.SetDefaults()
	if c.Name == "" {
		c.Name = def.Name
	}

	if c.WaitTime == 0 {
		c.WaitTime = def.WaitTime
	}
	if c.Command == "" {
		c.Command = def.Command
	}
	if c.Columns == (ColumnLayout{}) {
		c.Columns = def.Columns
	}
	if c.ResourceFile == "" {
		c.ResourceFile = def.ResourceFile
	}
	if c.VolumeGroupPrefix == "" {
		c.VolumeGroupPrefix = def.VolumeGroupPrefix
	}
	if len(c.PhysicalDiskMajors) == 0 {
		c.PhysicalDiskMajors = def.PhysicalDiskMajors
	}
	if c.ProcPath == "" {
		c.ProcPath = def.ProcPath
	}
	if c.SysPath == "" {
		c.SysPath = def.SysPath
	}
	if c.SSD == (Profile{}) {
		c.SSD = def.SSD
	}
	if c.HDD == (Profile{}) {
		c.HDD = def.HDD
	}
	if c.Alarms.Debounce == 0 {
		c.Alarms.Debounce = def.Alarms.Debounce
	}
	if c.Alarms.EntityInstanceID == "" {
		c.Alarms.EntityInstanceID = def.Alarms.EntityInstanceID
	}
	if c.Alarms.Backend == "" {
		c.Alarms.Backend = def.Alarms.Backend
	}
	if c.CSV.Dir == "" {
		c.CSV.Dir = def.CSV.Dir
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.BaseConfig == nil {
		return fmt.Errorf("base config is required")
	}
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	if c.WaitTime < minWaitTime || c.WaitTime > maxWaitTime {
		return fmt.Errorf("wait_time must be between %v and %v: %v", minWaitTime, maxWaitTime, c.WaitTime)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.SkipLines < 0 {
		return fmt.Errorf("skip_lines cannot be negative: %d", c.SkipLines)
	}
	if err := c.Columns.validate(); err != nil {
		return err
	}
	if c.VolumeGroupPrefix == "" {
		return fmt.Errorf("volume_group_prefix is required")
	}
	if c.DeviceMapperMajor < 0 {
		return fmt.Errorf("device_mapper_major cannot be negative: %d", c.DeviceMapperMajor)
	}
	if err := c.SSD.validate("ssd"); err != nil {
		return err
	}
	if err := c.HDD.validate("hdd"); err != nil {
		return err
	}
	if c.StatusLogRate < 0 || c.StatusLogRate > 1 {
		return fmt.Errorf("status_log_rate must be between 0 and 1: %v", c.StatusLogRate)
	}
	if c.Alarms.Debounce < 1 {
		return fmt.Errorf("alarms.debounce must be at least 1: %d", c.Alarms.Debounce)
	}
	switch c.Alarms.Backend {
	case AlarmBackendMemory:
	case AlarmBackendNATS:
		if c.Alarms.NATS.URL == "" {
			return fmt.Errorf("alarms.nats.url is required for the nats backend")
		}
	case AlarmBackendRedis:
		if c.Alarms.Redis.Addr == "" {
			return fmt.Errorf("alarms.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown alarms.backend %q", c.Alarms.Backend)
	}
	return nil
}

// ProfileFor selects the profile for the backend disk type
func (c *Config) ProfileFor(rotational bool) Profile {
	if rotational {
		return c.HDD
	}
	return c.SSD
}
