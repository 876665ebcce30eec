package storageio

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the congestion tier of a device or of the whole system
type Status uint8

const (
	StatusNormal Status = iota
	StatusBuilding
	StatusCongested

	statusCount = 3
)

// String returns string representation of the status
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusBuilding:
		return "Building"
	case StatusCongested:
		return "Congested"
	default:
		return "Unknown"
	}
}

// Code is the single-letter form used in CSV rows and status lines
func (s Status) Code() string {
	switch s {
	case StatusNormal:
		return "N"
	case StatusBuilding:
		return "B"
	case StatusCongested:
		return "L"
	default:
		return "?"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Metric is a tracked per-device counter
type Metric uint8

const (
	MetricIOPS Metric = iota
	MetricAwait

	metricCount = 2
)

// String returns string representation of the metric
func (m Metric) String() string {
	switch m {
	case MetricIOPS:
		return "iops"
	case MetricAwait:
		return "await"
	default:
		return fmt.Sprintf("metric(%d)", uint8(m))
	}
}

// Window selects one of the three moving-average windows
type Window uint8

const (
	WindowSmall Window = iota
	WindowMedium
	WindowLarge

	windowCount = 3
)

// String returns string representation of the window
func (w Window) String() string {
	switch w {
	case WindowSmall:
		return "small"
	case WindowMedium:
		return "medium"
	case WindowLarge:
		return "large"
	default:
		return fmt.Sprintf("window(%d)", uint8(w))
	}
}

// Windows lists every window in order
var Windows = [windowCount]Window{WindowSmall, WindowMedium, WindowLarge}

// WindowAverages holds one value per window, small first
type WindowAverages [windowCount]float64

// Sample is one accepted device line
type Sample struct {
	Timestamp string  `json:"timestamp"`
	Device    string  `json:"device"`
	IOPS      float64 `json:"iops"`
	Await     float64 `json:"await_ms"`
}

// Batch is the parsed output of one sampling run. Every sample shares the batch timestamp.
type Batch struct {
	Timestamp string
	Samples   []Sample
	Rejected  int
	Ignored   int
}

// StatusCounts counts devices per status
type StatusCounts [statusCount]int

// Add counts one device in status s
func (c *StatusCounts) Add(s Status) {
	if int(s) < statusCount {
		c[s]++
	}
}

// Get returns the count for status s
func (c StatusCounts) Get(s Status) int {
	if int(s) < statusCount {
		return c[s]
	}
	return 0
}

// Total returns the number of counted devices
func (c StatusCounts) Total() int {
	return c[StatusNormal] + c[StatusBuilding] + c[StatusCongested]
}

// MarshalJSON renders the counts keyed by status name
func (c StatusCounts) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{
		StatusNormal.String():    c[StatusNormal],
		StatusBuilding.String():  c[StatusBuilding],
		StatusCongested.String(): c[StatusCongested],
	})
}

// CongestionSummary is the per-cycle verdict handed to the alarm layer
type CongestionSummary struct {
	Timestamp      string         `json:"timestamp"`
	Status         Status         `json:"status"`
	BackendCounts  StatusCounts   `json:"backend_status_counts"`
	BackendIOPSAvg WindowAverages `json:"backend_iops_avg"`
	GuestCount     int            `json:"guest_count"`
	GuestCounts    StatusCounts   `json:"guest_status_counts"`
	GuestAwaitAvg  WindowAverages `json:"guest_await_avg"`
}

// deviceSet is an unordered set of device nodes
type deviceSet map[string]struct{}

func newDeviceSet(names ...string) deviceSet {
	s := make(deviceSet, len(names))
	for _, n := range names {
		s.add(n)
	}
	return s
}

// add inserts name and reports whether it was new
func (s deviceSet) add(name string) bool {
	if name == "" {
		return false
	}
	if _, ok := s[name]; ok {
		return false
	}
	s[name] = struct{}{}
	return true
}

func (s deviceSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s deviceSet) sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DeviceRoles is the classification produced by topology discovery
type DeviceRoles struct {
	PhysicalBackend string
	Backend         deviceSet
	Tracking        deviceSet
	Infra           deviceSet
	OtherPhysical   deviceSet
}

func newDeviceRoles() DeviceRoles {
	return DeviceRoles{
		Backend:       newDeviceSet(),
		Tracking:      newDeviceSet(),
		Infra:         newDeviceSet(),
		OtherPhysical: newDeviceSet(),
	}
}

// Role is how a device participates in the summaries
type Role uint8

const (
	RoleGuest Role = iota
	RoleBackend
	RoleTracking
	RoleIgnored
)

// String returns string representation of the role
func (r Role) String() string {
	switch r {
	case RoleGuest:
		return "guest"
	case RoleBackend:
		return "backend"
	case RoleTracking:
		return "tracking"
	case RoleIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// RoleListing is the serializable form of DeviceRoles
type RoleListing struct {
	PhysicalBackend string   `yaml:"physical_backend" json:"physical_backend"`
	Rotational      bool     `yaml:"rotational" json:"rotational"`
	Backend         []string `yaml:"backend" json:"backend"`
	Tracking        []string `yaml:"tracking" json:"tracking"`
	Infra           []string `yaml:"infra" json:"infra"`
	OtherPhysical   []string `yaml:"other_physical" json:"other_physical"`

	// Names maps dm nodes to their mapped names
	Names map[string]string `yaml:"names,omitempty" json:"names,omitempty"`
}
