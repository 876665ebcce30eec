package storageio

import (
	"go.uber.org/zap"
)

// unsetThreshold marks a device that is not yet classified for congestion
const unsetThreshold = -1

// Thresholds drive the per-device state machine
type Thresholds struct {
	SpikeCap       float64 `json:"spike_cap"`
	SustainedAwait float64 `json:"sustained_await"`
}

// DeviceStatTrack holds the rolling history and congestion state of one device
type DeviceStatTrack struct {
	node string
	name string

	windows    [metricCount][windowCount]*RollingWindow
	caps       [metricCount]float64
	status     Status
	thresholds Thresholds
	lastSeen   string

	logger *zap.Logger
}

// NewDeviceStatTrack creates a tracker with uncapped metrics and unset thresholds.
// name is the device-mapper name when known, otherwise the node.
func NewDeviceStatTrack(node, name string, sizes [windowCount]int, logger *zap.Logger) *DeviceStatTrack {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = node
	}

	d := &DeviceStatTrack{
		node:       node,
		name:       name,
		status:     StatusNormal,
		thresholds: Thresholds{SpikeCap: unsetThreshold, SustainedAwait: unsetThreshold},
		logger:     logger,
	}
	for m := 0; m < metricCount; m++ {
		d.caps[m] = unsetThreshold
		for w := 0; w < windowCount; w++ {
			d.windows[m][w] = NewRollingWindow(sizes[w], true)
		}
	}
	return d
}

func validMetric(m Metric) bool { return int(m) < metricCount }
func validWindow(w Window) bool { return int(w) < windowCount }

// SetDataCap clips every reading of metric m to limit. A limit of -1 disables clipping.
func (d *DeviceStatTrack) SetDataCap(m Metric, limit float64) {
	if !validMetric(m) {
		d.logger.Error("Invalid metric requested", zap.String("device", d.node), zap.Stringer("metric", m))
		return
	}
	d.caps[m] = limit
}

// SetThresholds sets the thresholds used by UpdateCongestionStatus
func (d *DeviceStatTrack) SetThresholds(t Thresholds) {
	d.thresholds = t
}

// Thresholds returns the current thresholds
func (d *DeviceStatTrack) Thresholds() Thresholds {
	return d.thresholds
}

// UpdateData records the sample timestamp and feeds value into every window of m
func (d *DeviceStatTrack) UpdateData(ts string, m Metric, value float64) {
	d.lastSeen = ts
	if !validMetric(m) {
		d.logger.Error("Invalid metric requested", zap.String("device", d.node), zap.Stringer("metric", m))
		return
	}
	for _, w := range d.windows[m] {
		w.Update(value, d.caps[m])
	}
}

// UpdateCongestionStatus applies at most one state transition and returns the new status.
// Entry to a higher tier follows the small window, exit follows a slower one.
func (d *DeviceStatTrack) UpdateCongestionStatus() Status {
	threshold := d.thresholds.SustainedAwait
	if threshold == unsetThreshold {
		return d.status
	}

	small := d.Average(MetricAwait, WindowSmall)
	medium := d.Average(MetricAwait, WindowMedium)
	large := d.Average(MetricAwait, WindowLarge)

	switch d.status {
	case StatusNormal:
		if small > threshold {
			d.status = StatusBuilding
		}
	case StatusBuilding:
		if large > threshold {
			d.status = StatusCongested
			d.logger.Warn("Device is experiencing high await times",
				zap.String("device", d.node),
				zap.String("name", d.name),
				zap.Float64("large_await_avg", large))
		} else if small < threshold {
			d.status = StatusNormal
		}
	case StatusCongested:
		if medium < threshold {
			d.status = StatusBuilding
		}
	}
	return d.status
}

// Status returns the current congestion status
func (d *DeviceStatTrack) Status() Status {
	return d.status
}

// Average returns the moving average of metric m over window w.
// Invalid selectors are logged and yield 0.
func (d *DeviceStatTrack) Average(m Metric, w Window) float64 {
	if !validWindow(w) {
		d.logger.Error("Invalid window requested", zap.String("device", d.node), zap.Stringer("window", w))
		return 0
	}
	if !validMetric(m) {
		d.logger.Error("Invalid metric requested", zap.String("device", d.node), zap.Stringer("metric", m))
		return 0
	}
	return d.windows[m][w].Average()
}

// Averages returns the small, medium and large averages of metric m
func (d *DeviceStatTrack) Averages(m Metric) WindowAverages {
	var out WindowAverages
	for i, w := range Windows {
		out[i] = d.Average(m, w)
	}
	return out
}

// Latest returns the last raw reading of metric m
func (d *DeviceStatTrack) Latest(m Metric) float64 {
	if !validMetric(m) {
		d.logger.Error("Invalid metric requested", zap.String("device", d.node), zap.Stringer("metric", m))
		return 0
	}
	return d.windows[m][WindowSmall].Latest()
}

// IsStale reports whether the device missed the cycle stamped ts
func (d *DeviceStatTrack) IsStale(ts string) bool {
	return d.lastSeen != ts
}

// LastSeen returns the timestamp of the last update
func (d *DeviceStatTrack) LastSeen() string {
	return d.lastSeen
}

// Node returns the kernel device node (dm-3, sdb)
func (d *DeviceStatTrack) Node() string {
	return d.node
}

// Name returns the device-mapper name or the node
func (d *DeviceStatTrack) Name() string {
	return d.name
}
