package storageio

import (
	"sort"

	"go.uber.org/zap"
)

// RoleClassifier is what the aggregator needs from topology
type RoleClassifier interface {
	Relevant(node string) bool
	Role(node string) Role
	DisplayName(node string) string
}

// Aggregator owns the device table and turns a cycle of samples into a summary
type Aggregator struct {
	classifier RoleClassifier
	sizes      [windowCount]int
	thresholds Thresholds
	devices    map[string]*DeviceStatTrack
	logger     *zap.Logger
}

// NewAggregator creates an aggregator whose new devices use profile
func NewAggregator(classifier RoleClassifier, profile Profile, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		classifier: classifier,
		sizes:      profile.WindowSizes(),
		thresholds: profile.Thresholds(),
		devices:    make(map[string]*DeviceStatTrack),
		logger:     logger.Named("aggregator"),
	}
}

// SetThresholds overrides the thresholds of devices created from now on.
// Zero fields keep their current value.
func (a *Aggregator) SetThresholds(t Thresholds) {
	if t.SpikeCap != 0 {
		a.thresholds.SpikeCap = t.SpikeCap
	}
	if t.SustainedAwait != 0 {
		a.thresholds.SustainedAwait = t.SustainedAwait
	}
}

// Thresholds returns the thresholds applied to new devices
func (a *Aggregator) Thresholds() Thresholds {
	return a.thresholds
}

// Update feeds one sample, creating the device track on first sight.
// It reports whether the device is tracked.
func (a *Aggregator) Update(s Sample) bool {
	d, ok := a.devices[s.Device]
	if !ok {
		if !a.classifier.Relevant(s.Device) {
			return false
		}
		d = NewDeviceStatTrack(s.Device, a.classifier.DisplayName(s.Device), a.sizes, a.logger)
		d.SetDataCap(MetricAwait, a.thresholds.SpikeCap)
		d.SetThresholds(a.thresholds)
		a.devices[s.Device] = d

		a.logger.Debug("Tracking device",
			zap.String("device", s.Device),
			zap.String("name", d.Name()),
			zap.Stringer("role", a.classifier.Role(s.Device)))
	}

	d.UpdateData(s.Timestamp, MetricIOPS, s.IOPS)
	d.UpdateData(s.Timestamp, MetricAwait, s.Await)
	d.UpdateCongestionStatus()
	return true
}

// Purge evicts every device that did not report in the cycle stamped ts
func (a *Aggregator) Purge(ts string) int {
	evicted := 0
	for node, d := range a.devices {
		if d.IsStale(ts) {
			delete(a.devices, node)
			evicted++
			a.logger.Debug("Evicted stale device", zap.String("device", node), zap.String("last_seen", d.LastSeen()))
		}
	}
	return evicted
}

// Summarize computes the system verdict over the tracked devices.
// Only guest volumes drive the overall status.
func (a *Aggregator) Summarize(ts string) CongestionSummary {
	summary := CongestionSummary{Timestamp: ts}

	for _, node := range a.nodes() {
		d := a.devices[node]
		switch a.classifier.Role(node) {
		case RoleTracking:
			summary.BackendCounts.Add(d.Status())
			addAverages(&summary.BackendIOPSAvg, d.Averages(MetricIOPS))
		case RoleGuest:
			summary.GuestCounts.Add(d.Status())
			awaits := d.Averages(MetricAwait)
			addAverages(&summary.GuestAwaitAvg, awaits)
			a.logger.Debug("Guest device windows",
				zap.String("device", node),
				zap.Stringer("status", d.Status()),
				zap.Float64s("await_avg", awaits[:]),
				zap.Float64("sustained_await", d.Thresholds().SustainedAwait))
		}
	}

	divideAverages(&summary.BackendIOPSAvg, summary.BackendCounts.Total())
	summary.GuestCount = summary.GuestCounts.Total()
	divideAverages(&summary.GuestAwaitAvg, summary.GuestCount)

	switch {
	case summary.GuestCounts.Get(StatusCongested) > 0:
		summary.Status = StatusCongested
	case summary.GuestCounts.Get(StatusBuilding) > 0:
		summary.Status = StatusBuilding
	default:
		summary.Status = StatusNormal
	}
	return summary
}

// Process applies a batch, evicts stale devices and summarizes.
// It returns the summary and the number of evicted devices.
func (a *Aggregator) Process(batch Batch) (CongestionSummary, int) {
	for _, s := range batch.Samples {
		a.Update(s)
	}
	evicted := a.Purge(batch.Timestamp)
	return a.Summarize(batch.Timestamp), evicted
}

// Device returns the track of node
func (a *Aggregator) Device(node string) (*DeviceStatTrack, bool) {
	d, ok := a.devices[node]
	return d, ok
}

// Len returns the number of tracked devices
func (a *Aggregator) Len() int {
	return len(a.devices)
}

// DeviceSnapshot is the reportable state of one tracked device
type DeviceSnapshot struct {
	Node     string         `json:"node"`
	Name     string         `json:"name"`
	Role     string         `json:"role"`
	Status   Status         `json:"status"`
	IOPSAvg  WindowAverages `json:"iops_avg"`
	AwaitAvg WindowAverages `json:"await_avg"`
}

// Snapshot returns every tracked device ordered by node
func (a *Aggregator) Snapshot() []DeviceSnapshot {
	nodes := a.nodes()
	out := make([]DeviceSnapshot, 0, len(nodes))
	for _, node := range nodes {
		d := a.devices[node]
		out = append(out, DeviceSnapshot{
			Node:     node,
			Name:     d.Name(),
			Role:     a.classifier.Role(node).String(),
			Status:   d.Status(),
			IOPSAvg:  d.Averages(MetricIOPS),
			AwaitAvg: d.Averages(MetricAwait),
		})
	}
	return out
}

func (a *Aggregator) nodes() []string {
	nodes := make([]string, 0, len(a.devices))
	for n := range a.devices {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func addAverages(sum *WindowAverages, v WindowAverages) {
	for i := range sum {
		sum[i] += v[i]
	}
}

func divideAverages(sum *WindowAverages, n int) {
	if n == 0 {
		return
	}
	for i := range sum {
		sum[i] /= float64(n)
	}
}
