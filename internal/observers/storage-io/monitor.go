package storageio

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Topology is what the monitor needs from device classification
type Topology interface {
	RoleClassifier
	DeviceFilter
	Rotational() bool
	Discover(ctx context.Context) error
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithDebouncer turns cycle summaries into alarms
func WithDebouncer(d *Debouncer) MonitorOption {
	return func(m *Monitor) {
		m.debouncer = d
	}
}

// WithMetrics records OTEL instruments per cycle
func WithMetrics(metrics *Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithExporter publishes every cycle to a Prometheus registry
func WithExporter(e *PrometheusExporter) MonitorOption {
	return func(m *Monitor) {
		m.exporter = e
	}
}

// WithRecorder appends every summary to a CSV file
func WithRecorder(r *CSVRecorder) MonitorOption {
	return func(m *Monitor) {
		m.recorder = r
	}
}

// WithClock sets the time source used for cycle durations
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// StatusReport is the monitor state served on the status endpoint
type StatusReport struct {
	Summary     CongestionSummary `json:"summary"`
	Devices     []DeviceSnapshot  `json:"devices"`
	RaisedAlarm Status            `json:"raised_alarm"`
	Thresholds  Thresholds        `json:"thresholds"`
	Profile     Profile           `json:"profile"`
}

// Monitor runs the analysis pipeline of one sampling cycle:
// parse, aggregate, log, debounce alarms, record.
type Monitor struct {
	cfg      *Config
	topology Topology
	parser   *LineParser
	logger   *zap.Logger

	debouncer *Debouncer
	metrics   *Metrics
	exporter  *PrometheusExporter
	recorder  *CSVRecorder
	statusLog *rate.Sometimes
	now       func() time.Time

	mu         sync.RWMutex
	aggregator *Aggregator
	profile    Profile
	override   Thresholds
	last       CongestionSummary
	hasLast    bool
}

// NewMonitor creates a monitor over an already discovered topology
func NewMonitor(cfg *Config, topology Topology, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("monitor")

	m := &Monitor{
		cfg:      cfg,
		topology: topology,
		parser:   NewLineParser(cfg.Columns, cfg.IgnoredDevicePatterns, topology, logger),
		logger:   logger,
		now:      time.Now,
	}
	if cfg.StatusLogRate > 0 {
		// Log every ceil(1/rate) cycles, starting with the first
		m.statusLog = &rate.Sometimes{Every: int(math.Ceil(1 / cfg.StatusLogRate))}
	}
	for _, opt := range opts {
		opt(m)
	}

	m.resetLocked()
	return m
}

// resetLocked rebuilds the device table for the current backend profile
func (m *Monitor) resetLocked() {
	m.profile = m.cfg.ProfileFor(m.topology.Rotational())
	m.aggregator = NewAggregator(m.topology, m.profile, m.logger)
	m.aggregator.SetThresholds(m.override)

	m.logger.Info("Using congestion profile",
		zap.Bool("rotational", m.topology.Rotational()),
		zap.Ints("windows", []int{m.profile.SmallWindow, m.profile.MediumWindow, m.profile.LargeWindow}),
		zap.Float64("sustained_await", m.aggregator.Thresholds().SustainedAwait),
		zap.Float64("max_await", m.aggregator.Thresholds().SpikeCap))
}

// Rediscover reclassifies the host devices, then drops every tracked device and
// reselects the profile. On failure the previous state is kept.
func (m *Monitor) Rediscover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.topology.Discover(ctx); err != nil {
		return err
	}
	m.resetLocked()
	return nil
}

// ProcessBatch analyzes the lines of one sampling run. A batch that cannot be
// parsed leaves every device untouched.
func (m *Monitor) ProcessBatch(ctx context.Context, lines []string) (CongestionSummary, error) {
	start := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.parser.ParseBatch(lines)
	if err != nil {
		m.logger.Warn("Discarding sampling batch", zap.Int("lines", len(lines)), zap.Error(err))
		return CongestionSummary{}, err
	}

	summary, evicted := m.aggregator.Process(batch)

	if m.statusLog != nil {
		m.statusLog.Do(func() { m.logStatus(summary) })
	}

	var actions []AlarmAction
	if m.debouncer != nil {
		actions = m.debouncer.Evaluate(ctx, summary)
	}

	if m.recorder != nil {
		if err := m.recorder.Record(summary); err != nil {
			m.logger.Warn("Failed to record summary", zap.String("path", m.recorder.Path()), zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.recordCycle(ctx, batch, summary, evicted, m.aggregator.Len(), m.now().Sub(start))
		m.metrics.recordAlarmActions(ctx, actions)
	}
	if m.exporter != nil {
		m.exporter.Observe(summary, m.aggregator.Snapshot(), float64(m.now().Unix()))
		m.exporter.RecordAlarmActions(actions, m.raisedLocked())
	}

	m.last = summary
	m.hasLast = true
	return summary, nil
}

func (m *Monitor) logStatus(s CongestionSummary) {
	m.logger.Info("Congestion status",
		zap.String("timestamp", s.Timestamp),
		zap.Stringer("status", s.Status),
		zap.Any("backend_counts", s.BackendCounts),
		zap.Float64s("backend_iops_avg", s.BackendIOPSAvg[:]),
		zap.Any("guest_counts", s.GuestCounts),
		zap.Float64s("guest_await_avg", s.GuestAwaitAvg[:]))
}

// ClearAlarms clears every congestion alarm left by a previous run
func (m *Monitor) ClearAlarms(ctx context.Context) []AlarmAction {
	if m.debouncer == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	actions := m.debouncer.ClearAll(ctx)
	if m.metrics != nil {
		m.metrics.recordAlarmActions(ctx, actions)
	}
	if m.exporter != nil {
		m.exporter.RecordAlarmActions(actions, m.raisedLocked())
	}
	return actions
}

// SetThresholds overrides the spike cap and sustained await of devices first seen
// from now on. Zero fields keep their current value.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.SpikeCap != 0 {
		m.override.SpikeCap = t.SpikeCap
	}
	if t.SustainedAwait != 0 {
		m.override.SustainedAwait = t.SustainedAwait
	}
	m.aggregator.SetThresholds(t)

	m.logger.Info("Operational thresholds updated",
		zap.Float64("max_await", m.aggregator.Thresholds().SpikeCap),
		zap.Float64("sustained_await", m.aggregator.Thresholds().SustainedAwait))
}

// LastSummary returns the summary of the last processed cycle
func (m *Monitor) LastSummary() (CongestionSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

// Devices returns the tracked devices
func (m *Monitor) Devices() []DeviceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aggregator.Snapshot()
}

// Report returns the full monitor state
func (m *Monitor) Report() StatusReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StatusReport{
		Summary:     m.last,
		Devices:     m.aggregator.Snapshot(),
		RaisedAlarm: m.raisedLocked(),
		Thresholds:  m.aggregator.Thresholds(),
		Profile:     m.profile,
	}
}

func (m *Monitor) raisedLocked() Status {
	if m.debouncer == nil {
		return StatusNormal
	}
	return m.debouncer.Raised()
}
