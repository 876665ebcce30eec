package storageio

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metrics are the OTEL instruments of the cycle loop. A nil instrument is skipped.
type Metrics struct {
	samplesAccepted metric.Int64Counter
	linesRejected   metric.Int64Counter
	devicesEvicted  metric.Int64Counter
	alarmActions    metric.Int64Counter
	cycleDuration   metric.Float64Histogram
	trackedDevices  metric.Int64Gauge
	systemStatus    metric.Int64Gauge
}

// NewMetrics creates the instruments on meter, prefixed with name
func NewMetrics(meter metric.Meter, name string, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}

	var err error
	m.samplesAccepted, err = meter.Int64Counter(
		fmt.Sprintf("%s_samples_total", name),
		metric.WithDescription("Device samples accepted from the sampler"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("Failed to create samples counter", zap.Error(err))
	}

	m.linesRejected, err = meter.Int64Counter(
		fmt.Sprintf("%s_lines_rejected_total", name),
		metric.WithDescription("Device lines rejected as malformed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("Failed to create rejected lines counter", zap.Error(err))
	}

	m.devicesEvicted, err = meter.Int64Counter(
		fmt.Sprintf("%s_devices_evicted_total", name),
		metric.WithDescription("Devices evicted for missing a cycle"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("Failed to create evicted devices counter", zap.Error(err))
	}

	m.alarmActions, err = meter.Int64Counter(
		fmt.Sprintf("%s_alarm_requests_total", name),
		metric.WithDescription("Congestion alarm raises and clears"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("Failed to create alarm actions counter", zap.Error(err))
	}

	m.cycleDuration, err = meter.Float64Histogram(
		fmt.Sprintf("%s_cycle_duration_seconds", name),
		metric.WithDescription("Time spent analyzing one sampling cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5),
	)
	if err != nil {
		logger.Warn("Failed to create cycle duration histogram", zap.Error(err))
	}

	m.trackedDevices, err = meter.Int64Gauge(
		fmt.Sprintf("%s_tracked_devices", name),
		metric.WithDescription("Devices in the tracking table"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("Failed to create tracked devices gauge", zap.Error(err))
	}

	m.systemStatus, err = meter.Int64Gauge(
		fmt.Sprintf("%s_cycle_status", name),
		metric.WithDescription("Congestion status (0=normal, 1=building, 2=congested)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("Failed to create cycle status gauge", zap.Error(err))
	}

	return m
}

func (m *Metrics) recordCycle(ctx context.Context, batch Batch, summary CongestionSummary, evicted, tracked int, elapsed time.Duration) {
	if m.samplesAccepted != nil {
		m.samplesAccepted.Add(ctx, int64(len(batch.Samples)))
	}
	if m.linesRejected != nil && batch.Rejected > 0 {
		m.linesRejected.Add(ctx, int64(batch.Rejected))
	}
	if m.devicesEvicted != nil && evicted > 0 {
		m.devicesEvicted.Add(ctx, int64(evicted))
	}
	if m.cycleDuration != nil {
		m.cycleDuration.Record(ctx, elapsed.Seconds())
	}
	if m.trackedDevices != nil {
		m.trackedDevices.Record(ctx, int64(tracked))
	}
	if m.systemStatus != nil {
		m.systemStatus.Record(ctx, int64(summary.Status))
	}
}

func (m *Metrics) recordAlarmActions(ctx context.Context, actions []AlarmAction) {
	if m.alarmActions == nil {
		return
	}
	for _, a := range actions {
		outcome := "success"
		if a.Err != nil {
			outcome = "failure"
		}
		m.alarmActions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", a.Action),
			attribute.String("category", a.Category.String()),
			attribute.String("outcome", outcome),
		))
	}
}
