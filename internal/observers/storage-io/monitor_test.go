package storageio

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openstack-archive/stx-utils/internal/alarms"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// iostatLine renders an `iostat -dx` device line
func iostatLine(device string, reads, writes, await float64) string {
	cols := make([]float64, deviceLineGroups-1)
	cols[2], cols[3], cols[8] = reads, writes, await

	var b strings.Builder
	b.WriteString(device)
	for _, c := range cols {
		fmt.Fprintf(&b, " %10.2f", c)
	}
	return b.String()
}

func cycleLines(second int, guestAwait float64) []string {
	return []string{
		fmt.Sprintf("10/18/26 10:00:%02d", second),
		"Device:         rrqm/s   wrqm/s     r/s     w/s    rkB/s    wkB/s avgrq-sz avgqu-sz   await r_await w_await  svctm  %util",
		iostatLine("sda", 1, 1, 1),
		iostatLine("dm-1", float64(100+second), 200, 3),
		iostatLine("dm-4", 10, 20, guestAwait),
		iostatLine("loop0", 0, 0, 0),
	}
}

func monitorTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.SSD = Profile{SmallWindow: 1, MediumWindow: 2, LargeWindow: 3, SustainedAwait: 1000, MaxAwait: 5000}
	cfg.StatusLogRate = 1
	return cfg
}

func newTestMonitor(t *testing.T, cfg *Config, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	t.Helper()
	r := newTestResolver(thinHost())
	require.NoError(t, r.Discover(context.Background()))
	return NewMonitor(cfg, r, logger, opts...)
}

func TestMonitor_CongestionEndToEnd(t *testing.T) {
	mgr := newFlakyManager()
	cfg := monitorTestConfig()
	debouncer := NewDebouncer(mgr, cfg.Alarms.EntityInstanceID, cfg.Alarms.Debounce, zap.NewNop())
	m := newTestMonitor(t, cfg, zap.NewNop(), WithDebouncer(debouncer))
	ctx := context.Background()

	awaits := []float64{1200, 1300, 1400, 1410, 1420, 1430, 1440, 1450, 1460}
	want := []Status{
		StatusBuilding, StatusBuilding, StatusCongested, StatusCongested, StatusCongested,
		StatusCongested, StatusCongested, StatusCongested, StatusCongested,
	}

	for i, await := range awaits {
		summary, err := m.ProcessBatch(ctx, cycleLines(i, await))
		require.NoError(t, err)
		assert.Equal(t, want[i], summary.Status, "cycle %d", i+1)
		assert.Equal(t, 1, summary.GuestCount)

		// The fifth consecutive congested cycle is the seventh overall
		if i < 6 {
			assert.Empty(t, mgr.Active(), "cycle %d", i+1)
		}
	}

	assert.Equal(t, 1, mgr.raises, "congested alarm raised exactly once")
	active := mgr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, alarms.IDCongested, active[0].ID)

	summary, ok := m.LastSummary()
	require.True(t, ok)
	assert.Equal(t, "10/18/26 10:00:08", summary.Timestamp)
	assert.Equal(t, 1, summary.BackendCounts.Total())
	assert.InDelta(t, 308, summary.BackendIOPSAvg[WindowSmall], 1e-9)

	report := m.Report()
	assert.Equal(t, StatusCongested, report.RaisedAlarm)
	assert.Len(t, report.Devices, 2, "sda and loop0 are filtered")
}

func TestMonitor_BadBatchLeavesStateUntouched(t *testing.T) {
	m := newTestMonitor(t, monitorTestConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := m.ProcessBatch(ctx, cycleLines(0, 1200))
	require.NoError(t, err)
	before := m.Devices()

	mixed := append(cycleLines(1, 9000), "10/18/26 10:00:59")
	_, err = m.ProcessBatch(ctx, mixed)
	assert.ErrorIs(t, err, ErrMixedTimestamps)

	_, err = m.ProcessBatch(ctx, []string{iostatLine("dm-4", 1, 1, 1)})
	assert.ErrorIs(t, err, ErrMissingTimestamp)

	assert.Equal(t, before, m.Devices())
	summary, _ := m.LastSummary()
	assert.Equal(t, "10/18/26 10:00:00", summary.Timestamp)
}

func TestMonitor_StatusLogRate(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{rate: 1, want: 4},
		{rate: 0.5, want: 2},
		{rate: 0.2, want: 1},
		{rate: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("rate %v", tt.rate), func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			cfg := monitorTestConfig()
			cfg.StatusLogRate = tt.rate
			m := newTestMonitor(t, cfg, zap.New(core))

			for i := 0; i < 4; i++ {
				_, err := m.ProcessBatch(context.Background(), cycleLines(i, 10))
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, logs.FilterMessage("Congestion status").Len())
		})
	}
}

func TestMonitor_SetThresholds(t *testing.T) {
	host := thinHost()
	host.dmNames["dm-5"] = "cinder--volumes-volume--ffff"
	r := newTestResolver(host)
	require.NoError(t, r.Discover(context.Background()))
	m := NewMonitor(monitorTestConfig(), r, zap.NewNop())

	_, err := m.ProcessBatch(context.Background(), cycleLines(0, 10))
	require.NoError(t, err)

	m.SetThresholds(Thresholds{SustainedAwait: 100})
	assert.Equal(t, Thresholds{SpikeCap: 5000, SustainedAwait: 100}, m.Report().Thresholds)

	lines := append(cycleLines(1, 500), iostatLine("dm-5", 1, 1, 500))
	summary, err := m.ProcessBatch(context.Background(), lines)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.GuestCounts.Get(StatusNormal), "existing guest keeps 1000")
	assert.Equal(t, 1, summary.GuestCounts.Get(StatusBuilding), "new guest uses 100")

	// Overrides survive rediscovery
	require.NoError(t, m.Rediscover(context.Background()))
	assert.Equal(t, 100.0, m.Report().Thresholds.SustainedAwait)
	assert.Empty(t, m.Devices())
}

func TestMonitor_Rediscover(t *testing.T) {
	host := thinHost()
	r := newTestResolver(host)
	require.NoError(t, r.Discover(context.Background()))
	cfg := monitorTestConfig()
	cfg.HDD = Profile{SmallWindow: 2, MediumWindow: 4, LargeWindow: 6, SustainedAwait: 1500, MaxAwait: 5000}
	m := NewMonitor(cfg, r, zap.NewNop())
	assert.Equal(t, cfg.SSD, m.Report().Profile)

	host.rotational["sdb"] = true
	require.NoError(t, m.Rediscover(context.Background()))
	assert.Equal(t, cfg.HDD, m.Report().Profile)

	host.noResource = true
	assert.ErrorIs(t, m.Rediscover(context.Background()), ErrNotMonitorable)
	assert.Equal(t, cfg.HDD, m.Report().Profile)
}

func TestMonitor_Outputs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	exporter := NewPrometheusExporter("")
	recorder, err := NewCSVRecorder(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer recorder.Close()

	cfg := monitorTestConfig()
	cfg.Alarms.Debounce = 1
	debouncer := NewDebouncer(newFlakyManager(), "", cfg.Alarms.Debounce, zap.NewNop())

	clock := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	m := newTestMonitor(t, cfg, zap.NewNop(),
		WithDebouncer(debouncer),
		WithMetrics(NewMetrics(provider.Meter("test"), "io_monitor", zap.NewNop())),
		WithExporter(exporter),
		WithRecorder(recorder),
		WithClock(func() time.Time { return clock }),
	)

	ctx := context.Background()
	lines := append(cycleLines(0, 1200), "dm-4 x")
	lines = append(lines, "dm-9 0.00 0.00 1,00 2.00 0.00 0.00 0.00 0.00 0.00 0.00 0.00 0.00 0.00")
	_, err = m.ProcessBatch(ctx, lines)
	require.NoError(t, err)
	_, err = m.ProcessBatch(ctx, []string{"10/18/26 10:00:01", iostatLine("dm-1", 1, 1, 1)})
	require.NoError(t, err)

	// OTEL
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[metric.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), sums["io_monitor_samples_total"])
	assert.Equal(t, int64(1), sums["io_monitor_lines_rejected_total"])
	assert.Equal(t, int64(1), sums["io_monitor_devices_evicted_total"])
	assert.Equal(t, int64(2), sums["io_monitor_alarm_requests_total"], "raise building then clear on guest loss")

	// Prometheus
	assert.Equal(t, float64(StatusNormal), testutil.ToFloat64(exporter.systemStatus))
	assert.Equal(t, 0.0, testutil.ToFloat64(exporter.guestDevices))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.backendStatus.WithLabelValues("Normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.alarmActions.WithLabelValues(ActionRaise, "Building", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.alarmActions.WithLabelValues(ActionClear, "Building", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(exporter.raisedAlarm))
	assert.Equal(t, 3, testutil.CollectAndCount(exporter.deviceAwait), "evicted guest series are dropped")
	assert.Equal(t, float64(clock.Unix()), testutil.ToFloat64(exporter.lastCycleStamp))

	// CSV
	data, err := os.ReadFile(recorder.Path())
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, rows, 3)
	assert.Equal(t, "10/18/26 10:00:00,B,1,0,0,300,150,100,0,1,0,1200,600,400", rows[1])
}
