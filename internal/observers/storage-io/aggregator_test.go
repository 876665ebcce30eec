package storageio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testProfile() Profile {
	return Profile{SmallWindow: 1, MediumWindow: 2, LargeWindow: 3, SustainedAwait: 1000, MaxAwait: 5000}
}

func newTestAggregator(t *testing.T, host *fakeHost) (*Aggregator, *TopologyResolver) {
	t.Helper()
	r := newTestResolver(host)
	require.NoError(t, r.Discover(context.Background()))
	return NewAggregator(r, testProfile(), zap.NewNop()), r
}

func batchOf(ts string, samples ...Sample) Batch {
	for i := range samples {
		samples[i].Timestamp = ts
	}
	return Batch{Timestamp: ts, Samples: samples}
}

func TestAggregator_Summary(t *testing.T) {
	agg, _ := newTestAggregator(t, thinHost())

	summary, evicted := agg.Process(batchOf("10/18/26 10:00:01",
		Sample{Device: "dm-0", IOPS: 100, Await: 5},
		Sample{Device: "dm-1", IOPS: 300, Await: 10},
		Sample{Device: "dm-4", IOPS: 50, Await: 1200},
		Sample{Device: "dm-3", IOPS: 10, Await: 9000},
		Sample{Device: "sdb", IOPS: 1, Await: 1},
	))

	assert.Zero(t, evicted)
	assert.Equal(t, 4, agg.Len(), "foreign volume group is not tracked")
	_, ok := agg.Device("dm-3")
	assert.False(t, ok)

	assert.Equal(t, "10/18/26 10:00:01", summary.Timestamp)
	assert.Equal(t, StatusBuilding, summary.Status)

	assert.Equal(t, 2, summary.BackendCounts.Get(StatusNormal))
	assert.Equal(t, 2, summary.BackendCounts.Total(), "only tracking devices feed backend counts")
	assert.InDelta(t, 200, summary.BackendIOPSAvg[WindowSmall], 1e-9)
	assert.InDelta(t, 100, summary.BackendIOPSAvg[WindowMedium], 1e-9)
	assert.InDelta(t, 66.666, summary.BackendIOPSAvg[WindowLarge], 1e-3)

	assert.Equal(t, 1, summary.GuestCount)
	assert.Equal(t, 1, summary.GuestCounts.Get(StatusBuilding))
	assert.InDelta(t, 1200, summary.GuestAwaitAvg[WindowSmall], 1e-9)
	assert.InDelta(t, 600, summary.GuestAwaitAvg[WindowMedium], 1e-9)
	assert.InDelta(t, 400, summary.GuestAwaitAvg[WindowLarge], 1e-9)
}

func TestAggregator_EvictsDevicesMissingFromCycle(t *testing.T) {
	agg, _ := newTestAggregator(t, thinHost())

	agg.Process(batchOf("10/18/26 10:00:01",
		Sample{Device: "dm-0", IOPS: 1},
		Sample{Device: "dm-1", IOPS: 1},
		Sample{Device: "dm-4", IOPS: 1},
		Sample{Device: "sdb", IOPS: 1},
	))
	require.Equal(t, 4, agg.Len())

	_, evicted := agg.Process(batchOf("10/18/26 10:00:02",
		Sample{Device: "dm-0", IOPS: 1},
		Sample{Device: "dm-4", IOPS: 1},
	))
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 2, agg.Len())

	for _, node := range []string{"dm-1", "sdb"} {
		_, ok := agg.Device(node)
		assert.False(t, ok, node)
	}

	// A returning device starts with fresh windows
	agg.Process(batchOf("10/18/26 10:00:03", Sample{Device: "dm-1", IOPS: 90}))
	d, ok := agg.Device("dm-1")
	require.True(t, ok)
	assert.InDelta(t, 30, d.Average(MetricIOPS, WindowLarge), 1e-9)
}

func TestAggregator_StatusFollowsGuestsOnly(t *testing.T) {
	agg, _ := newTestAggregator(t, thinHost())

	summary, _ := agg.Process(batchOf("t1",
		Sample{Device: "dm-0", Await: 9000},
		Sample{Device: "dm-4", Await: 10},
	))

	assert.Equal(t, StatusNormal, summary.Status)
	assert.Equal(t, 1, summary.BackendCounts.Get(StatusBuilding))

	d, ok := agg.Device("dm-0")
	require.True(t, ok)
	assert.Equal(t, 9000.0, d.Latest(MetricAwait))
	assert.InDelta(t, 5000, d.Average(MetricAwait, WindowSmall), 1e-9, "readings above the spike cap are clipped")
}

func TestAggregator_NoGuests(t *testing.T) {
	agg, _ := newTestAggregator(t, thinHost())

	summary, _ := agg.Process(batchOf("t1", Sample{Device: "dm-0", IOPS: 10, Await: 2000}))
	assert.Zero(t, summary.GuestCount)
	assert.Equal(t, WindowAverages{}, summary.GuestAwaitAvg)
	assert.Equal(t, StatusNormal, summary.Status)
}

func TestAggregator_SetThresholds(t *testing.T) {
	host := thinHost()
	host.dmNames["dm-5"] = "cinder--volumes-volume--ffff"
	agg, _ := newTestAggregator(t, host)

	agg.Process(batchOf("t1", Sample{Device: "dm-4", Await: 1}))

	agg.SetThresholds(Thresholds{SustainedAwait: 2000})
	assert.Equal(t, Thresholds{SpikeCap: 5000, SustainedAwait: 2000}, agg.Thresholds())

	agg.Process(batchOf("t2",
		Sample{Device: "dm-4", Await: 1500},
		Sample{Device: "dm-5", Await: 1500},
	))

	existing, ok := agg.Device("dm-4")
	require.True(t, ok)
	assert.Equal(t, 1000.0, existing.Thresholds().SustainedAwait, "existing devices keep their thresholds")
	assert.Equal(t, StatusBuilding, existing.Status())

	created, ok := agg.Device("dm-5")
	require.True(t, ok)
	assert.Equal(t, 2000.0, created.Thresholds().SustainedAwait)
	assert.Equal(t, StatusNormal, created.Status())
}

func TestAggregator_Snapshot(t *testing.T) {
	agg, _ := newTestAggregator(t, thinHost())
	agg.Process(batchOf("t1",
		Sample{Device: "dm-4", IOPS: 30, Await: 3},
		Sample{Device: "dm-1", IOPS: 60, Await: 6},
	))

	snap := agg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "dm-1", snap[0].Node)
	assert.Equal(t, "tracking", snap[0].Role)
	assert.Equal(t, "cinder--volumes-cinder--volumes--pool_tdata", snap[0].Name)
	assert.Equal(t, "dm-4", snap[1].Node)
	assert.Equal(t, "guest", snap[1].Role)
	assert.InDelta(t, 30, snap[1].IOPSAvg[WindowSmall], 1e-9)
	assert.InDelta(t, 1, snap[1].AwaitAvg[WindowLarge], 1e-9)
}
