package cli

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/openstack-archive/stx-utils/internal/alarms"
	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

func testListing() storageio.RoleListing {
	return storageio.RoleListing{
		PhysicalBackend: "sdb",
		Backend:         []string{"dm-0", "dm-1", "dm-2", "drbd4", "sdb", "sdb1"},
		Tracking:        []string{"dm-0", "dm-1"},
		Infra:           []string{"dm-3", "drbd0"},
		OtherPhysical:   []string{"sda"},
		Names: map[string]string{
			"dm-1": "cinder--volumes-cinder--volumes--pool_tdata",
			"dm-3": "cgts--vg-log--lv",
			"dm-4": "cinder--volumes-volume--8a7c",
		},
	}
}

func testConfig() *storageio.Config {
	cfg := storageio.DefaultConfig()
	cfg.SSD = storageio.Profile{SmallWindow: 1, MediumWindow: 2, LargeWindow: 3, SustainedAwait: 1000, MaxAwait: 5000}
	cfg.Alarms.Debounce = 2
	cfg.StatusLogRate = 0
	return cfg
}

func testMonitor(t *testing.T, cfg *storageio.Config, opts ...storageio.MonitorOption) *storageio.Monitor {
	t.Helper()
	resolver := storageio.NewTopologyResolver(cfg, offlineHost{}, zap.NewNop())
	resolver.LoadListing(testListing())
	debouncer := storageio.NewDebouncer(alarms.NewMemoryManager(zap.NewNop()), cfg.Alarms.EntityInstanceID, cfg.Alarms.Debounce, zap.NewNop())
	opts = append([]storageio.MonitorOption{storageio.WithDebouncer(debouncer)}, opts...)
	return storageio.NewMonitor(cfg, resolver, zap.NewNop(), opts...)
}

// deviceLine renders an `iostat -dx` device line
func deviceLine(device string, reads, writes, await float64) string {
	cols := make([]float64, 13)
	cols[2], cols[3], cols[8] = reads, writes, await

	var b strings.Builder
	b.WriteString(device)
	for _, c := range cols {
		fmt.Fprintf(&b, " %10.2f", c)
	}
	return b.String()
}

func cycle(second int, guestAwait float64) []string {
	return []string{
		fmt.Sprintf("10/18/26 10:00:%02d", second),
		"Device:         rrqm/s   wrqm/s     r/s     w/s    rkB/s    wkB/s avgrq-sz avgqu-sz   await r_await w_await  svctm  %util",
		deviceLine("sda", 1, 1, 1),
		deviceLine("dm-1", float64(100+second), 200, 3),
		deviceLine("dm-4", 10, 20, guestAwait),
	}
}
