package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

func TestReplayBatches(t *testing.T) {
	color.NoColor = true
	monitor := testMonitor(t, testConfig())

	var batches [][]string
	for i := 0; i < 4; i++ {
		batches = append(batches, cycle(i, 1200))
	}
	// Two timestamps in one batch
	batches = append(batches, append(cycle(4, 1200), "10/18/26 10:00:59"))

	var out bytes.Buffer
	stats := replayBatches(context.Background(), &out, monitor, batches)

	assert.Equal(t, 4, stats.cycles)
	assert.Equal(t, 1, stats.rejected)
	assert.Equal(t, 2, stats.alarmChanges, "building after two cycles, then congested")
	assert.Equal(t, storageio.StatusCongested, stats.final)

	output := out.String()
	assert.Contains(t, output, "10/18/26 10:00:00 Building  guests=1 await=1200.0/600.0/400.0")
	assert.Contains(t, output, "alarm raised: Building")
	assert.Contains(t, output, "alarm raised: Congested")
	assert.Contains(t, output, "rejected")
}

func TestReplayTopology_RolesFile(t *testing.T) {
	cfg := testConfig()

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	require.NoError(t, writeReport(cmd, discoveryReport{Roles: testListing(), Profile: cfg.SSD}))
	assert.Contains(t, buf.String(), "physical_backend: sdb")
	assert.Contains(t, buf.String(), "sustained_await: 1000")

	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	resolver, err := replayTopology(context.Background(), cfg, path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, testListing(), resolver.Listing())
	assert.Equal(t, storageio.RoleTracking, resolver.Role("dm-1"))
	assert.True(t, resolver.Relevant("dm-4"))
	assert.Equal(t, storageio.RoleGuest, resolver.Role("dm-4"))
}

func TestReplayTopology_Errors(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()

	_, err := replayTopology(context.Background(), cfg, filepath.Join(dir, "missing.yaml"), zap.NewNop())
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("roles: [not, a, listing"), 0o644))
	_, err = replayTopology(context.Background(), cfg, bad, zap.NewNop())
	assert.Error(t, err)

	// Live discovery on a host without the resource file
	cfg.ResourceFile = filepath.Join(dir, "drbd-cinder.res")
	_, err = replayTopology(context.Background(), cfg, "", zap.NewNop())
	assert.ErrorIs(t, err, storageio.ErrNotMonitorable)
}
