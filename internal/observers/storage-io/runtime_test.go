package storageio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newHostTree builds a minimal proc and sys tree
func newHostTree(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	proc := filepath.Join(root, "proc")
	sys := filepath.Join(root, "sys")

	writeFile(t, filepath.Join(proc, "devices"), `Character devices:
  1 mem
253 tpm

Block devices:
  7 loop
  8 sd
  9 md
252 device-mapper
259 blkext
`)

	const stats = " 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n"
	writeFile(t, filepath.Join(proc, "diskstats"),
		"   7       0 loop0"+stats+
			"   8       0 sda"+stats+
			"   8       1 sda1"+stats+
			"   8      16 sdb"+stats+
			" 252       0 dm-0"+stats)

	for _, dev := range []string{"loop0", "sda", "sdb", "dm-0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(sys, "block", dev), 0o755))
	}
	writeFile(t, filepath.Join(sys, "block", "sda", "queue", "rotational"), "1\n")
	writeFile(t, filepath.Join(sys, "block", "sdb", "queue", "rotational"), "0\n")
	writeFile(t, filepath.Join(sys, "block", "dm-0", "dm", "name"), "cinder--volumes-volume--1\n")

	return proc, sys
}

func TestSystemHost_DeviceMapperMajor(t *testing.T) {
	proc, sys := newHostTree(t)
	h := NewSystemHost(proc, sys, zap.NewNop())

	major, err := h.DeviceMapperMajor()
	require.NoError(t, err)
	assert.Equal(t, 252, major, "character major 253 must not be picked")

	_, err = NewSystemHost(t.TempDir(), sys, nil).DeviceMapperMajor()
	assert.Error(t, err)
}

func TestSystemHost_WholeDisks(t *testing.T) {
	proc, sys := newHostTree(t)
	h := NewSystemHost(proc, sys, zap.NewNop())

	disks, err := h.WholeDisks([]int{8})
	require.NoError(t, err)
	assert.Equal(t, []string{"sda", "sdb"}, disks)
}

func TestSystemHost_Rotational(t *testing.T) {
	proc, sys := newHostTree(t)
	h := NewSystemHost(proc, sys, zap.NewNop())

	rot, err := h.Rotational("sda")
	require.NoError(t, err)
	assert.True(t, rot)

	rot, err = h.Rotational("sdb")
	require.NoError(t, err)
	assert.False(t, rot)

	_, err = h.Rotational("sdz")
	assert.Error(t, err)
}

func TestSystemHost_DeviceMapperName(t *testing.T) {
	proc, sys := newHostTree(t)
	h := NewSystemHost(proc, sys, zap.NewNop())

	name, err := h.DeviceMapperName("dm-0")
	require.NoError(t, err)
	assert.Equal(t, "cinder--volumes-volume--1", name)

	name, err = h.DeviceMapperName("sda")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestSystemHost_ResolveDevicePath(t *testing.T) {
	proc, sys := newHostTree(t)
	h := NewSystemHost(proc, sys, zap.NewNop())

	var calls []string
	h.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)
		return nil, errors.New("udevadm: not found")
	}

	dir := t.TempDir()
	target := filepath.Join(dir, "sdb1")
	writeFile(t, target, "")
	link := filepath.Join(dir, "pci-0000:00:0d.0-ata-2.0-part1")
	require.NoError(t, os.Symlink(target, link))

	resolved, err := h.ResolveDevicePath(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, target, resolved)
	assert.Equal(t, []string{"udevadm"}, calls)

	_, err = h.ResolveDevicePath(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSystemHost_ListDeviceMapper(t *testing.T) {
	h := NewSystemHost("/proc", "/sys", nil)
	h.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "dmsetup", name)
		assert.Equal(t, []string{"ls"}, args)
		return []byte("cinder--volumes-volume--1 (253:4)\n"), nil
	}

	out, err := h.ListDeviceMapper(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(out), "253:4")
}

func TestSystemHost_ReadResourceFile(t *testing.T) {
	h := NewSystemHost("/proc", "/sys", nil)
	_, err := h.ReadResourceFile(filepath.Join(t.TempDir(), "drbd-cinder.res"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
