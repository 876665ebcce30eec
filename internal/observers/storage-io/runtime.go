package storageio

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/blockdevice"
	"go.uber.org/zap"
)

// commandRunner runs an external tool and returns its stdout
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// SystemHost reads the live host: procfs, sysfs, dmsetup and udevadm
type SystemHost struct {
	procPath string
	sysPath  string
	run      commandRunner
	logger   *zap.Logger
}

// NewSystemHost creates a host source rooted at the given proc and sys mounts
func NewSystemHost(procPath, sysPath string, logger *zap.Logger) *SystemHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemHost{
		procPath: procPath,
		sysPath:  sysPath,
		run:      execRunner,
		logger:   logger.Named("host"),
	}
}

// ReadResourceFile implements HostSource
func (h *SystemHost) ReadResourceFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ResolveDevicePath implements HostSource. udev is given a chance to settle
// so a freshly created by-path link exists before it is followed.
func (h *SystemHost) ResolveDevicePath(ctx context.Context, path string) (string, error) {
	if _, err := h.run(ctx, "udevadm", "settle", "-E", path); err != nil {
		h.logger.Debug("udevadm settle failed", zap.String("path", path), zap.Error(err))
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return resolved, nil
}

// ListDeviceMapper implements HostSource
func (h *SystemHost) ListDeviceMapper(ctx context.Context) ([]byte, error) {
	return h.run(ctx, "dmsetup", "ls")
}

// DeviceMapperMajor implements HostSource by reading the block section of /proc/devices
func (h *SystemHost) DeviceMapperMajor() (int, error) {
	path := filepath.Join(h.procPath, "devices")
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	inBlock := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasSuffix(line, "devices:") {
			inBlock = line == "Block devices:"
			continue
		}
		if !inBlock {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "device-mapper" {
			return strconv.Atoi(fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no device-mapper entry in %s", path)
}

// WholeDisks implements HostSource using /sys/block and /proc/diskstats
func (h *SystemHost) WholeDisks(majors []int) ([]string, error) {
	fs, err := blockdevice.NewFS(h.procPath, h.sysPath)
	if err != nil {
		return nil, fmt.Errorf("open block device fs: %w", err)
	}

	names, err := fs.SysBlockDevices()
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	whole := newDeviceSet(names...)

	stats, err := fs.ProcDiskstats()
	if err != nil {
		return nil, fmt.Errorf("read diskstats: %w", err)
	}

	wanted := make(map[uint32]bool, len(majors))
	for _, m := range majors {
		wanted[uint32(m)] = true
	}

	var disks []string
	for _, s := range stats {
		if wanted[s.MajorNumber] && whole.has(s.DeviceName) {
			disks = append(disks, s.DeviceName)
		}
	}
	return disks, nil
}

// Rotational implements HostSource
func (h *SystemHost) Rotational(device string) (bool, error) {
	if fs, err := blockdevice.NewFS(h.procPath, h.sysPath); err == nil {
		if q, err := fs.SysBlockDeviceQueueStats(device); err == nil {
			return q.Rotational == 1, nil
		}
	}

	// Older kernels lack some queue attributes; read the one we need directly
	data, err := os.ReadFile(filepath.Join(h.sysPath, "block", device, "queue", "rotational"))
	if err != nil {
		return false, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("parse rotational flag of %s: %w", device, err)
	}
	return v == 1, nil
}

// DeviceMapperName implements HostSource
func (h *SystemHost) DeviceMapperName(device string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.sysPath, "block", device, "dm", "name"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
