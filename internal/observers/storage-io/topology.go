package storageio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrNotMonitorable is returned when the replication resource file is missing.
// The host carries no backend to watch and the daemon should stand by.
var ErrNotMonitorable = errors.New("system not monitorable")

var (
	resourceDevicePattern = regexp.MustCompile(`^device\s+/dev/(\w+)(\s+minor\s+\d+)?;`)
	resourceDiskPattern   = regexp.MustCompile(`^disk\s+"(/dev/disk/by-path/(.+))";`)
	devNodePattern        = regexp.MustCompile(`^/dev/(\w+)`)
	partitionPatterns     = []*regexp.Regexp{
		regexp.MustCompile(`^(sd[a-z]+)\d+$`),
		regexp.MustCompile(`^(vd[a-z]+)\d+$`),
		regexp.MustCompile(`^(nvme\d+n\d+)p\d+$`),
	}
	dmsetupPattern = regexp.MustCompile(`^([\w-]+)\s+\((\d+)[:,]\s*(\d+)\)`)
)

// HostSource is the view of the host the resolver classifies from
type HostSource interface {
	// ReadResourceFile returns the replication resource descriptor
	ReadResourceFile(path string) ([]byte, error)

	// ResolveDevicePath follows a /dev/disk/by-path link to its /dev node
	ResolveDevicePath(ctx context.Context, path string) (string, error)

	// ListDeviceMapper returns `dmsetup ls` output
	ListDeviceMapper(ctx context.Context) ([]byte, error)

	// DeviceMapperMajor returns the block major of device-mapper
	DeviceMapperMajor() (int, error)

	// WholeDisks returns whole-disk nodes whose major is in majors
	WholeDisks(majors []int) ([]string, error)

	// Rotational reports whether the disk spins
	Rotational(device string) (bool, error)

	// DeviceMapperName returns the mapped name of a dm node, or "" for other nodes
	DeviceMapperName(device string) (string, error)
}

// TopologyResolver classifies block devices into backend, tracking, infra and guest roles.
// It is owned by the cycle loop and is not safe for concurrent use.
type TopologyResolver struct {
	cfg    *Config
	host   HostSource
	logger *zap.Logger

	roles      DeviceRoles
	rotational bool
	dmMajor    int

	// Mapped names seen in the device-mapper listing or loaded from a recorded one
	names map[string]string
}

// NewTopologyResolver creates a resolver; call Discover or LoadListing before use
func NewTopologyResolver(cfg *Config, host HostSource, logger *zap.Logger) *TopologyResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &TopologyResolver{
		cfg:    cfg,
		host:   host,
		logger: logger.Named("topology"),
	}
	r.reset()
	return r
}

func (r *TopologyResolver) reset() {
	r.roles = newDeviceRoles()
	for _, d := range r.cfg.InfraDevices {
		r.roles.Infra.add(d)
	}
	r.rotational = false
	r.names = make(map[string]string)
}

// Discover rebuilds the device roles from the host
func (r *TopologyResolver) Discover(ctx context.Context) error {
	data, err := r.host.ReadResourceFile(r.cfg.ResourceFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Error("Resource file does not exist", zap.String("path", r.cfg.ResourceFile))
			return fmt.Errorf("%w: %s missing", ErrNotMonitorable, r.cfg.ResourceFile)
		}
		return fmt.Errorf("read %s: %w", r.cfg.ResourceFile, err)
	}

	r.reset()
	r.parseResourceFile(ctx, data)

	if err := r.classifyDeviceMapper(ctx); err != nil {
		// Thin pools can still be picked up lazily from sysfs
		r.logger.Warn("Device-mapper listing failed", zap.Error(err))
	}

	// Thick provisioning: no thin-pool layer, so the raw disk carries the load
	if len(r.roles.Tracking) == 0 && r.roles.PhysicalBackend != "" {
		r.roles.Tracking.add(r.roles.PhysicalBackend)
		r.roles.Backend.add(r.roles.PhysicalBackend)
	}

	disks, err := r.host.WholeDisks(r.cfg.PhysicalDiskMajors)
	if err != nil {
		r.logger.Warn("Physical disk enumeration failed", zap.Error(err))
	}
	for _, d := range disks {
		if d != r.roles.PhysicalBackend {
			r.roles.OtherPhysical.add(d)
		}
	}

	if r.roles.PhysicalBackend != "" {
		rot, err := r.host.Rotational(r.roles.PhysicalBackend)
		if err != nil {
			r.logger.Debug("Disk type unknown, assuming SSD",
				zap.String("device", r.roles.PhysicalBackend),
				zap.Error(err))
		}
		r.rotational = rot && err == nil
	}

	r.logger.Info("Discovered device topology",
		zap.String("physical_backend", r.roles.PhysicalBackend),
		zap.Bool("rotational", r.rotational),
		zap.Strings("backend", r.roles.Backend.sorted()),
		zap.Strings("tracking", r.roles.Tracking.sorted()),
		zap.Strings("infra", r.roles.Infra.sorted()),
		zap.Strings("other_physical", r.roles.OtherPhysical.sorted()))
	return nil
}

func (r *TopologyResolver) parseResourceFile(ctx context.Context, data []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := resourceDevicePattern.FindStringSubmatch(line); m != nil {
			r.roles.Backend.add(m[1])
			continue
		}

		m := resourceDiskPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		node, err := r.host.ResolveDevicePath(ctx, m[1])
		if err != nil {
			r.logger.Warn("Cannot resolve backing disk", zap.String("path", m[1]), zap.Error(err))
			continue
		}
		dev := devNodePattern.FindStringSubmatch(node)
		if dev == nil {
			r.logger.Warn("Backing disk is not a /dev node", zap.String("path", m[1]), zap.String("node", node))
			continue
		}

		r.roles.Backend.add(dev[1])
		r.roles.PhysicalBackend = parentDisk(dev[1])
		r.roles.Backend.add(r.roles.PhysicalBackend)
	}
}

// parentDisk strips a partition suffix, returning whole-disk names unchanged
func parentDisk(node string) string {
	for _, p := range partitionPatterns {
		if m := p.FindStringSubmatch(node); m != nil {
			return m[1]
		}
	}
	return node
}

func (r *TopologyResolver) classifyDeviceMapper(ctx context.Context) error {
	r.dmMajor = r.cfg.DeviceMapperMajor
	if r.dmMajor == 0 {
		major, err := r.host.DeviceMapperMajor()
		if err != nil {
			r.logger.Debug("Using default device-mapper major", zap.Error(err))
			major = defaultDeviceMapperMajor
		}
		r.dmMajor = major
	}

	out, err := r.host.ListDeviceMapper(ctx)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := dmsetupPattern.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		major, _ := strconv.Atoi(m[2])
		if major != r.dmMajor {
			continue
		}

		name, node := m[1], "dm-"+m[3]
		r.names[node] = name
		if strings.Contains(name, r.cfg.VolumeGroupPrefix) {
			r.classifyBacking(node, name)
		} else {
			r.roles.Infra.add(node)
		}
	}
	return scanner.Err()
}

// classifyBacking records pool-layer devices and reports whether node is one
func (r *TopologyResolver) classifyBacking(node, name string) bool {
	backing := false
	if strings.Contains(name, "pool") || strings.Contains(name, "anchor") {
		r.roles.Backend.add(node)
		backing = true
	}
	if strings.Contains(name, "tdata") || strings.Contains(name, "tmeta") {
		r.roles.Backend.add(node)
		r.roles.Tracking.add(node)
		backing = true
	}
	return backing
}

// Relevant reports whether an unseen device should be tracked. Devices under the
// volume-group prefix are relevant, and pool-layer devices are classified on the way.
func (r *TopologyResolver) Relevant(node string) bool {
	if r.roles.Backend.has(node) {
		return true
	}

	name := r.mappedName(node)
	if name == "" || !strings.Contains(name, r.cfg.VolumeGroupPrefix) {
		return false
	}

	if r.classifyBacking(node, name) {
		r.logger.Info("Classified new backend device",
			zap.String("device", node),
			zap.String("name", name),
			zap.Strings("backend", r.roles.Backend.sorted()),
			zap.Strings("tracking", r.roles.Tracking.sorted()))
	}
	return true
}

// DisplayName returns the device-mapper name of node, or node itself
func (r *TopologyResolver) DisplayName(node string) string {
	if name := r.mappedName(node); name != "" {
		return name
	}
	return node
}

// mappedName asks the host first so that volumes created after discovery are named
func (r *TopologyResolver) mappedName(node string) string {
	name, err := r.host.DeviceMapperName(node)
	if err == nil && name != "" {
		r.names[node] = name
		return name
	}
	return r.names[node]
}

// Role returns how node participates in the summaries
func (r *TopologyResolver) Role(node string) Role {
	switch {
	case r.roles.Tracking.has(node):
		return RoleTracking
	case r.roles.Backend.has(node):
		return RoleBackend
	case r.roles.Infra.has(node), r.roles.OtherPhysical.has(node):
		return RoleIgnored
	default:
		return RoleGuest
	}
}

// Ignored implements DeviceFilter: other physical disks and their partitions are dropped
func (r *TopologyResolver) Ignored(device string) bool {
	for d := range r.roles.OtherPhysical {
		if strings.Contains(device, d) {
			return true
		}
	}
	return false
}

// Rotational reports whether the physical backend is a spinning disk
func (r *TopologyResolver) Rotational() bool {
	return r.rotational
}

// Roles returns the current classification
func (r *TopologyResolver) Roles() DeviceRoles {
	return r.roles
}

// Listing returns the classification in serializable form
func (r *TopologyResolver) Listing() RoleListing {
	return RoleListing{
		PhysicalBackend: r.roles.PhysicalBackend,
		Rotational:      r.rotational,
		Backend:         r.roles.Backend.sorted(),
		Tracking:        r.roles.Tracking.sorted(),
		Infra:           r.roles.Infra.sorted(),
		OtherPhysical:   r.roles.OtherPhysical.sorted(),
		Names:           maps.Clone(r.names),
	}
}

// LoadListing replaces the classification with a recorded one
func (r *TopologyResolver) LoadListing(l RoleListing) {
	r.roles = DeviceRoles{
		PhysicalBackend: l.PhysicalBackend,
		Backend:         newDeviceSet(l.Backend...),
		Tracking:        newDeviceSet(l.Tracking...),
		Infra:           newDeviceSet(l.Infra...),
		OtherPhysical:   newDeviceSet(l.OtherPhysical...),
	}
	// Tracking devices are always backend devices
	for d := range r.roles.Tracking {
		r.roles.Backend.add(d)
	}
	r.rotational = l.Rotational
	r.names = maps.Clone(l.Names)
	if r.names == nil {
		r.names = make(map[string]string)
	}
}
