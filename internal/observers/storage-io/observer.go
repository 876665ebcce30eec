package storageio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openstack-archive/stx-utils/internal/observers/base"
	"go.uber.org/zap"
)

// BatchSource produces the lines of one sampling run
type BatchSource interface {
	Sample(ctx context.Context) ([]string, error)
}

// Observer is the io-monitor daemon: it samples block device statistics every
// wait_time and feeds them through the congestion monitor
type Observer struct {
	*base.BaseObserver     // Embed for stats/health
	*base.LifecycleManager // Embed for lifecycle

	config *Config
	logger *zap.Logger
	name   string

	source   BatchSource
	topology *TopologyResolver
	monitor  atomic.Pointer[Monitor]
	options  []MonitorOption

	// Set by the resource file watcher, consumed between cycles
	rediscover atomic.Bool
	watcher    *fsnotify.Watcher
}

// NewObserver creates the daemon. Monitor options (alarms, exporters) are applied
// when Start builds the monitor.
func NewObserver(cfg *Config, host HostSource, logger *zap.Logger, opts ...MonitorOption) (*Observer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(cfg.Name)

	sampler, err := NewSampler(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Observer{
		BaseObserver: base.NewBaseObserverWithConfig(base.BaseObserverConfig{
			Name:               cfg.Name,
			HealthCheckTimeout: cfg.HealthCheckInterval,
			MetricsEnabled:     cfg.MetricsEnabled,
			Logger:             logger,
		}),
		LifecycleManager: base.NewLifecycleManager(context.Background(), logger),
		config:           cfg,
		logger:           logger,
		name:             cfg.Name,
		source:           sampler,
		topology:         NewTopologyResolver(cfg, host, logger),
		options:          opts,
	}, nil
}

// Name returns the observer name
func (o *Observer) Name() string {
	return o.name
}

// Start discovers the device topology, clears alarms left by a previous run and
// starts the sampling loop. It returns ErrNotMonitorable on hosts without the
// replicated storage backend.
func (o *Observer) Start(ctx context.Context) error {
	o.logger.Info("Starting storage congestion observer",
		zap.String("command", o.config.Command),
		zap.Duration("wait_time", o.config.WaitTime),
		zap.String("resource_file", o.config.ResourceFile),
		zap.Bool("alarms", o.config.Alarms.Enabled))

	if err := o.topology.Discover(ctx); err != nil {
		if errors.Is(err, ErrNotMonitorable) {
			o.BaseObserver.SetStandby("storage backend not configured")
		} else {
			o.BaseObserver.SetHealthy(false)
		}
		return fmt.Errorf("topology discovery failed: %w", err)
	}
	o.BaseObserver.SetStandby("")

	monitor := NewMonitor(o.config, o.topology, o.logger, o.options...)
	monitor.ClearAlarms(ctx)
	o.monitor.Store(monitor)

	if o.config.WatchResourceFile {
		if err := o.watchResourceFile(); err != nil {
			// Rediscovery then only happens on restart
			o.logger.Warn("Cannot watch resource file", zap.String("path", o.config.ResourceFile), zap.Error(err))
		}
	}

	o.LifecycleManager.Start("sampling-loop", o.run)

	o.BaseObserver.SetHealthy(true)
	o.logger.Info("Storage congestion observer started",
		zap.Int("samples_per_minute", int(time.Minute/(o.config.WaitTime+time.Second))))
	return nil
}

// Stop stops the observer
func (o *Observer) Stop() error {
	o.logger.Info("Stopping storage congestion observer")

	if err := o.LifecycleManager.Stop(5 * time.Second); err != nil {
		o.logger.Warn("Timeout during shutdown", zap.Error(err))
	}
	if o.watcher != nil {
		o.watcher.Close()
	}

	o.BaseObserver.SetHealthy(false)
	o.logger.Info("Storage congestion observer stopped")
	return nil
}

// Monitor returns the congestion monitor, nil before Start
func (o *Observer) Monitor() *Monitor {
	return o.monitor.Load()
}

// Topology returns the device classification
func (o *Observer) Topology() *TopologyResolver {
	return o.topology
}

// run is the sampling loop
func (o *Observer) run(ctx context.Context) {
	for {
		o.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.config.WaitTime):
		}
	}
}

func (o *Observer) cycle(ctx context.Context) {
	monitor := o.monitor.Load()
	if o.rediscover.Swap(false) {
		if err := monitor.Rediscover(ctx); err != nil {
			o.logger.Warn("Topology rediscovery failed, keeping previous roles", zap.Error(err))
			o.BaseObserver.RecordError(ctx, err)
		}
	}

	lines, err := o.source.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("Sampling failed", zap.Error(err))
		o.BaseObserver.RecordError(ctx, err)
		return
	}

	if _, err := monitor.ProcessBatch(ctx, lines); err != nil {
		o.BaseObserver.RecordError(ctx, err)
		return
	}
	o.BaseObserver.RecordCycle(ctx)
}

// watchResourceFile schedules rediscovery when the resource file changes. The
// directory is watched so that replaced files are seen too.
func (o *Observer) watchResourceFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	path := filepath.Clean(o.config.ResourceFile)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	o.watcher = watcher

	o.LifecycleManager.Start("resource-watcher", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					o.logger.Info("Resource file changed, rediscovering at next cycle",
						zap.String("path", path),
						zap.Stringer("op", event.Op))
					o.rediscover.Store(true)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.logger.Warn("Resource file watcher error", zap.Error(err))
			}
		}
	})
	return nil
}
