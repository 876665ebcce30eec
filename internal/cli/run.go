package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openstack-archive/stx-utils/internal/alarms"
	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the congestion monitor daemon",
	Long: `Run samples block device statistics until stopped.

When the replication resource file is missing the host has no volume backend
to watch and the daemon stands by until it is signalled.`,
	Example: `  # Run with the default configuration
  io-monitor run

  # Sample every 5 seconds and keep a CSV trace
  IO_MONITOR_WAIT_TIME=5s IO_MONITOR_CSV_ENABLED=true io-monitor run`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []storageio.MonitorOption

	if cfg.Alarms.Enabled {
		manager, closer, err := newAlarmManager(ctx, cfg.Alarms, logger)
		if err != nil {
			return err
		}
		defer closer.Close()
		opts = append(opts, storageio.WithDebouncer(
			storageio.NewDebouncer(manager, cfg.Alarms.EntityInstanceID, cfg.Alarms.Debounce, logger)))
	}

	namespace := viper.GetString("prometheus.namespace")
	exporter := storageio.NewPrometheusExporter(namespace)
	opts = append(opts, storageio.WithExporter(exporter))
	if cfg.MetricsEnabled {
		provider, err := newMeterProvider(exporter.Registry())
		if err != nil {
			return err
		}
		otel.SetMeterProvider(provider)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Meter provider shutdown failed", zap.Error(err))
			}
		}()
		opts = append(opts, storageio.WithMetrics(storageio.NewMetrics(otel.Meter(cfg.Name), namespace, logger)))
	}

	if cfg.CSV.Enabled {
		recorder, err := storageio.NewCSVRecorder(cfg.CSV.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to create CSV recorder: %w", err)
		}
		defer recorder.Close()
		opts = append(opts, storageio.WithRecorder(recorder))
	}

	host := storageio.NewSystemHost(cfg.ProcPath, cfg.SysPath, logger)
	observer, err := storageio.NewObserver(cfg, host, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create observer: %w", err)
	}

	var server *statusServer
	if viper.GetBool("server.enabled") {
		server = newStatusServer(viper.GetString("server.addr"), observer, exporter, logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Status server shutdown failed", zap.Error(err))
			}
		}()
	}

	if err := observer.Start(ctx); err != nil {
		if !errors.Is(err, storageio.ErrNotMonitorable) {
			return fmt.Errorf("failed to start observer: %w", err)
		}
		logger.Info("Storage backend not configured, standing by",
			zap.String("resource_file", cfg.ResourceFile))
		notify(logger, daemon.SdNotifyReady)
		<-ctx.Done()
		notify(logger, daemon.SdNotifyStopping)
		return nil
	}

	notify(logger, daemon.SdNotifyReady)
	<-ctx.Done()

	logger.Info("Shutting down io-monitor")
	notify(logger, daemon.SdNotifyStopping)
	if err := observer.Stop(); err != nil {
		logger.Error("Error stopping observer", zap.Error(err))
	}
	return nil
}

// notify reports the daemon state to systemd when running under a notify unit
func notify(logger *zap.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Debug("systemd notification failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		logger.Debug("Notified systemd", zap.String("state", state))
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newAlarmManager connects the configured fault-management backend
func newAlarmManager(ctx context.Context, cfg storageio.AlarmConfig, logger *zap.Logger) (alarms.Manager, io.Closer, error) {
	switch cfg.Backend {
	case storageio.AlarmBackendNATS:
		m, err := alarms.NewNATSManager(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Timeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	case storageio.AlarmBackendRedis:
		m, err := alarms.NewRedisManager(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	case storageio.AlarmBackendMemory, "":
		return alarms.NewMemoryManager(logger), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown alarm backend %q", cfg.Backend)
	}
}
