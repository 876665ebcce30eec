package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openstack-archive/stx-utils/internal/alarms"
	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

var (
	replayRoles   string
	replayNoColor bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Run a recorded iostat capture through the congestion analysis",
	Long: `Replay feeds a file of recorded sampler output through the same analysis
as the daemon, one batch per timestamp line, and prints the status of every
cycle with the alarms that would have been raised or cleared.

Device roles come from a file written by discover, or from this host.`,
	Example: `  # Replay on the host the capture was taken on
  io-monitor replay /var/log/iostat.capture

  # Replay elsewhere with the recorded roles
  io-monitor replay --roles roles.yaml iostat.capture`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayRoles, "roles", "", "Device roles file written by discover")
	replayCmd.Flags().BoolVar(&replayNoColor, "no-color", false, "Disable colored output")
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if replayNoColor {
		color.NoColor = true
	}

	resolver, err := replayTopology(cmd.Context(), cfg, replayRoles, logger)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	batches, err := storageio.SplitCapture(f)
	if err != nil {
		return err
	}

	// Alarms stay in memory, a replay never touches the fault manager
	debouncer := storageio.NewDebouncer(alarms.NewMemoryManager(logger), cfg.Alarms.EntityInstanceID, cfg.Alarms.Debounce, logger)
	monitor := storageio.NewMonitor(cfg, resolver, logger, storageio.WithDebouncer(debouncer))

	stats := replayBatches(cmd.Context(), cmd.OutOrStdout(), monitor, batches)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d cycles, %d rejected, %d alarm changes, final status %s\n",
		stats.cycles, stats.rejected, stats.alarmChanges, colorStatus(stats.final))
	return nil
}

// replayTopology loads recorded roles, or discovers them on this host
func replayTopology(ctx context.Context, cfg *storageio.Config, rolesFile string, logger *zap.Logger) (*storageio.TopologyResolver, error) {
	if rolesFile == "" {
		resolver := storageio.NewTopologyResolver(cfg, storageio.NewSystemHost(cfg.ProcPath, cfg.SysPath, logger), logger)
		if err := resolver.Discover(ctx); err != nil {
			return nil, fmt.Errorf("topology discovery failed: %w", err)
		}
		return resolver, nil
	}

	data, err := os.ReadFile(rolesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles: %w", err)
	}
	var report discoveryReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse roles %s: %w", rolesFile, err)
	}

	resolver := storageio.NewTopologyResolver(cfg, offlineHost{}, logger)
	resolver.LoadListing(report.Roles)
	return resolver, nil
}

type replayStats struct {
	cycles       int
	rejected     int
	alarmChanges int
	final        storageio.Status
}

func replayBatches(ctx context.Context, w io.Writer, monitor *storageio.Monitor, batches [][]string) replayStats {
	var stats replayStats
	raised := storageio.StatusNormal

	for _, batch := range batches {
		summary, err := monitor.ProcessBatch(ctx, batch)
		if err != nil {
			stats.rejected++
			fmt.Fprintf(w, "%s %v\n", color.RedString("rejected"), err)
			continue
		}
		stats.cycles++
		stats.final = summary.Status

		fmt.Fprintf(w, "%s %-9s guests=%d await=%.1f/%.1f/%.1f backend_iops=%.1f/%.1f/%.1f\n",
			summary.Timestamp, colorStatus(summary.Status), summary.GuestCount,
			summary.GuestAwaitAvg[storageio.WindowSmall],
			summary.GuestAwaitAvg[storageio.WindowMedium],
			summary.GuestAwaitAvg[storageio.WindowLarge],
			summary.BackendIOPSAvg[storageio.WindowSmall],
			summary.BackendIOPSAvg[storageio.WindowMedium],
			summary.BackendIOPSAvg[storageio.WindowLarge])

		if now := monitor.Report().RaisedAlarm; now != raised {
			stats.alarmChanges++
			if now == storageio.StatusNormal {
				fmt.Fprintf(w, "  alarm cleared (%s)\n", raised)
			} else {
				fmt.Fprintf(w, "  alarm raised: %s\n", colorStatus(now))
			}
			raised = now
		}
	}
	return stats
}

func colorStatus(s storageio.Status) string {
	switch s {
	case storageio.StatusCongested:
		return color.RedString(s.String())
	case storageio.StatusBuilding:
		return color.YellowString(s.String())
	default:
		return color.GreenString(s.String())
	}
}

var errOffline = errors.New("host lookups are disabled during replay")

// offlineHost answers from nothing so that recorded roles and names are authoritative
type offlineHost struct{}

func (offlineHost) ReadResourceFile(string) ([]byte, error) { return nil, errOffline }

func (offlineHost) ResolveDevicePath(context.Context, string) (string, error) {
	return "", errOffline
}

func (offlineHost) ListDeviceMapper(context.Context) ([]byte, error) { return nil, errOffline }

func (offlineHost) DeviceMapperMajor() (int, error) { return 0, errOffline }

func (offlineHost) WholeDisks([]int) ([]string, error) { return nil, errOffline }

func (offlineHost) Rotational(string) (bool, error) { return false, errOffline }

func (offlineHost) DeviceMapperName(string) (string, error) { return "", nil }
