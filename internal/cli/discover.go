package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Classify the block devices of this host",
	Long: `Discover reads the replication resource file and the device-mapper table once
and prints the device roles with the congestion profile that would be used.

The output can be saved and passed to replay with --roles.`,
	Example: `  # Show the device roles
  io-monitor discover

  # Save them for an offline replay
  io-monitor discover > roles.yaml`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

// discoveryReport is the discover output
type discoveryReport struct {
	Roles   storageio.RoleListing `yaml:"roles"`
	Profile storageio.Profile     `yaml:"profile"`
}

func runDiscover(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	resolver := storageio.NewTopologyResolver(cfg, storageio.NewSystemHost(cfg.ProcPath, cfg.SysPath, logger), logger)
	if err := resolver.Discover(cmd.Context()); err != nil {
		return fmt.Errorf("topology discovery failed: %w", err)
	}

	return writeReport(cmd, discoveryReport{
		Roles:   resolver.Listing(),
		Profile: cfg.ProfileFor(resolver.Rotational()),
	})
}

func writeReport(cmd *cobra.Command, report discoveryReport) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}
	return enc.Close()
}
