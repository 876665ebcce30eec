package cli

import (
	"fmt"

	"github.com/spf13/viper"

	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

// DefaultServerAddr serves /metrics, /healthz and /status
const DefaultServerAddr = ":9488"

// setDefaults registers every recognized key so that environment variables and
// the config file can override any of them
func setDefaults(v *viper.Viper) {
	def := storageio.DefaultConfig()

	v.SetDefault("log_level", "info")

	// Base observer
	v.SetDefault("name", def.Name)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)
	v.SetDefault("processing_timeout", def.ProcessingTimeout)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)

	// Sampling
	v.SetDefault("wait_time", def.WaitTime)
	v.SetDefault("command", def.Command)
	v.SetDefault("skip_lines", def.SkipLines)
	v.SetDefault("columns.read_ops", def.Columns.ReadOps)
	v.SetDefault("columns.write_ops", def.Columns.WriteOps)
	v.SetDefault("columns.await", def.Columns.Await)

	// Topology
	v.SetDefault("resource_file", def.ResourceFile)
	v.SetDefault("volume_group_prefix", def.VolumeGroupPrefix)
	v.SetDefault("device_mapper_major", def.DeviceMapperMajor)
	v.SetDefault("physical_disk_majors", def.PhysicalDiskMajors)
	v.SetDefault("infra_devices", def.InfraDevices)
	v.SetDefault("ignored_device_patterns", def.IgnoredDevicePatterns)
	v.SetDefault("watch_resource_file", def.WatchResourceFile)
	v.SetDefault("proc_path", def.ProcPath)
	v.SetDefault("sys_path", def.SysPath)

	// Analysis
	setProfileDefaults(v, "ssd", def.SSD)
	setProfileDefaults(v, "hdd", def.HDD)
	v.SetDefault("status_log_rate", def.StatusLogRate)

	// Alarms
	v.SetDefault("alarms.enabled", def.Alarms.Enabled)
	v.SetDefault("alarms.debounce", def.Alarms.Debounce)
	v.SetDefault("alarms.entity_instance_id", def.Alarms.EntityInstanceID)
	v.SetDefault("alarms.backend", def.Alarms.Backend)
	v.SetDefault("alarms.nats.url", def.Alarms.NATS.URL)
	v.SetDefault("alarms.nats.subject", def.Alarms.NATS.Subject)
	v.SetDefault("alarms.nats.timeout", def.Alarms.NATS.Timeout)
	v.SetDefault("alarms.redis.addr", def.Alarms.Redis.Addr)
	v.SetDefault("alarms.redis.password", def.Alarms.Redis.Password)
	v.SetDefault("alarms.redis.db", def.Alarms.Redis.DB)

	// Outputs
	v.SetDefault("csv.enabled", def.CSV.Enabled)
	v.SetDefault("csv.dir", def.CSV.Dir)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("prometheus.namespace", storageio.DefaultPrometheusNamespace)
}

func setProfileDefaults(v *viper.Viper, kind string, p storageio.Profile) {
	v.SetDefault(kind+".small_window", p.SmallWindow)
	v.SetDefault(kind+".medium_window", p.MediumWindow)
	v.SetDefault(kind+".large_window", p.LargeWindow)
	v.SetDefault(kind+".sustained_await", p.SustainedAwait)
	v.SetDefault(kind+".max_await", p.MaxAwait)
}

func profileFrom(v *viper.Viper, kind string) storageio.Profile {
	return storageio.Profile{
		SmallWindow:    v.GetInt(kind + ".small_window"),
		MediumWindow:   v.GetInt(kind + ".medium_window"),
		LargeWindow:    v.GetInt(kind + ".large_window"),
		SustainedAwait: v.GetFloat64(kind + ".sustained_await"),
		MaxAwait:       v.GetFloat64(kind + ".max_await"),
	}
}

// loadConfig maps the viper keys onto the observer configuration and validates it
func loadConfig(v *viper.Viper) (*storageio.Config, error) {
	cfg := storageio.DefaultConfig()

	cfg.Name = v.GetString("name")
	cfg.MetricsEnabled = v.GetBool("metrics_enabled")
	cfg.ProcessingTimeout = v.GetDuration("processing_timeout")
	cfg.MaxRetries = v.GetInt("max_retries")
	cfg.HealthCheckInterval = v.GetDuration("health_check_interval")

	cfg.WaitTime = v.GetDuration("wait_time")
	cfg.Command = v.GetString("command")
	cfg.SkipLines = v.GetInt("skip_lines")
	cfg.Columns = storageio.ColumnLayout{
		ReadOps:  v.GetInt("columns.read_ops"),
		WriteOps: v.GetInt("columns.write_ops"),
		Await:    v.GetInt("columns.await"),
	}

	cfg.ResourceFile = v.GetString("resource_file")
	cfg.VolumeGroupPrefix = v.GetString("volume_group_prefix")
	cfg.DeviceMapperMajor = v.GetInt("device_mapper_major")
	cfg.PhysicalDiskMajors = v.GetIntSlice("physical_disk_majors")
	cfg.InfraDevices = v.GetStringSlice("infra_devices")
	cfg.IgnoredDevicePatterns = v.GetStringSlice("ignored_device_patterns")
	cfg.WatchResourceFile = v.GetBool("watch_resource_file")
	cfg.ProcPath = v.GetString("proc_path")
	cfg.SysPath = v.GetString("sys_path")

	cfg.SSD = profileFrom(v, "ssd")
	cfg.HDD = profileFrom(v, "hdd")
	cfg.StatusLogRate = v.GetFloat64("status_log_rate")

	cfg.Alarms = storageio.AlarmConfig{
		Enabled:          v.GetBool("alarms.enabled"),
		Debounce:         v.GetInt("alarms.debounce"),
		EntityInstanceID: v.GetString("alarms.entity_instance_id"),
		Backend:          v.GetString("alarms.backend"),
		NATS: storageio.NATSAlarmConfig{
			URL:     v.GetString("alarms.nats.url"),
			Subject: v.GetString("alarms.nats.subject"),
			Timeout: v.GetDuration("alarms.nats.timeout"),
		},
		Redis: storageio.RedisAlarmConfig{
			Addr:     v.GetString("alarms.redis.addr"),
			Password: v.GetString("alarms.redis.password"),
			DB:       v.GetInt("alarms.redis.db"),
		},
	}
	cfg.CSV = storageio.CSVConfig{
		Enabled: v.GetBool("csv.enabled"),
		Dir:     v.GetString("csv.dir"),
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
