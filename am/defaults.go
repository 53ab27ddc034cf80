package am

import (
	"github.com/spf13/viper"
)

// DefaultDirPermissions is used for ~/.emfac and run directories.
const DefaultDirPermissions = 0750

// DefaultConfigName is the project config file searched for upwards from
// the working directory.
const DefaultConfigName = "emfac.toml"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Run defaults
	v.SetDefault("run.delay", 10.0)
	v.SetDefault("run.resume", false)
	v.SetDefault("run.log_json", false)

	// Counter: output_size has no default, it must be chosen per run
	v.SetDefault("counter.timeout", "")

	// Sampler defaults
	v.SetDefault("sampler.batch_size", 1000)
	v.SetDefault("sampler.proportion", 1.0)
	v.SetDefault("sampler.seed", 0)

	// Launcher defaults
	v.SetDefault("launcher.batch_size", 1000)
	v.SetDefault("launcher.starting_offset", 0)
	v.SetDefault("launcher.cumulative", false)
	v.SetDefault("launcher.cap", "NONE")
	v.SetDefault("launcher.cap_limit", 0)

	// Probe thresholds (Ångström; 0 disables)
	v.SetDefault("probe.ctf.max_defocus", 40000.0)
	v.SetDefault("probe.ctf.min_defocus", 1000.0)
	v.SetDefault("probe.ctf.max_astigmatism", 1000.0)
	v.SetDefault("probe.ctf.max_resolution", 6.0)
	v.SetDefault("probe.gain.max_std_dev", 0.0)
	v.SetDefault("probe.gain.max_ratio1", 0.0)
	v.SetDefault("probe.gain.max_ratio2", 0.0)
	v.SetDefault("probe.system.cpu", 95.0)
	v.SetDefault("probe.system.mem", 90.0)
	v.SetDefault("probe.system.swap", 50.0)
	v.SetDefault("probe.system.disk", 95.0)

	// Report defaults
	v.SetDefault("report.refresh_seconds", 60)
	v.SetDefault("report.bin_width", 0.1)
	v.SetDefault("report.thumb_max_side", 512)
	v.SetDefault("report.publish_min_interval_seconds", 0)
	v.SetDefault("report.object_store.use_ssl", true)

	// Influx defaults
	v.SetDefault("influx.retention_policy", "12w")
	v.SetDefault("influx.transfer_per_tick", 10)
	v.SetDefault("influx.thumb_max_side", 512)
}

// BindSensitiveEnvVars explicitly binds credentials to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("report.object_store.access_key", "EMFAC_OBJECT_STORE_ACCESS_KEY")
	v.BindEnv("report.object_store.secret_key", "EMFAC_OBJECT_STORE_SECRET_KEY")
	v.BindEnv("run.dir", "EMFAC_RUN_DIR")
}
