// Package am loads the emfac node configuration: TOML files merged by
// viper with EMFAC_* environment overrides, secrets from an INI file, and
// the parameter rules every node enforces before it starts.
package am

// Config is the configuration of one emfac node run.
type Config struct {
	Run      RunConfig      `mapstructure:"run" toml:"run"`
	Counter  CounterConfig  `mapstructure:"counter" toml:"counter"`
	Sampler  SamplerConfig  `mapstructure:"sampler" toml:"sampler"`
	Launcher LauncherConfig `mapstructure:"launcher" toml:"launcher"`
	Probe    ProbeConfig    `mapstructure:"probe" toml:"probe"`
	Report   ReportConfig   `mapstructure:"report" toml:"report"`
	Influx   InfluxConfig   `mapstructure:"influx" toml:"influx"`
	Metrics  MetricsConfig  `mapstructure:"metrics" toml:"metrics"`
}

// RunConfig is shared by every node.
type RunConfig struct {
	Dir  string `mapstructure:"dir" toml:"dir"`   // run directory (logs, sets, sidecar)
	Name string `mapstructure:"name" toml:"name"` // node name (default: run directory base name)
	// Input is the upstream streaming set file.
	Input string `mapstructure:"input" toml:"input"`
	// Producer is the upstream protocol's run directory; its STATUS file
	// decides when the input counts as closed.
	Producer string  `mapstructure:"producer" toml:"producer"`
	Delay    float64 `mapstructure:"delay" toml:"delay"` // seconds between ticks, must be > 2
	Resume   bool    `mapstructure:"resume" toml:"resume"`
	LogJSON  bool    `mapstructure:"log_json" toml:"log_json"`
}

// CounterConfig configures the counter node.
type CounterConfig struct {
	OutputSize int `mapstructure:"output_size" toml:"output_size"`
	// Timeout is bare seconds or "1d 2h 20m 15s"; empty disables it.
	Timeout string `mapstructure:"timeout" toml:"timeout"`
}

// SamplerConfig configures the sampler node.
type SamplerConfig struct {
	BatchSize  int     `mapstructure:"batch_size" toml:"batch_size"`
	Proportion float64 `mapstructure:"proportion" toml:"proportion"`
	Seed       uint64  `mapstructure:"seed" toml:"seed"` // 0 = random
}

// LauncherConfig configures the batch launcher.
type LauncherConfig struct {
	BatchSize      int    `mapstructure:"batch_size" toml:"batch_size"`
	StartingOffset int    `mapstructure:"starting_offset" toml:"starting_offset"`
	Cumulative     bool   `mapstructure:"cumulative" toml:"cumulative"`
	Cap            string `mapstructure:"cap" toml:"cap"` // NONE, MAX_JOBS or MAX_ITEMS
	CapLimit       int    `mapstructure:"cap_limit" toml:"cap_limit"`
	Template       string `mapstructure:"template" toml:"template"` // downstream protocol copied per batch
	JobsDB         string `mapstructure:"jobs_db" toml:"jobs_db"`   // default <run>/jobs.sqlite
}

// ProbeConfig groups the metric probes.
type ProbeConfig struct {
	CTF    CTFProbeConfig    `mapstructure:"ctf" toml:"ctf"`
	Gain   GainProbeConfig   `mapstructure:"gain" toml:"gain"`
	System SystemProbeConfig `mapstructure:"system" toml:"system"`
}

// CTFProbeConfig holds CTF alarm limits in Ångström. Zero disables a limit.
type CTFProbeConfig struct {
	MaxDefocus     float64 `mapstructure:"max_defocus" toml:"max_defocus"`
	MinDefocus     float64 `mapstructure:"min_defocus" toml:"min_defocus"`
	MaxAstigmatism float64 `mapstructure:"max_astigmatism" toml:"max_astigmatism"`
	MaxResolution  float64 `mapstructure:"max_resolution" toml:"max_resolution"`
}

// GainProbeConfig holds residual gain alarm limits. Zero disables a limit.
type GainProbeConfig struct {
	MaxStdDev float64 `mapstructure:"max_std_dev" toml:"max_std_dev"`
	MaxRatio1 float64 `mapstructure:"max_ratio1" toml:"max_ratio1"`
	MaxRatio2 float64 `mapstructure:"max_ratio2" toml:"max_ratio2"`
}

// SystemProbeConfig holds high-water marks in percent.
type SystemProbeConfig struct {
	CPU  float64 `mapstructure:"cpu" toml:"cpu"`
	Mem  float64 `mapstructure:"mem" toml:"mem"`
	Swap float64 `mapstructure:"swap" toml:"swap"`
	Disk float64 `mapstructure:"disk" toml:"disk"`
	// DiskPath is the filesystem sampled for disk usage (default: run dir).
	DiskPath string `mapstructure:"disk_path" toml:"disk_path"`
	// Watch lists protocol run directories; the probe finishes when all
	// of them leave RUNNING.
	Watch []string `mapstructure:"watch" toml:"watch"`
}

// ReportConfig configures the report assembler.
type ReportConfig struct {
	Project        string  `mapstructure:"project" toml:"project"`
	RefreshSeconds int     `mapstructure:"refresh_seconds" toml:"refresh_seconds"`
	BinWidth       float64 `mapstructure:"bin_width" toml:"bin_width"` // defocus histogram bin in µm
	ThumbMaxSide   int     `mapstructure:"thumb_max_side" toml:"thumb_max_side"`
	// PublishCmd is a command template; %(REPORT_FOLDER)s is replaced by
	// the report folder.
	PublishCmd                string            `mapstructure:"publish_cmd" toml:"publish_cmd"`
	PublishMinIntervalSeconds int               `mapstructure:"publish_min_interval_seconds" toml:"publish_min_interval_seconds"`
	ObjectStore               ObjectStoreConfig `mapstructure:"object_store" toml:"object_store"`
	// Watch lists protocol run directories summarised on the dashboard.
	Watch []string `mapstructure:"watch" toml:"watch"`
	// CTFDir, GainDir and SystemDir are the run directories of the probe
	// nodes whose logs are read; empty means run.dir. The report and the
	// influx sink finish with the system probe when SystemDir is set.
	CTFDir    string `mapstructure:"ctf_dir" toml:"ctf_dir"`
	GainDir   string `mapstructure:"gain_dir" toml:"gain_dir"`
	SystemDir string `mapstructure:"system_dir" toml:"system_dir"`
}

// ObjectStoreConfig is an S3-compatible publish target, used when
// Endpoint is set.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint"`
	AccessKey string `mapstructure:"access_key" toml:"access_key"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key"`
	Bucket    string `mapstructure:"bucket" toml:"bucket"`
	Prefix    string `mapstructure:"prefix" toml:"prefix"`
	Region    string `mapstructure:"region" toml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" toml:"use_ssl"`
}

// InfluxConfig configures the influx sink. Connection details live in
// the secrets file.
type InfluxConfig struct {
	Project         string `mapstructure:"project" toml:"project"` // measurement name (default: report.project)
	RetentionPolicy string `mapstructure:"retention_policy" toml:"retention_policy"`
	TransferPerTick int    `mapstructure:"transfer_per_tick" toml:"transfer_per_tick"`
	ThumbMaxSide    int    `mapstructure:"thumb_max_side" toml:"thumb_max_side"`
}

// MetricsConfig configures the Prometheus export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" toml:"textfile"` // default <run>/metrics.prom
	Listen   string `mapstructure:"listen" toml:"listen"`     // optional /metrics address, e.g. ":9464"
}
