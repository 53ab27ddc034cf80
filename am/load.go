package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/emfacilities/emfac/errors"
)

// EnvPrefix prefixes every environment override, e.g. EMFAC_RUN_DELAY.
const EnvPrefix = "EMFAC"

// ConfigSources records, per flattened key, the file that last set it
// during the most recent NewViper call.
var ConfigSources = map[string]SourceInfo{}

// Load reads the merged configuration. explicit, when non-empty, is merged
// last and must exist.
func Load(explicit string) (*Config, error) {
	v, err := NewViper(explicit)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a single file on top of the
// defaults, without environment overrides.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// Reset clears the recorded sources (useful for testing)
func Reset() {
	ConfigSources = map[string]SourceInfo{}
}

// NewViper builds a viper instance with defaults, config files merged in
// precedence order and EMFAC_* environment overrides on top.
func NewViper(explicit string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	Reset()
	for _, f := range configFiles() {
		if _, err := os.Stat(f.Path); err != nil {
			continue
		}
		if err := mergeFile(v, f); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := mergeFile(v, SourceInfo{Source: SourceExplicit, Path: explicit}); err != nil {
			return nil, err
		}
		v.SetConfigFile(explicit)
	}
	return v, nil
}

// configFiles lists config files from lowest to highest precedence:
// system < user < project.
func configFiles() []SourceInfo {
	files := []SourceInfo{{Source: SourceSystem, Path: "/etc/emfac/" + DefaultConfigName}}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, SourceInfo{Source: SourceUser, Path: filepath.Join(home, ".emfac", DefaultConfigName)})
	}
	if project := findProjectConfig(); project != "" {
		files = append(files, SourceInfo{Source: SourceProject, Path: project})
	}
	return files
}

func mergeFile(v *viper.Viper, f SourceInfo) error {
	tmp := viper.New()
	tmp.SetConfigFile(f.Path)
	tmp.SetConfigType("toml")
	if err := tmp.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read %s config %s", f.Source, f.Path)
	}
	if err := v.MergeConfigMap(tmp.AllSettings()); err != nil {
		return errors.Wrapf(err, "failed to merge %s", f.Path)
	}
	for _, key := range tmp.AllKeys() {
		ConfigSources[key] = f
	}
	return nil
}

// findProjectConfig searches for emfac.toml by walking up the directory
// tree. Returns the first match or "".
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
