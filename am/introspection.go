package am

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/emfac/emfac.toml
	SourceUser        ConfigSource = "user"        // ~/.emfac/emfac.toml
	SourceProject     ConfigSource = "project"     // emfac.toml found upwards from the cwd
	SourceExplicit    ConfigSource = "explicit"    // --config flag
	SourceEnvironment ConfigSource = "environment" // EMFAC_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or environment variable name
}

// SettingInfo is one effective setting and its origin.
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// secretKeys are masked by Settings.
var secretKeys = map[string]bool{
	"report.object_store.access_key": true,
	"report.object_store.secret_key": true,
}

// Settings flattens the effective configuration of v in key order, with
// the source recorded by NewViper and environment overrides detected.
func Settings(v *viper.Viper) []SettingInfo {
	var out []SettingInfo
	flatten(v.AllSettings(), "", &out)
	return out
}

func flatten(settings map[string]interface{}, prefix string, out *[]SettingInfo) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			flatten(nested, full, out)
			continue
		}

		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := ConfigSources[full]; ok {
			info = si
		}
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(full, ".", "_"))
		if os.Getenv(env) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: env}
		}
		if secretKeys[full] && value != "" {
			value = "********"
		}

		*out = append(*out, SettingInfo{
			Key:        full,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
}
