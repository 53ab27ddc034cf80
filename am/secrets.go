package am

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/emfacilities/emfac/errors"
)

// HomeEnv names the directory holding secrets.ini.
const HomeEnv = "EMFACILITIES_HOME"

// SecretsFile is the secrets file name inside $EMFACILITIES_HOME.
const SecretsFile = "secrets.ini"

// InfluxSecrets are the [influx] connection settings.
type InfluxSecrets struct {
	Host      string
	Port      int
	User      string
	Password  string
	DB        string
	SSL       bool
	VerifySSL bool
	// TZ is the facility timezone reported with the run properties.
	TZ string
	// TimeDelta shifts point times, e.g. to correct a skewed acquisition clock.
	TimeDelta time.Duration
}

// SFTPSecrets are the [sftp] image transfer settings.
type SFTPSecrets struct {
	User        string
	Host        string
	KeyFilePath string
	KeyFileType string
	RemotePath  string
}

// Secrets is the parsed secrets file. User names and passwords are stored
// base64-encoded; this is obfuscation against shoulder surfing, not
// encryption.
type Secrets struct {
	Influx InfluxSecrets
	SFTP   SFTPSecrets
}

// SecretsPath returns $EMFACILITIES_HOME/secrets.ini, or "" when the
// variable is unset.
func SecretsPath() string {
	home := os.Getenv(HomeEnv)
	if home == "" {
		return ""
	}
	return filepath.Join(home, SecretsFile)
}

// LoadSecrets reads the secrets file at path.
func LoadSecrets(path string) (*Secrets, error) {
	if path == "" {
		return nil, errors.WithHintf(errors.Wrap(errors.ErrNotFound, "secrets file"),
			"set %s to the directory containing %s", HomeEnv, SecretsFile)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Wrapf(errors.ErrNotFound, "secrets file %s", path)
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read secrets %s", path)
	}
	return parseSecrets(f)
}

func parseSecrets(f *ini.File) (*Secrets, error) {
	var s Secrets
	var err error

	in := f.Section("influx")
	s.Influx.Host = in.Key("host").String()
	s.Influx.Port = in.Key("port").MustInt(8086)
	s.Influx.DB = in.Key("db").String()
	s.Influx.SSL = in.Key("ssl").MustBool(false)
	s.Influx.VerifySSL = in.Key("verify_ssl").MustBool(true)
	s.Influx.TZ = in.Key("tz").String()
	if s.Influx.User, err = decodeSecret(in, "user"); err != nil {
		return nil, err
	}
	if s.Influx.Password, err = decodeSecret(in, "password"); err != nil {
		return nil, err
	}
	if raw := in.Key("timeDelta").String(); raw != "" {
		secs, err := in.Key("timeDelta").Float64()
		if err != nil {
			return nil, errors.NewInvalidParameter("influx.timeDelta", "%q is not a number of seconds", raw)
		}
		s.Influx.TimeDelta = time.Duration(secs * float64(time.Second))
	}

	sf := f.Section("sftp")
	s.SFTP.Host = sf.Key("host").String()
	s.SFTP.KeyFilePath = expandHome(sf.Key("keyfilepath").String())
	s.SFTP.KeyFileType = sf.Key("keyfiletype").MustString("rsa")
	s.SFTP.RemotePath = sf.Key("remote_path").String()
	if s.SFTP.User, err = decodeSecret(sf, "user"); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeSecret(sec *ini.Section, key string) (string, error) {
	raw := strings.TrimSpace(sec.Key(key).String())
	if raw == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", errors.NewInvalidParameter(sec.Name()+"."+key, "value is not base64-encoded: %v", err)
	}
	return string(b), nil
}

// EncodeSecret base64-encodes a value for the secrets file.
func EncodeSecret(plain string) string {
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
