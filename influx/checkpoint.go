package influx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/util"
)

// CheckpointPath is <run>/tmp/monitor.conf.
func CheckpointPath(runDir string) string {
	return filepath.Join(runDir, "tmp", "monitor.conf")
}

const (
	keyLastID = "lastId"
	keySent   = "sent"
)

// Checkpoint is the INI file recording, per section, the last probe row
// id written to influx. One-shot sections (properties, acquisition) are
// flagged as sent under [project].
type Checkpoint struct {
	path string
	file *ini.File
}

// LoadCheckpoint reads path, or starts an empty checkpoint if the file
// does not exist yet.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Checkpoint{path: path, file: ini.Empty()}, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	return &Checkpoint{path: path, file: f}, nil
}

func (c *Checkpoint) Path() string { return c.path }

// LastID returns the last row id written for section, 0 if none.
func (c *Checkpoint) LastID(section string) int64 {
	return c.file.Section(section).Key(keyLastID).MustInt64(0)
}

func (c *Checkpoint) SetLastID(section string, id int64) {
	c.file.Section(section).Key(keyLastID).SetValue(strconv.FormatInt(id, 10))
}

// Sent reports whether a one-shot project section was written.
func (c *Checkpoint) Sent(section string) bool {
	return c.file.Section("project").Key(section + "." + keySent).MustBool(false)
}

func (c *Checkpoint) MarkSent(section string) {
	c.file.Section("project").Key(section + "." + keySent).SetValue("true")
}

// Save writes the checkpoint atomically.
func (c *Checkpoint) Save() error {
	err := util.WriteFileAtomic(c.path, func(w io.Writer) error {
		_, err := c.file.WriteTo(w)
		return err
	})
	return errors.Wrapf(err, "save checkpoint %s", c.path)
}
