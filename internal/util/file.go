package util

import (
	"io"
	"os"
	"path/filepath"

	"github.com/emfacilities/emfac/errors"
)

// WriteFileAtomic writes dst through a hidden temp file in the same
// directory and renames it into place, so readers see either the old or
// the new content. Parent directories are created.
func WriteFileAtomic(dst string, write func(io.Writer) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", dst)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", dst)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dst)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrapf(err, "chmod %s", dst)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), dst), "rename %s", dst)
}
