// Package host defines the contract between the engine and the workflow
// engine that runs it: protocol status, named output sets, the step graph,
// downstream job launching and alarm delivery. In-process implementations
// back the runner CLI and the tests.
package host

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/util"
)

// Status is the lifecycle state of a protocol as reported by the host.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusAborted  Status = "ABORTED"
)

// Active reports whether the protocol may still produce output.
func (s Status) Active() bool {
	return s == StatusNew || s == StatusRunning
}

// ParseStatus parses a status name. Unknown names are an error.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusNew, StatusRunning, StatusFinished, StatusFailed, StatusAborted:
		return st, nil
	default:
		return "", errors.Newf("unknown protocol status %q", s)
	}
}

// StatusFile is the file inside a run directory holding the node status.
const StatusFile = "STATUS"

// WriteStatus records status for the run directory dir, replacing the file
// atomically so readers never observe a partial write.
func WriteStatus(dir string, status Status) error {
	return util.WriteFileAtomic(filepath.Join(dir, StatusFile), func(w io.Writer) error {
		_, err := io.WriteString(w, string(status)+"\n")
		return err
	})
}

// ReadStatus returns the status recorded in dir. A run without a status
// file has not started yet.
func ReadStatus(dir string) (Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if os.IsNotExist(err) {
		return StatusNew, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read status of %s", dir)
	}
	return ParseStatus(string(data))
}
