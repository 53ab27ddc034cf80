package host

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/stream"
)

// Protocol is an upstream node observed by the engine.
type Protocol interface {
	Name() string
	Status() (Status, error)
	// Outputs returns the protocol's named output sets. Callers must not
	// close readers they did not open themselves; see Release.
	Outputs() (map[string]stream.Reader, error)
}

// StaticProtocol is a Protocol whose status and outputs are set by the
// caller. Producers stubbed in tests and embedded pipelines use it.
type StaticProtocol struct {
	mu      sync.RWMutex
	name    string
	status  Status
	outputs map[string]stream.Reader
}

// NewStaticProtocol creates a RUNNING protocol.
func NewStaticProtocol(name string) *StaticProtocol {
	return &StaticProtocol{name: name, status: StatusRunning, outputs: make(map[string]stream.Reader)}
}

func (p *StaticProtocol) Name() string { return p.name }

func (p *StaticProtocol) Status() (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, nil
}

func (p *StaticProtocol) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// AddOutput registers a named output.
func (p *StaticProtocol) AddOutput(name string, r stream.Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs[name] = r
}

func (p *StaticProtocol) Outputs() (map[string]stream.Reader, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]stream.Reader, len(p.outputs))
	for k, v := range p.outputs {
		out[k] = v
	}
	return out, nil
}

// DirProtocol is a protocol backed by another node's run directory: its
// status comes from the STATUS file and its outputs are the *.sqlite sets
// at the top level of the directory.
type DirProtocol struct {
	dir string
	log *zap.SugaredLogger

	mu   sync.Mutex
	open map[string]*stream.SQLite
}

// NewDirProtocol observes the run directory dir.
func NewDirProtocol(dir string, log *zap.SugaredLogger) *DirProtocol {
	return &DirProtocol{dir: dir, log: log, open: make(map[string]*stream.SQLite)}
}

func (p *DirProtocol) Name() string { return filepath.Base(p.dir) }

// Dir returns the observed run directory.
func (p *DirProtocol) Dir() string { return p.dir }

func (p *DirProtocol) Status() (Status, error) { return ReadStatus(p.dir) }

// Done reports whether the node has left NEW/RUNNING. An unreadable
// STATUS counts as still running.
func (p *DirProtocol) Done() bool {
	st, err := p.Status()
	return err == nil && !st.Active()
}

// Outputs opens every output set read-only. Handles are cached per
// protocol instance and released by Release.
func (p *DirProtocol) Outputs() (map[string]stream.Reader, error) {
	names, err := p.outputNames()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]stream.Reader, len(names))
	for _, name := range names {
		s, ok := p.open[name]
		if !ok {
			s, err = stream.OpenSQLite(filepath.Join(p.dir, name+".sqlite"), "", stream.ModeRead, p.log)
			if err != nil {
				return nil, errors.Wrapf(err, "open output %s of %s", name, p.Name())
			}
			p.open[name] = s
		}
		out[name] = s
	}
	return out, nil
}

// Output returns one named output.
func (p *DirProtocol) Output(name string) (stream.Reader, error) {
	outs, err := p.Outputs()
	if err != nil {
		return nil, err
	}
	r, ok := outs[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "output %s of %s", name, p.Name())
	}
	return r, nil
}

// Release closes every handle opened by Outputs.
func (p *DirProtocol) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for name, s := range p.open {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.open, name)
	}
	return first
}

// nodeFiles are SQLite files in a run directory that are not output sets.
var nodeFiles = map[string]bool{"sidecar": true, "jobs": true}

func (p *DirProtocol) outputNames() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list outputs of %s", p.dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sqlite") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".sqlite")
		if nodeFiles[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FirstOutput returns the output with the lowest name, which is how nodes
// with a single output set are read.
func FirstOutput(p Protocol) (string, stream.Reader, error) {
	outs, err := p.Outputs()
	if err != nil {
		return "", nil, err
	}
	names := make([]string, 0, len(outs))
	for k := range outs {
		names = append(names, k)
	}
	if len(names) == 0 {
		return "", nil, errors.Wrapf(errors.ErrNotFound, "outputs of %s", p.Name())
	}
	sort.Strings(names)
	return names[0], outs[names[0]], nil
}

// OutputOfKind returns the first output holding items of kind.
func OutputOfKind(p Protocol, kind stream.Kind) (stream.Reader, error) {
	outs, err := p.Outputs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(outs))
	for k := range outs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, n := range names {
		if outs[n].Kind() == kind {
			return outs[n], nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "%s output of %s", kind, p.Name())
}
