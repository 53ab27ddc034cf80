// Package report assembles the facility dashboard: it reads the probe logs,
// derives CTF statistics and per-output throughput, keeps a thumbnail
// registry with a single background renderer, writes index.html atomically
// and publishes the report folder.
package report

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/internal/util"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/metric"
	"github.com/emfacilities/emfac/probe"
	"github.com/emfacilities/emfac/sym"
	"github.com/emfacilities/emfac/thumb"
)

//go:embed templates/index.html
var templatesFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

// DefaultBinWidth is the defocus histogram bin width in microns.
const DefaultBinWidth = 0.1

// Doner is implemented by probes that know when they are finished.
type Doner interface {
	Done() bool
}

// Config configures an Assembler.
type Config struct {
	Project string
	RunDir  string
	// Interval is the sampling interval rates are normalised to.
	Interval       time.Duration
	RefreshSeconds int
	BinWidth       float64
	ThumbMaxSide   int

	// Summary lists the watched protocols and their outputs.
	Summary SummaryProvider
	// System is the system probe; without one the report is done when
	// every summarised protocol has finished.
	System Doner
	// LogDirs maps a probe table to the run directory holding its log.
	// Tables not listed are read from RunDir.
	LogDirs map[string]string

	Publisher Publisher
	// PublishMinInterval throttles intermediate publishes. The final
	// render is always published.
	PublishMinInterval time.Duration

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metric.Node
}

// RunLine is one output row of the dashboard.
type RunLine struct {
	OutputSummary
	Rate  float64 `json:"rate"`
	Trend string  `json:"trend"`
}

type page struct {
	Project          string
	Generated        string
	Finished         bool
	RefreshSeconds   int
	AcquisitionLines []Line
	RunLines         []RunLine
	CTFData          CTFData
	MovieGainData    Series
	SystemData       Series
}

type source struct {
	table  string
	log    *probe.Log
	lastID int64
	rows   []probe.Row
}

// Assembler is the report node.
type Assembler struct {
	cfg     Config
	clock   clock.Clock
	log     *zap.SugaredLogger
	folder  string
	thumbs  *ThumbRegistry
	rates   *RateHistory
	limiter *rate.Limiter

	ctf, gain, system *source

	renders   int
	published int
	finished  bool
}

// New validates cfg and creates the assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.Project == "" {
		return nil, errors.NewInvalidParameter("project", "project name is empty")
	}
	if cfg.RunDir == "" {
		return nil, errors.NewInvalidParameter("run_dir", "report needs a run directory")
	}
	if cfg.Summary == nil {
		return nil, errors.NewInvalidParameter("summary", "no summary provider")
	}
	if cfg.RefreshSeconds <= 0 {
		cfg.RefreshSeconds = 60
	}
	if cfg.BinWidth <= 0 {
		cfg.BinWidth = DefaultBinWidth
	}
	if cfg.ThumbMaxSide <= 0 {
		cfg.ThumbMaxSide = thumb.MaxSide
	}
	l := logger.WithSymbol(logger.OrNop(cfg.Logger).Named("report"), sym.Report).With("project", cfg.Project)
	folder := filepath.Join(cfg.RunDir, "extra", cfg.Project)

	a := &Assembler{
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		log:    l,
		folder: folder,
		thumbs: NewThumbRegistry(folder, cfg.ThumbMaxSide, l),
		rates:  NewRateHistory(cfg.Interval, DefaultRateWindow),
		ctf:    &source{table: probe.TableCTF},
		gain:   &source{table: probe.TableGain},
		system: &source{table: probe.TableSystem},
	}
	if cfg.PublishMinInterval > 0 {
		a.limiter = rate.NewLimiter(rate.Every(cfg.PublishMinInterval), 1)
	}
	return a, nil
}

// Folder is <run>/extra/<project>, the directory that gets published.
func (a *Assembler) Folder() string { return a.folder }

// Published returns how many times the report was published.
func (a *Assembler) Published() int { return a.published }

func (a *Assembler) InitLoop(ctx context.Context) error {
	for _, d := range thumbDirs {
		if err := os.MkdirAll(filepath.Join(a.folder, d), 0755); err != nil {
			return errors.Fatal(errors.Wrapf(err, "create %s", d))
		}
	}
	a.log.Infow("Report folder ready", logger.FieldPath, a.folder, logger.FieldSymbol, sym.Open)
	return nil
}

// Step runs one report tick. It reports true only once the system probe is
// done and the final render (with every thumbnail settled) succeeded.
func (a *Assembler) Step(ctx context.Context) (bool, error) {
	if a.finished {
		return true, nil
	}

	sum, err := a.cfg.Summary.Summary(ctx)
	if err != nil {
		return false, errors.Wrap(err, "refresh summary")
	}

	for _, s := range []*source{a.ctf, a.gain, a.system} {
		if err := a.pull(ctx, s); err != nil {
			return false, err
		}
	}
	a.thumbs.Reconcile(ctx)
	a.recordThumbs()

	now := a.clock.Now()
	runLines := make([]RunLine, 0, len(sum.Outputs))
	for _, o := range sum.Outputs {
		line := RunLine{OutputSummary: o, Trend: TrendFlat}
		if o.Output != "" {
			r := a.rates.Observe(o.Protocol+"/"+o.Output, now, o.Size)
			line.Rate, line.Trend = r.Delta, r.Trend
		}
		runLines = append(runLines, line)
	}

	done := a.sourcesDone(sum) && a.thumbs.Settled()

	ctfData := BuildCTFData(a.ctf.rows, a.cfg.BinWidth)
	ctfData.Thumbs = a.thumbs.Links()
	p := page{
		Project:          a.cfg.Project,
		Generated:        now.UTC().Format(time.RFC3339),
		Finished:         done,
		RefreshSeconds:   a.cfg.RefreshSeconds,
		AcquisitionLines: sum.Acquisition,
		RunLines:         runLines,
		CTFData:          ctfData,
		MovieGainData:    BuildSeries(a.gain.rows, "std_dev", "ratio1", "ratio2"),
		SystemData:       BuildSeries(a.system.rows, "cpu", "mem", "swap", "disk"),
	}
	if err := a.render(p); err != nil {
		return false, err
	}

	if err := a.publish(ctx, done); err != nil {
		a.log.Warnw("Publish failed", logger.FieldError, err, "hints", errors.FlattenHints(err))
		// the final publish is retried on the next tick
		return false, nil
	}

	if done {
		a.finished = true
		a.log.Infow("Report finished", "renders", a.renders, "published", a.published, logger.FieldSymbol, sym.Close)
	}
	return done, nil
}

// pull reads rows added to a probe log since the previous tick. A log the
// probe has not created yet is skipped.
func (a *Assembler) pull(ctx context.Context, s *source) error {
	if s.log == nil {
		l, err := probe.OpenLog(probe.LogPath(LogDir(a.cfg.RunDir, a.cfg.LogDirs, s.table), s.table), s.table, a.log)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		s.log = l
	}
	rows, err := s.log.Since(ctx, s.lastID, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	s.rows = append(s.rows, rows...)
	s.lastID = rows[len(rows)-1].ID
	if s == a.ctf {
		for _, r := range rows {
			a.thumbs.Add(r.ItemID, ThumbMic, r.Path("mic_path"))
			a.thumbs.Add(r.ItemID, ThumbPSD, r.Path("psd_path"))
			a.thumbs.Add(r.ItemID, ThumbShift, r.Path("shift_plot_path"))
		}
	}
	a.log.Debugw("Pulled probe rows", logger.FieldProbe, s.table, logger.FieldCount, len(rows))
	return nil
}

// LogDir returns the run directory holding the log of table.
func LogDir(runDir string, dirs map[string]string, table string) string {
	if d := dirs[table]; d != "" {
		return d
	}
	return runDir
}

func (a *Assembler) sourcesDone(sum Summary) bool {
	if a.cfg.System != nil {
		return a.cfg.System.Done()
	}
	for _, o := range sum.Outputs {
		if host.Status(o.Status).Active() {
			return false
		}
	}
	return true
}

func (a *Assembler) render(p page) error {
	start := a.clock.Now()
	index := filepath.Join(a.folder, "index.html")
	err := util.WriteFileAtomic(index, func(w io.Writer) error {
		return pageTemplate.Execute(w, p)
	})
	if err != nil {
		return errors.Wrap(err, "render report")
	}
	a.renders++
	a.log.Infow(fmt.Sprintf("Rendered report with %d CTF rows", len(a.ctf.rows)),
		logger.FieldPath, index,
		"finished", p.Finished,
		logger.FieldDurationMS, a.clock.Now().Sub(start).Milliseconds(),
	)
	return nil
}

func (a *Assembler) publish(ctx context.Context, final bool) error {
	if a.cfg.Publisher == nil {
		return nil
	}
	if !final && a.limiter != nil && !a.limiter.AllowN(a.clock.Now(), 1) {
		a.log.Debugw("Publish throttled")
		return nil
	}
	err := a.cfg.Publisher.Publish(ctx, a.folder)
	a.cfg.Metrics.Publish(a.cfg.Publisher.Name(), err)
	if err != nil {
		return err
	}
	a.published++
	return nil
}

func (a *Assembler) recordThumbs() {
	counts := a.thumbs.Counts()
	for _, st := range []ThumbState{ThumbMissing, ThumbPending, ThumbReady} {
		a.cfg.Metrics.SetThumbnails(st.String(), counts[st])
	}
}

// Close stops the thumbnail worker and releases the probe logs.
func (a *Assembler) Close() error {
	a.thumbs.Close()
	var first error
	for _, s := range []*source{a.ctf, a.gain, a.system} {
		if s.log == nil {
			continue
		}
		if err := s.log.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
