package influx

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/metric"
	"github.com/emfacilities/emfac/probe"
	"github.com/emfacilities/emfac/report"
	"github.com/emfacilities/emfac/sym"
	"github.com/emfacilities/emfac/thumb"
)

// DefaultTransferPerTick bounds image uploads per tick.
const DefaultTransferPerTick = 10

// BatchLimit bounds the probe rows written per section and tick.
const BatchLimit = 1000

// Config configures a Sink.
type Config struct {
	Project string
	RunDir  string
	// Database is the influx database; defaults to the project.
	Database        string
	RetentionPolicy string
	// Interval is the sampling interval; a tick stops transferring once it
	// has used this much time.
	Interval        time.Duration
	TransferPerTick int
	ThumbMaxSide    int
	// TimeDelta shifts every point time.
	TimeDelta time.Duration
	// TZ is reported with the run properties.
	TZ string

	Writer Writer
	// Transport uploads image thumbnails; nil skips the transfer pass.
	Transport Transport
	Summary   report.SummaryProvider
	// System decides when the run is over; without one every summarised
	// protocol must have finished.
	System report.Doner
	// LogDirs maps a probe table to the run directory holding its log.
	LogDirs map[string]string

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metric.Node
}

type section struct {
	table string
	log   *probe.Log
	// image columns shipped over the transport
	images []string
}

// Sink is the influx node.
type Sink struct {
	cfg   Config
	clock clock.Clock
	log   *zap.SugaredLogger
	cp    *Checkpoint
	tmp   string

	sections []*section
	ensured  bool
	finished bool
}

// New validates cfg and creates the sink.
func New(cfg Config) (*Sink, error) {
	if cfg.Project == "" {
		return nil, errors.NewInvalidParameter("influx.project", "project name is empty")
	}
	if cfg.RunDir == "" {
		return nil, errors.NewInvalidParameter("run.dir", "influx sink needs a run directory")
	}
	if cfg.Writer == nil {
		return nil, errors.NewInvalidParameter("influx", "no influx writer")
	}
	if cfg.Summary == nil {
		return nil, errors.NewInvalidParameter("summary", "no summary provider")
	}
	if cfg.Database == "" {
		cfg.Database = cfg.Project
	}
	if cfg.RetentionPolicy == "" {
		cfg.RetentionPolicy = DefaultRetentionPolicy
	}
	if cfg.TransferPerTick <= 0 {
		cfg.TransferPerTick = DefaultTransferPerTick
	}
	if cfg.ThumbMaxSide <= 0 {
		cfg.ThumbMaxSide = thumb.MaxSide
	}
	return &Sink{
		cfg:   cfg,
		clock: clock.OrReal(cfg.Clock),
		log:   logger.WithSymbol(logger.OrNop(cfg.Logger).Named("influx"), sym.Influx).With("project", cfg.Project),
		tmp:   filepath.Join(cfg.RunDir, "tmp", "influx"),
		sections: []*section{
			{table: probe.TableCTF, images: []string{"mic_path", "psd_path", "shift_plot_path"}},
			{table: probe.TableGain, images: []string{"gain_path"}},
			{table: probe.TableSystem},
		},
	}, nil
}

func (s *Sink) InitLoop(ctx context.Context) error {
	if err := os.MkdirAll(s.tmp, 0755); err != nil {
		return errors.Fatal(errors.Wrap(err, "create influx temp dir"))
	}
	cp, err := LoadCheckpoint(CheckpointPath(s.cfg.RunDir))
	if err != nil {
		return errors.Fatal(err)
	}
	s.cp = cp
	s.log.Infow("Influx sink ready",
		logger.FieldPath, cp.Path(),
		"database", s.cfg.Database,
		"retention_policy", s.cfg.RetentionPolicy,
		logger.FieldSymbol, sym.Open,
	)
	return nil
}

// Step writes the project sections and new probe rows, then ships pending
// images. It returns true once the run is over and nothing is left to
// write or transfer.
func (s *Sink) Step(ctx context.Context) (bool, error) {
	if s.finished {
		return true, nil
	}
	start := s.clock.Now()

	if !s.ensured {
		if err := EnsureDatabase(s.cfg.Writer, s.cfg.Database, s.cfg.RetentionPolicy); err != nil {
			return false, err
		}
		s.ensured = true
	}

	sum, err := s.cfg.Summary.Summary(ctx)
	if err != nil {
		return false, errors.Wrap(err, "refresh summary")
	}
	if err := s.writeProject(sum); err != nil {
		return false, err
	}

	backlog := false
	for _, sec := range s.sections {
		more, err := s.writeRows(ctx, sec)
		if err != nil {
			return false, err
		}
		backlog = backlog || more
	}

	pending, err := s.transfer(ctx, start)
	if err != nil {
		return false, err
	}

	done := s.sourcesDone(sum) && !backlog && !pending
	if done {
		s.finished = true
		s.log.Infow("Influx sink finished", logger.FieldSymbol, sym.Close)
	}
	return done, nil
}

// writeProject writes the one-shot properties and acquisition points and a
// summary point per tick.
func (s *Sink) writeProject(sum report.Summary) error {
	now := s.clock.Now()
	var points []*client.Point

	if !s.cp.Sent(SectionProperties) {
		hostname, _ := os.Hostname()
		p, err := Point(s.cfg.Project, SectionProperties, 0, map[string]interface{}{
			"project":  s.cfg.Project,
			"run_dir":  s.cfg.RunDir,
			"hostname": hostname,
			"tz":       s.cfg.TZ,
			"start":    now.UTC().Format(time.RFC3339),
		}, now.Add(s.cfg.TimeDelta))
		if err != nil {
			return err
		}
		points = append(points, p)
	}

	if !s.cp.Sent(SectionAcquisition) && len(sum.Acquisition) > 0 {
		p, err := Point(s.cfg.Project, SectionAcquisition, 0, lineFields(sum.Acquisition), now.Add(s.cfg.TimeDelta))
		if err != nil {
			return err
		}
		points = append(points, p)
	}

	seq := s.cp.LastID(SectionSummary) + 1
	p, err := Point(s.cfg.Project, SectionSummary, seq, summaryFields(sum), now.Add(s.cfg.TimeDelta))
	if err != nil {
		return err
	}
	points = append(points, p)

	if err := s.write(points); err != nil {
		return err
	}
	for _, pt := range points {
		if sec := pt.Tags()["section"]; sec != SectionSummary {
			s.cp.MarkSent(sec)
		}
	}
	s.cp.SetLastID(SectionSummary, seq)
	return s.cp.Save()
}

// writeRows writes up to BatchLimit rows past the checkpoint and reports
// whether more are waiting.
func (s *Sink) writeRows(ctx context.Context, sec *section) (bool, error) {
	if sec.log == nil {
		l, err := probe.OpenLog(probe.LogPath(report.LogDir(s.cfg.RunDir, s.cfg.LogDirs, sec.table), sec.table), sec.table, s.log)
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		sec.log = l
	}

	rows, err := sec.log.Since(ctx, s.cp.LastID(sec.table), BatchLimit)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	points := make([]*client.Point, 0, len(rows))
	for _, r := range rows {
		p, err := Point(s.cfg.Project, sec.table, r.ID, rowFields(r), r.Timestamp.Add(s.cfg.TimeDelta))
		if err != nil {
			return false, err
		}
		points = append(points, p)
	}
	if err := s.write(points); err != nil {
		return false, err
	}

	last := rows[len(rows)-1].ID
	s.cp.SetLastID(sec.table, last)
	if err := s.cp.Save(); err != nil {
		return false, err
	}
	s.log.Debugw("Rows written", logger.FieldProbe, sec.table, logger.FieldCount, len(rows), "last_id", last)
	return len(rows) == BatchLimit, nil
}

func (s *Sink) write(points []*client.Point) error {
	if len(points) == 0 {
		return nil
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:        s.cfg.Database,
		RetentionPolicy: s.cfg.RetentionPolicy,
		Precision:       "ms",
	})
	if err != nil {
		return errors.Wrap(err, "create batch")
	}
	bp.AddPoints(points)
	err = s.cfg.Writer.Write(bp)
	s.cfg.Metrics.Publish("influx", err)
	return errors.Wrapf(err, "write %d points", len(points))
}

// transfer ships up to TransferPerTick rows with images. It reports
// whether rows remain, and stops early once the tick has used its
// interval.
func (s *Sink) transfer(ctx context.Context, start time.Time) (bool, error) {
	if s.cfg.Transport == nil {
		return false, nil
	}
	budget := s.cfg.TransferPerTick
	pending := false
	for _, sec := range s.sections {
		if sec.log == nil || len(sec.images) == 0 {
			continue
		}
		rows, err := sec.log.Untransferred(ctx, budget+1)
		if err != nil {
			return false, err
		}
		if len(rows) > budget {
			pending = true
			rows = rows[:budget]
		}
		for _, r := range rows {
			if s.overrun(start) {
				s.log.Debugw("Transfer pass out of time", logger.FieldProbe, sec.table)
				return true, nil
			}
			if err := s.ship(ctx, sec, r); err != nil {
				s.cfg.Metrics.Publish("sftp", err)
				s.log.Warnw("Image transfer failed, retrying next tick",
					logger.FieldProbe, sec.table,
					logger.FieldItemID, r.ItemID,
					logger.FieldError, err,
				)
				return true, nil
			}
			s.cfg.Metrics.Publish("sftp", nil)
			if err := sec.log.MarkTransferred(ctx, r.ID); err != nil {
				return false, err
			}
			budget--
		}
	}
	return pending, nil
}

func (s *Sink) overrun(start time.Time) bool {
	return s.cfg.Interval > 0 && s.clock.Now().Sub(start) > s.cfg.Interval
}

// ship renders every image of r and uploads it. Images that cannot be
// rendered are logged and skipped so a bad file does not block the queue.
func (s *Sink) ship(ctx context.Context, sec *section, r probe.Row) error {
	for _, col := range sec.images {
		src := r.Path(col)
		if src == "" {
			continue
		}
		name := thumb.PNGName(src)
		local := filepath.Join(s.tmp, name)
		if err := thumb.Render(src, local, s.cfg.ThumbMaxSide); err != nil {
			s.log.Warnw("Skipping image that cannot be rendered", logger.FieldPath, src, logger.FieldError, err)
			continue
		}
		err := s.cfg.Transport.Upload(ctx, local, name)
		os.Remove(local)
		if err != nil {
			return err
		}
		s.log.Debugw("Image uploaded", logger.FieldItemID, r.ItemID, logger.FieldPath, name)
	}
	return nil
}

func (s *Sink) sourcesDone(sum report.Summary) bool {
	if s.cfg.System != nil {
		return s.cfg.System.Done()
	}
	for _, o := range sum.Outputs {
		if host.Status(o.Status).Active() {
			return false
		}
	}
	return true
}

// Close releases the probe logs and the transport.
func (s *Sink) Close() error {
	var first error
	for _, sec := range s.sections {
		if sec.log != nil {
			if err := sec.log.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := s.cfg.Writer.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// rowFields flattens a probe row into point fields.
func rowFields(r probe.Row) map[string]interface{} {
	f := make(map[string]interface{}, len(r.Values)+len(r.Paths)+1)
	f["item_id"] = r.ItemID
	for k, v := range r.Values {
		f[k] = v
	}
	for k, v := range r.Paths {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

// lineFields turns dashboard lines into fields, numeric where possible.
func lineFields(lines []report.Line) map[string]interface{} {
	f := make(map[string]interface{}, len(lines))
	for _, l := range lines {
		if v, err := strconv.ParseFloat(l.Value, 64); err == nil {
			f[l.Name] = v
			continue
		}
		f[l.Name] = l.Value
	}
	return f
}

// summaryFields records each output's size and each protocol's status.
func summaryFields(sum report.Summary) map[string]interface{} {
	f := map[string]interface{}{}
	outputs := 0
	for _, o := range sum.Outputs {
		f[o.Protocol+".status"] = o.Status
		if o.Output != "" {
			f[o.Protocol+"."+o.Output] = o.Size
			outputs++
		}
	}
	f["outputs"] = outputs
	return f
}
