// Package probe implements the metric probes of the facility report: each
// probe polls one upstream producer, appends one row per new item to
// <run>/extra/<probe>_log.sqlite and raises threshold alarms through the
// notifier. Alarms never stop a probe; a probe finishes when its producer
// leaves RUNNING.
package probe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/metric"
	"github.com/emfacilities/emfac/stream"
	"github.com/emfacilities/emfac/sym"
)

// Params are shared by every probe.
type Params struct {
	RunDir string
	// Notifier receives threshold alarms. Defaults to a host.LogNotifier.
	Notifier host.Notifier

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metric.Node
}

type base struct {
	table    string
	runDir   string
	notifier host.Notifier
	clock    clock.Clock
	log      *zap.SugaredLogger
	metrics  *metric.Node
	out      *Log
}

func newBase(p Params, table string) (*base, error) {
	if p.RunDir == "" {
		return nil, errors.NewInvalidParameter("run_dir", "probe %s needs a run directory", table)
	}
	l := logger.WithSymbol(logger.OrNop(p.Logger).Named("probe."+table), sym.Probe).With(logger.FieldProbe, table)
	n := p.Notifier
	if n == nil {
		n = host.NewLogNotifier(l)
	}
	return &base{
		table:    table,
		runDir:   p.RunDir,
		notifier: n,
		clock:    clock.OrReal(p.Clock),
		log:      l,
		metrics:  p.Metrics,
	}, nil
}

// open recreates the probe log on the first tick.
func (b *base) open() error {
	if b.out != nil {
		return nil
	}
	out, err := CreateLog(LogPath(b.runDir, b.table), b.table, b.log)
	if err != nil {
		return errors.Fatal(err)
	}
	b.out = out
	b.log.Infow("Probe log created", logger.FieldPath, out.Path(), logger.FieldSymbol, sym.Open)
	return nil
}

func (b *base) write(ctx context.Context, itemID int64, rec Record) error {
	id, inserted, err := b.out.Insert(ctx, b.clock.Now(), itemID, rec)
	if err != nil {
		return err
	}
	if inserted {
		b.metrics.AddRows(b.table, 1)
		b.log.Debugw("Row appended", "row", id, logger.FieldItemID, itemID)
	}
	return nil
}

// raise delivers alarms. A failed delivery is logged and dropped.
func (b *base) raise(ctx context.Context, alarms []host.Alarm) {
	for _, a := range alarms {
		a.Probe = b.table
		if a.Time.IsZero() {
			a.Time = b.clock.Now()
		}
		b.metrics.Alarm(b.table, a.Metric)
		if err := b.notifier.Notify(ctx, a); err != nil {
			b.log.Warnw("Failed to deliver alarm", logger.FieldMetric, a.Metric, logger.FieldError, err)
		}
	}
}

// Log returns the probe log once the loop has started.
func (b *base) Log() *Log { return b.out }

// Close releases the probe log.
func (b *base) Close() error {
	if b.out == nil {
		return nil
	}
	return b.out.Close()
}

// extractor turns one upstream item into a row and its alarms.
type extractor func(it stream.Item) (Record, []host.Alarm, []string, error)

// ItemProbe ingests every item of one producer output.
type ItemProbe struct {
	*base
	producer host.Protocol
	kind     stream.Kind
	extract  extractor
	ingested stream.IDSet
	done     bool
}

func newItemProbe(p Params, table string, producer host.Protocol, kind stream.Kind, fn extractor) (*ItemProbe, error) {
	if producer == nil {
		return nil, errors.NewInvalidParameter("producer", "probe %s needs a producer protocol", table)
	}
	b, err := newBase(p, table)
	if err != nil {
		return nil, err
	}
	b.log = b.log.With("producer", producer.Name())
	return &ItemProbe{base: b, producer: producer, kind: kind, extract: fn, ingested: stream.NewIDSet()}, nil
}

func (p *ItemProbe) InitLoop(ctx context.Context) error {
	return p.open()
}

// Done reports whether the producer has finished and every item was ingested.
func (p *ItemProbe) Done() bool { return p.done }

func (p *ItemProbe) Step(ctx context.Context) (bool, error) {
	if p.done {
		return true, nil
	}
	// status first, so a producer that stops between the two reads has its
	// last items ingested on this tick
	st, err := p.producer.Status()
	if err != nil {
		return false, errors.Wrapf(err, "status of %s", p.producer.Name())
	}

	in, err := host.OutputOfKind(p.producer, p.kind)
	switch {
	case errors.IsNotFoundError(err):
		if !st.Active() {
			return p.finish(st), nil
		}
		return false, nil
	case err != nil:
		return false, err
	}

	if err := p.ingest(ctx, in); err != nil {
		return false, err
	}
	if !st.Active() {
		return p.finish(st), nil
	}
	return false, nil
}

func (p *ItemProbe) ingest(ctx context.Context, in stream.Reader) error {
	ids, err := in.IDs()
	if err != nil {
		return errors.Wrapf(err, "read %s ids", in.Name())
	}
	newIDs := p.ingested.Difference(ids)
	for _, id := range newIDs {
		it, err := in.Get(id)
		if err != nil {
			return errors.Wrapf(err, "read item %d", id)
		}
		rec, alarms, anomalies, err := p.extract(it)
		if err != nil {
			return errors.Fatal(err)
		}
		for _, a := range anomalies {
			p.log.Warnw("Numeric anomaly normalised", logger.FieldItemID, id, "anomaly", a)
		}
		if err := p.write(ctx, id, rec); err != nil {
			return err
		}
		p.ingested.Add(id)
		for i := range alarms {
			alarms[i].ItemID = id
		}
		p.raise(ctx, alarms)
	}
	if len(newIDs) > 0 {
		p.log.Infow(fmt.Sprintf("Ingested %d items", len(newIDs)),
			logger.FieldCount, len(newIDs),
			logger.FieldSize, len(p.ingested),
		)
	}
	return nil
}

func (p *ItemProbe) finish(st host.Status) bool {
	p.done = true
	p.log.Infow("Producer left RUNNING", logger.FieldState, string(st), logger.FieldCount, len(p.ingested), logger.FieldSymbol, sym.Close)
	return true
}

// overMax and underMin treat a limit <= 0 as unset.
func overMax(name string, v, limit float64) []host.Alarm {
	if limit <= 0 || v <= limit {
		return nil
	}
	return []host.Alarm{{Metric: name, Value: v, Threshold: limit}}
}

func underMin(name string, v, limit float64) []host.Alarm {
	if limit <= 0 || v >= limit {
		return nil
	}
	return []host.Alarm{{Metric: name, Value: v, Threshold: limit}}
}
