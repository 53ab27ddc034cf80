package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

// Alarm is a non-fatal threshold breach raised by a probe.
type Alarm struct {
	Probe     string
	Metric    string
	ItemID    int64
	Value     float64
	Threshold float64
	Message   string
	Time      time.Time
}

func (a Alarm) String() string {
	if a.Message != "" {
		return a.Message
	}
	return fmt.Sprintf("%s: %s=%g crosses %g (item %d)", a.Probe, a.Metric, a.Value, a.Threshold, a.ItemID)
}

// Notifier delivers alarms. Delivery failures are logged by the caller and
// never stop a node.
type Notifier interface {
	Notify(ctx context.Context, a Alarm) error
}

// LogNotifier writes alarms to the node log at warn level.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: logger.OrNop(log).Named("alarm")}
}

func (n *LogNotifier) Notify(_ context.Context, a Alarm) error {
	n.log.Warnw(a.String(),
		logger.FieldProbe, a.Probe,
		logger.FieldMetric, a.Metric,
		logger.FieldItemID, a.ItemID,
		logger.FieldValue, a.Value,
		logger.FieldThreshold, a.Threshold,
		logger.FieldSymbol, sym.Alarm,
	)
	return nil
}

// Recorder keeps every alarm in memory, optionally forwarding to Next.
type Recorder struct {
	Next Notifier

	mu     sync.Mutex
	alarms []Alarm
}

func (r *Recorder) Notify(ctx context.Context, a Alarm) error {
	r.mu.Lock()
	r.alarms = append(r.alarms, a)
	r.mu.Unlock()
	if r.Next != nil {
		return r.Next.Notify(ctx, a)
	}
	return nil
}

// Alarms returns a copy of the recorded alarms.
func (r *Recorder) Alarms() []Alarm {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alarm(nil), r.alarms...)
}
