// Package metric holds the per-node Prometheus counters and exports them to
// a node_exporter textfile (<run>/metrics.prom). A nil *Node is valid and
// records nothing, so components take one optionally.
package metric

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emfacilities/emfac/errors"
)

const namespace = "emfac"

// Node is the metric set of one running node.
type Node struct {
	registry *prometheus.Registry

	Ticks      prometheus.Counter
	StepErrors prometheus.Counter
	Emitted    prometheus.Counter
	Seals      prometheus.Counter
	Rows       *prometheus.CounterVec
	Alarms     *prometheus.CounterVec
	Published  *prometheus.CounterVec
	Thumbnails *prometheus.GaugeVec
}

// NewNode creates the metric set for node.
func NewNode(node string) *Node {
	labels := prometheus.Labels{"node": node}
	n := &Node{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Polling loop iterations", ConstLabels: labels,
		}),
		StepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_errors_total",
			Help: "Steps that returned an error", ConstLabels: labels,
		}),
		Emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "emitted_items_total",
			Help: "Items appended to output sets", ConstLabels: labels,
		}),
		Seals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "seals_total",
			Help: "Batches sealed and launched downstream", ConstLabels: labels,
		}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_rows_total",
			Help: "Metric rows written by probes", ConstLabels: labels,
		}, []string{"probe"}),
		Alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarms_total",
			Help: "Threshold alarms raised", ConstLabels: labels,
		}, []string{"probe", "metric"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_total",
			Help: "Report or point publications", ConstLabels: labels,
		}, []string{"target", "status"}),
		Thumbnails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "thumbnails",
			Help: "Thumbnail registry entries by state", ConstLabels: labels,
		}, []string{"state"}),
	}
	n.registry.MustRegister(n.Ticks, n.StepErrors, n.Emitted, n.Seals, n.Rows, n.Alarms, n.Published, n.Thumbnails)
	return n
}

// Registry returns the underlying Prometheus registry.
func (n *Node) Registry() *prometheus.Registry {
	if n == nil {
		return nil
	}
	return n.registry
}

// Tick records one loop iteration; it matches loop.Config.OnTick.
func (n *Node) Tick(_ bool, err error) {
	if n == nil {
		return
	}
	n.Ticks.Inc()
	if err != nil {
		n.StepErrors.Inc()
	}
}

func (n *Node) AddEmitted(count int) {
	if n == nil || count <= 0 {
		return
	}
	n.Emitted.Add(float64(count))
}

func (n *Node) Seal() {
	if n == nil {
		return
	}
	n.Seals.Inc()
}

func (n *Node) AddRows(probe string, count int) {
	if n == nil || count <= 0 {
		return
	}
	n.Rows.WithLabelValues(probe).Add(float64(count))
}

func (n *Node) Alarm(probe, metric string) {
	if n == nil {
		return
	}
	n.Alarms.WithLabelValues(probe, metric).Inc()
}

func (n *Node) Publish(target string, err error) {
	if n == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	n.Published.WithLabelValues(target, status).Inc()
}

func (n *Node) SetThumbnails(state string, count int) {
	if n == nil {
		return
	}
	n.Thumbnails.WithLabelValues(state).Set(float64(count))
}

// WriteTextfile writes the current values in the text exposition format.
// The file is replaced atomically.
func (n *Node) WriteTextfile(path string) error {
	if n == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "create metrics dir for %s", path)
	}
	return errors.Wrapf(prometheus.WriteToTextfile(path, n.registry), "write metrics textfile %s", path)
}
