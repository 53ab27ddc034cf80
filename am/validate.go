package am

import (
	"strings"

	"github.com/emfacilities/emfac/errors"
)

// MinDelay is the lower bound (exclusive) of run.delay in seconds.
const MinDelay = 2.0

// Node kinds accepted by ValidateNode.
const (
	NodeCounter     = "counter"
	NodeSampler     = "sampler"
	NodeLauncher    = "launcher"
	NodeProbeCTF    = "probe-ctf"
	NodeProbeGain   = "probe-gain"
	NodeProbeSystem = "probe-system"
	NodeReport      = "report"
	NodeInflux      = "influx"
)

// Validate checks the rules that hold regardless of the node being run.
func (c *Config) Validate() error {
	if c.Run.Delay <= MinDelay {
		return errors.NewInvalidParameter("run.delay", "must be > %g seconds, got %g", MinDelay, c.Run.Delay)
	}
	if c.Counter.OutputSize < 0 {
		return errors.NewInvalidParameter("counter.output_size", "must be > 0, got %d", c.Counter.OutputSize)
	}
	if _, err := ParseTimeout(c.Counter.Timeout); err != nil {
		return err
	}
	if !(c.Sampler.Proportion > 0 && c.Sampler.Proportion <= 1) {
		return errors.NewInvalidParameter("sampler.proportion", "must be in (0, 1], got %g", c.Sampler.Proportion)
	}
	if c.Launcher.StartingOffset < 0 {
		return errors.NewInvalidParameter("launcher.starting_offset", "must be >= 0, got %d", c.Launcher.StartingOffset)
	}
	switch strings.ToUpper(c.Launcher.Cap) {
	case "", "NONE", "MAX_JOBS", "MAX_ITEMS":
	default:
		return errors.NewInvalidParameter("launcher.cap", "must be NONE, MAX_JOBS or MAX_ITEMS, got %q", c.Launcher.Cap)
	}
	for name, pct := range map[string]float64{
		"probe.system.cpu":  c.Probe.System.CPU,
		"probe.system.mem":  c.Probe.System.Mem,
		"probe.system.swap": c.Probe.System.Swap,
		"probe.system.disk": c.Probe.System.Disk,
	} {
		if pct < 0 || pct > 100 {
			return errors.NewInvalidParameter(name, "must be a percentage in [0, 100], got %g", pct)
		}
	}
	if c.Report.RefreshSeconds < 0 {
		return errors.NewInvalidParameter("report.refresh_seconds", "must be >= 0, got %d", c.Report.RefreshSeconds)
	}
	if c.Report.PublishMinIntervalSeconds < 0 {
		return errors.NewInvalidParameter("report.publish_min_interval_seconds", "must be >= 0, got %d", c.Report.PublishMinIntervalSeconds)
	}
	if c.Influx.TransferPerTick < 0 {
		return errors.NewInvalidParameter("influx.transfer_per_tick", "must be >= 0, got %d", c.Influx.TransferPerTick)
	}
	return nil
}

// ValidateNode runs Validate and then the rules of the node kind.
func (c *Config) ValidateNode(kind string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Run.Dir == "" {
		return errors.NewInvalidParameter("run.dir", "a run directory is required")
	}

	switch kind {
	case NodeCounter:
		if c.Counter.OutputSize <= 0 {
			return errors.NewInvalidParameter("counter.output_size", "must be > 0, got %d", c.Counter.OutputSize)
		}
	case NodeSampler:
		if c.Sampler.BatchSize <= 0 {
			return errors.NewInvalidParameter("sampler.batch_size", "must be > 0, got %d", c.Sampler.BatchSize)
		}
	case NodeLauncher:
		if c.Launcher.BatchSize <= 0 {
			return errors.NewInvalidParameter("launcher.batch_size", "must be > 0, got %d", c.Launcher.BatchSize)
		}
		if up := strings.ToUpper(c.Launcher.Cap); up != "" && up != "NONE" && c.Launcher.CapLimit <= 0 {
			return errors.NewInvalidParameter("launcher.cap_limit", "%s needs a limit > 0, got %d", up, c.Launcher.CapLimit)
		}
	case NodeReport:
		if c.Report.Project == "" {
			return errors.NewInvalidParameter("report.project", "project name is required")
		}
	case NodeInflux:
		if c.Influx.Project == "" && c.Report.Project == "" {
			return errors.NewInvalidParameter("influx.project", "project name is required")
		}
	case NodeProbeCTF, NodeProbeGain, NodeProbeSystem:
	default:
		return errors.NewInvalidParameter("node", "unknown node kind %q", kind)
	}

	switch kind {
	case NodeCounter, NodeSampler, NodeLauncher:
		if c.Run.Input == "" {
			return errors.NewInvalidParameter("run.input", "%s needs an upstream set", kind)
		}
	case NodeProbeCTF, NodeProbeGain:
		if c.Run.Producer == "" {
			return errors.NewInvalidParameter("run.producer", "%s needs a producer protocol", kind)
		}
	}
	return nil
}
