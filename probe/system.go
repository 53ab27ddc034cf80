package probe

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

// Usage is one sample of host utilisation, in percent.
type Usage struct {
	CPU  float64
	Mem  float64
	Swap float64
	Disk float64
}

// Sampler reads host utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler samples the local machine. DiskPath, when set, adds the usage
// of the filesystem holding it (normally the project directory).
type HostSampler struct {
	DiskPath string
}

func (h HostSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, errors.Wrap(err, "failed to get cpu usage")
	}
	if len(pct) > 0 {
		u.CPU = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, errors.Wrap(err, "failed to get memory stats")
	}
	u.Mem = vm.UsedPercent
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return u, errors.Wrap(err, "failed to get swap stats")
	}
	u.Swap = sw.UsedPercent
	if h.DiskPath != "" {
		du, err := disk.UsageWithContext(ctx, h.DiskPath)
		if err != nil {
			return u, errors.Wrapf(err, "failed to get disk usage of %s", h.DiskPath)
		}
		u.Disk = du.UsedPercent
	}
	return u, nil
}

// SystemThresholds are high-water marks in percent. Zero disables a mark.
type SystemThresholds struct {
	CPU  float64
	Mem  float64
	Swap float64
	Disk float64
}

// SystemProbe samples host utilisation once per tick. Rows are keyed by the
// sample sequence number. It finishes when every watched protocol is done;
// with nothing to watch it runs until the loop's monitor time.
type SystemProbe struct {
	*base
	sampler Sampler
	th      SystemThresholds
	watched []host.Protocol
	seq     int64
	above   map[string]bool
	done    bool
}

// NewSystem creates the system probe.
func NewSystem(p Params, sampler Sampler, th SystemThresholds, watched ...host.Protocol) (*SystemProbe, error) {
	for name, v := range map[string]float64{"cpu_limit": th.CPU, "mem_limit": th.Mem, "swap_limit": th.Swap, "disk_limit": th.Disk} {
		if v < 0 || v > 100 {
			return nil, errors.NewInvalidParameter(name, "must be a percentage in [0, 100], got %g", v)
		}
	}
	if sampler == nil {
		sampler = HostSampler{DiskPath: p.RunDir}
	}
	b, err := newBase(p, TableSystem)
	if err != nil {
		return nil, err
	}
	return &SystemProbe{base: b, sampler: sampler, th: th, watched: watched, above: map[string]bool{}}, nil
}

func (s *SystemProbe) InitLoop(ctx context.Context) error {
	return s.open()
}

// Done reports whether every watched protocol has finished.
func (s *SystemProbe) Done() bool { return s.done }

func (s *SystemProbe) Step(ctx context.Context) (bool, error) {
	if s.done {
		return true, nil
	}
	u, err := s.sampler.Sample(ctx)
	if err != nil {
		return false, err
	}

	s.seq++
	rec := Record{Values: map[string]float64{"cpu": u.CPU, "mem": u.Mem, "swap": u.Swap, "disk": u.Disk}}
	if err := s.write(ctx, s.seq, rec); err != nil {
		s.seq--
		return false, err
	}

	// a mark alarms once when crossed, again only after dropping below it
	var alarms []host.Alarm
	for _, m := range []struct {
		name     string
		v, limit float64
	}{{"cpu", u.CPU, s.th.CPU}, {"mem", u.Mem, s.th.Mem}, {"swap", u.Swap, s.th.Swap}, {"disk", u.Disk, s.th.Disk}} {
		crossed := overMax(m.name, m.v, m.limit)
		if len(crossed) > 0 && !s.above[m.name] {
			crossed[0].ItemID = s.seq
			alarms = append(alarms, crossed...)
		}
		s.above[m.name] = len(crossed) > 0
	}
	s.raise(ctx, alarms)

	if len(s.watched) == 0 {
		return false, nil
	}
	for _, p := range s.watched {
		st, err := p.Status()
		if err != nil {
			return false, errors.Wrapf(err, "status of %s", p.Name())
		}
		if st.Active() {
			return false, nil
		}
	}
	s.done = true
	s.log.Infow("Watched protocols finished", logger.FieldCount, len(s.watched), logger.FieldSymbol, sym.Close)
	return true, nil
}
