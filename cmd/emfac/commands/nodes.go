package commands

import (
	"path/filepath"
	"time"

	"github.com/emfacilities/emfac/am"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/influx"
	"github.com/emfacilities/emfac/probe"
	"github.com/emfacilities/emfac/report"
	"github.com/emfacilities/emfac/stream"
	"github.com/emfacilities/emfac/subset"
	"github.com/emfacilities/emfac/sym"
)

// JobsFile is the default job store of the batch launcher.
const JobsFile = "jobs.sqlite"

var nodeKinds = []nodeKind{
	{am.NodeCounter, sym.Subset, "Pass the first output_size upstream items downstream", buildCounter},
	{am.NodeSampler, sym.Subset, "Pass a random proportion of every upstream batch downstream", buildSampler},
	{am.NodeLauncher, sym.Seal, "Seal upstream batches and launch a downstream job per batch", buildLauncher},
	{am.NodeProbeCTF, sym.Probe, "Log CTF estimates and raise defocus/resolution alarms", buildProbeCTF},
	{am.NodeProbeGain, sym.Probe, "Log residual gain statistics and raise alarms", buildProbeGain},
	{am.NodeProbeSystem, sym.Probe, "Sample CPU, memory, swap and disk usage", buildProbeSystem},
	{am.NodeReport, sym.Report, "Render and publish the facility dashboard", buildReport},
	{am.NodeInflux, sym.Influx, "Ship probe rows to InfluxDB and thumbnails over SFTP", buildInflux},
}

// upstream opens run.input and, when configured, the producer protocol.
func upstream(env *nodeEnv, b *builtNode) (stream.Reader, host.Protocol, error) {
	in, err := stream.OpenSQLite(env.cfg.Run.Input, "", stream.ModeRead, env.log)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open input set %s", env.cfg.Run.Input)
	}
	b.hold(in)
	b.watch = append(b.watch, env.cfg.Run.Input)

	if env.cfg.Run.Producer == "" {
		return in, nil, nil
	}
	return in, producer(env, b, env.cfg.Run.Producer), nil
}

func producer(env *nodeEnv, b *builtNode, dir string) *host.DirProtocol {
	p := host.NewDirProtocol(dir, env.log)
	b.hold(closerFunc(p.Release))
	b.watch = append(b.watch, filepath.Join(dir, host.StatusFile))
	return p
}

func protocols(env *nodeEnv, b *builtNode, dirs []string) []host.Protocol {
	out := make([]host.Protocol, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, producer(env, b, d))
	}
	return out
}

func (e *nodeEnv) subsetParams(in stream.Reader, p host.Protocol) subset.Params {
	return subset.Params{
		Name:     e.name,
		RunDir:   e.cfg.Run.Dir,
		Input:    in,
		Producer: p,
		Resume:   e.cfg.Run.Resume,
		Logger:   e.log,
		Metrics:  e.metrics,
	}
}

func (e *nodeEnv) probeParams() probe.Params {
	return probe.Params{
		RunDir:   e.cfg.Run.Dir,
		Notifier: host.NewLogNotifier(e.log),
		Logger:   e.log,
		Metrics:  e.metrics,
	}
}

func buildCounter(env *nodeEnv, b *builtNode) error {
	timeout, err := am.ParseTimeout(env.cfg.Counter.Timeout)
	if err != nil {
		return err
	}
	in, p, err := upstream(env, b)
	if err != nil {
		return err
	}
	c, err := subset.NewCounter(env.subsetParams(in, p), subset.CounterConfig{
		OutputSize: env.cfg.Counter.OutputSize,
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}
	b.hold(c)
	b.stepper = c
	return nil
}

func buildSampler(env *nodeEnv, b *builtNode) error {
	in, p, err := upstream(env, b)
	if err != nil {
		return err
	}
	s, err := subset.NewSampler(env.subsetParams(in, p), subset.SamplerConfig{
		BatchSize:  env.cfg.Sampler.BatchSize,
		Proportion: env.cfg.Sampler.Proportion,
		Seed:       env.cfg.Sampler.Seed,
	})
	if err != nil {
		return err
	}
	env.log.Infow("Sampler seeded", "seed", s.Seed())
	b.hold(s)
	b.stepper = s
	return nil
}

func buildLauncher(env *nodeEnv, b *builtNode) error {
	c := env.cfg.Launcher
	capPolicy, err := subset.ParseCapPolicy(c.Cap)
	if err != nil {
		return err
	}
	in, p, err := upstream(env, b)
	if err != nil {
		return err
	}

	var launcher host.Launcher
	if c.Template != "" {
		path := c.JobsDB
		if path == "" {
			path = filepath.Join(env.cfg.Run.Dir, JobsFile)
		}
		jobs, err := host.OpenJobStore(path, nil, env.log)
		if err != nil {
			return err
		}
		b.hold(jobs)
		launcher = jobs
	}

	l, err := subset.NewBatchLauncher(env.subsetParams(in, p), subset.LauncherConfig{
		BatchSize:      c.BatchSize,
		StartingOffset: c.StartingOffset,
		Cumulative:     c.Cumulative,
		Cap:            capPolicy,
		CapLimit:       c.CapLimit,
		Template:       c.Template,
		Launcher:       launcher,
	})
	if err != nil {
		return err
	}
	b.hold(l)
	b.stepper = l
	return nil
}

func buildProbeCTF(env *nodeEnv, b *builtNode) error {
	th := env.cfg.Probe.CTF
	pr, err := probe.NewCTF(env.probeParams(), producer(env, b, env.cfg.Run.Producer), probe.CTFThresholds{
		MaxDefocus:     th.MaxDefocus,
		MinDefocus:     th.MinDefocus,
		MaxAstigmatism: th.MaxAstigmatism,
		MaxResolution:  th.MaxResolution,
	})
	if err != nil {
		return err
	}
	b.hold(pr)
	b.stepper = pr
	return nil
}

func buildProbeGain(env *nodeEnv, b *builtNode) error {
	th := env.cfg.Probe.Gain
	pr, err := probe.NewGain(env.probeParams(), producer(env, b, env.cfg.Run.Producer), probe.GainThresholds{
		MaxStdDev: th.MaxStdDev,
		MaxRatio1: th.MaxRatio1,
		MaxRatio2: th.MaxRatio2,
	})
	if err != nil {
		return err
	}
	b.hold(pr)
	b.stepper = pr
	return nil
}

func buildProbeSystem(env *nodeEnv, b *builtNode) error {
	c := env.cfg.Probe.System
	sampler := probe.HostSampler{DiskPath: c.DiskPath}
	if sampler.DiskPath == "" {
		sampler.DiskPath = env.cfg.Run.Dir
	}
	pr, err := probe.NewSystem(env.probeParams(), sampler, probe.SystemThresholds{
		CPU:  c.CPU,
		Mem:  c.Mem,
		Swap: c.Swap,
		Disk: c.Disk,
	}, protocols(env, b, c.Watch)...)
	if err != nil {
		return err
	}
	b.hold(pr)
	b.stepper = pr
	return nil
}

func buildReport(env *nodeEnv, b *builtNode) error {
	c := env.cfg.Report
	pub, err := publisher(env, c)
	if err != nil {
		return err
	}
	a, err := report.New(report.Config{
		Project:            c.Project,
		RunDir:             env.cfg.Run.Dir,
		Interval:           env.interval(),
		RefreshSeconds:     c.RefreshSeconds,
		BinWidth:           c.BinWidth,
		ThumbMaxSide:       c.ThumbMaxSide,
		Summary:            report.ProtocolSummary{Protocols: protocols(env, b, c.Watch)},
		System:             systemNode(env, b),
		LogDirs:            logDirs(c),
		Publisher:          pub,
		PublishMinInterval: secondsDuration(c.PublishMinIntervalSeconds),
		Logger:             env.log,
		Metrics:            env.metrics,
	})
	if err != nil {
		return err
	}
	b.hold(a)
	b.stepper = a
	return nil
}

// systemNode observes the system probe node named by report.system_dir;
// nil leaves completion to the watched protocols.
func systemNode(env *nodeEnv, b *builtNode) report.Doner {
	if env.cfg.Report.SystemDir == "" {
		return nil
	}
	return producer(env, b, env.cfg.Report.SystemDir)
}

func logDirs(c am.ReportConfig) map[string]string {
	return map[string]string{
		probe.TableCTF:    c.CTFDir,
		probe.TableGain:   c.GainDir,
		probe.TableSystem: c.SystemDir,
	}
}

// publisher picks the object store when an endpoint is configured, then
// the publish command; with neither the report is only rendered.
func publisher(env *nodeEnv, c am.ReportConfig) (report.Publisher, error) {
	if o := c.ObjectStore; o.Endpoint != "" {
		p, err := report.NewObjectStorePublisher(report.ObjectStoreConfig{
			Endpoint:  o.Endpoint,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			Bucket:    o.Bucket,
			Prefix:    o.Prefix,
			Region:    o.Region,
			UseSSL:    o.UseSSL,
		}, env.log)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if c.PublishCmd != "" {
		p, err := report.NewCommandPublisher(c.PublishCmd, nil, env.log)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}

func secondsDuration(s int) time.Duration { return time.Duration(s) * time.Second }

func buildInflux(env *nodeEnv, b *builtNode) error {
	c := env.cfg.Influx
	project := c.Project
	if project == "" {
		project = env.cfg.Report.Project
	}
	secrets, err := am.LoadSecrets(am.SecretsPath())
	if err != nil {
		return errors.Wrap(err, "influx sink needs the secrets file")
	}
	loc, err := am.Location(secrets.Influx.TZ)
	if err != nil {
		return err
	}

	w, err := influx.Dial(secrets.Influx)
	if err != nil {
		return err
	}
	var transport influx.Transport
	if secrets.SFTP.Host != "" {
		t, err := influx.NewSFTPTransport(secrets.SFTP, project, env.log)
		if err != nil {
			w.Close()
			return err
		}
		transport = t
	} else {
		env.log.Warnw("No [sftp] section in the secrets file, images are not transferred")
	}

	s, err := influx.New(influx.Config{
		Project:         project,
		RunDir:          env.cfg.Run.Dir,
		Database:        secrets.Influx.DB,
		RetentionPolicy: c.RetentionPolicy,
		Interval:        env.interval(),
		TransferPerTick: c.TransferPerTick,
		ThumbMaxSide:    c.ThumbMaxSide,
		TimeDelta:       secrets.Influx.TimeDelta,
		TZ:              loc.String(),
		Writer:          w,
		Transport:       transport,
		Summary:         report.ProtocolSummary{Protocols: protocols(env, b, env.cfg.Report.Watch)},
		System:          systemNode(env, b),
		LogDirs:         logDirs(env.cfg.Report),
		Logger:          env.log,
		Metrics:         env.metrics,
	})
	if err != nil {
		w.Close()
		return err
	}
	b.hold(s)
	b.stepper = s
	return nil
}
