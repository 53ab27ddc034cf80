package commands

import (
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/emfacilities/emfac/am"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/metric"
	"github.com/emfacilities/emfac/pulse/loop"
	"github.com/emfacilities/emfac/sym"
)

// RunCmd groups one subcommand per node kind.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Loop + " Run one node until it finishes",
	Long: sym.Loop + ` run — Run one node until it finishes

The node polls its upstream every run.delay seconds and exits when it is
terminal, when --monitor-time elapses, or on SIGINT/SIGTERM. Its STATUS
file reads RUNNING while the loop is alive and FINISHED, ABORTED or FAILED
afterwards, so downstream nodes see the upstream close.

Examples:
  emfac run counter --config counter.toml
  emfac run sampler --config sampler.toml --resume
  emfac run probe-system --config system.toml --monitor-time 12h
  emfac run report --config report.toml -v`,
}

var (
	runConfigPath  string
	runMonitorTime time.Duration
	runResume      bool
)

func init() {
	RunCmd.PersistentFlags().StringVarP(&runConfigPath, "config", "c", "", "Node configuration file, merged over the emfac.toml cascade")
	RunCmd.PersistentFlags().DurationVar(&runMonitorTime, "monitor-time", 0, "Stop after this long even if the node is not done (0 = no limit)")
	RunCmd.PersistentFlags().BoolVar(&runResume, "resume", false, "Continue from the state in the run directory (overrides run.resume)")

	for _, n := range nodeKinds {
		RunCmd.AddCommand(n.command())
	}
}

// nodeEnv is what every node builder receives.
type nodeEnv struct {
	cfg     *am.Config
	name    string
	log     *zap.SugaredLogger
	metrics *metric.Node
}

func (e *nodeEnv) interval() time.Duration {
	return time.Duration(e.cfg.Run.Delay * float64(time.Second))
}

// builtNode is a ready stepper plus the resources it holds.
type builtNode struct {
	stepper loop.Stepper
	// watch lists files whose changes wake the loop early
	watch   []string
	closers []io.Closer
}

func (b *builtNode) hold(c io.Closer) { b.closers = append(b.closers, c) }

// close releases resources in reverse acquisition order.
func (b *builtNode) close(log *zap.SugaredLogger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			log.Warnw("Failed to release node resource", logger.FieldError, err)
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type nodeKind struct {
	kind  string
	glyph string
	short string
	build func(env *nodeEnv, b *builtNode) error
}

func (n nodeKind) command() *cobra.Command {
	return &cobra.Command{
		Use:   n.kind,
		Short: n.glyph + " " + n.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, n)
		},
	}
}

func runNode(cmd *cobra.Command, n nodeKind) error {
	cfg, err := am.Load(runConfigPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if cmd.Flags().Changed("resume") {
		cfg.Run.Resume = runResume
	}
	if err := cfg.ValidateNode(n.kind); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Run.Dir, am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "create run directory %s", cfg.Run.Dir)
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	if err := logger.InitializeWithOptions(logger.Options{
		JSON:      cfg.Run.LogJSON,
		Verbosity: max(verbosity, logger.VerbosityInfo),
		RunDir:    cfg.Run.Dir,
	}); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	name := cfg.Run.Name
	if name == "" {
		name = filepath.Base(cfg.Run.Dir)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithRun(logger.WithNode(ctx, name), cfg.Run.Dir)
	log := logger.LoggerFromContext(ctx, logger.Logger.Named(n.kind))

	env := &nodeEnv{cfg: cfg, name: name, log: log, metrics: metric.NewNode(name)}
	built := &builtNode{}
	defer built.close(log)
	if err := n.build(env, built); err != nil {
		return err
	}

	var waker loop.Waker
	if len(built.watch) > 0 {
		fw, err := loop.NewFileWaker(log, built.watch...)
		if err != nil {
			log.Warnw("File watching unavailable, polling only", logger.FieldError, err)
		} else {
			built.hold(fw)
			waker = fw
		}
	}

	textfile := cfg.Metrics.Textfile
	if textfile == "" {
		textfile = filepath.Join(cfg.Run.Dir, "metrics.prom")
	}
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, env.metrics, log)
		defer srv.Close()
	}

	l, err := loop.New(loop.Config{
		Interval:    env.interval(),
		MonitorTime: runMonitorTime,
		Logger:      log,
		Waker:       waker,
		OnTick: func(done bool, err error) {
			env.metrics.Tick(done, err)
			if werr := env.metrics.WriteTextfile(textfile); werr != nil {
				log.Warnw("Failed to write metrics textfile", logger.FieldPath, textfile, logger.FieldError, werr)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := host.WriteStatus(cfg.Run.Dir, host.StatusRunning); err != nil {
		return errors.Wrap(err, "failed to write node status")
	}
	log.Infow("Node started",
		"kind", n.kind,
		"delay_s", cfg.Run.Delay,
		"resume", cfg.Run.Resume,
		logger.FieldSymbol, sym.Open,
	)

	res, runErr := l.Run(ctx, built.stepper)
	status := finalStatus(res, runErr)
	if err := host.WriteStatus(cfg.Run.Dir, status); err != nil {
		log.Errorw("Failed to write node status", logger.FieldState, string(status), logger.FieldError, err)
	}
	log.Infow("Node stopped",
		"reason", res.Reason.String(),
		logger.FieldTick, res.Ticks,
		logger.FieldState, string(status),
		logger.FieldDurationMS, res.Elapsed.Milliseconds(),
		logger.FieldSymbol, sym.Close,
	)
	return runErr
}

// finalStatus maps the loop outcome to the STATUS downstream nodes read.
// Running out of monitor time ends the node normally.
func finalStatus(res loop.Result, err error) host.Status {
	switch {
	case err != nil || res.Reason == loop.ReasonFailed:
		return host.StatusFailed
	case res.Reason == loop.ReasonStopped:
		return host.StatusAborted
	default:
		return host.StatusFinished
	}
}

func serveMetrics(addr string, n *metric.Node, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("Metrics endpoint stopped", "addr", addr, logger.FieldError, err)
		}
	}()
	log.Infow("Serving metrics", "addr", addr)
	return srv
}
