package main

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/injektor"
	"github.com/sliverarmory/injektor/config"
	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/metrics"
)

var (
	configPath  string
	logLevel    string
	verbose     bool
	metricsFile string
)

var rootCmd = &cobra.Command{
	Use:           "injektor",
	Short:         "Resolve functions in a running process and call them from outside",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the config file)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level=debug")
	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(loadCmd, callCmd, resolveCmd, symbolsCmd)
}

// app carries what every subcommand needs.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	lvl := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		lvl = logLevel
	}
	if verbose {
		lvl = "debug"
	}
	logger, err := logging.New(cmd.ErrOrStderr(), lvl)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
	}, nil
}

// run builds the app, invokes fn and writes the metrics file whatever fn
// returned.
func run(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	err = fn(a)
	if metricsFile != "" {
		if werr := prometheus.WriteToTextfile(metricsFile, a.registry); werr != nil {
			level.Warn(a.logger).Log("msg", "failed to write metrics", "file", metricsFile, "err", werr)
		}
	}
	return err
}

// open resolves the target descriptor and prepares the target.
func (a *app) open(descriptor string) (*injektor.Target, error) {
	pid, err := injektor.FindProcess(descriptor)
	if err != nil {
		return nil, err
	}
	level.Info(a.logger).Log("msg", "target", "descriptor", descriptor, "pid", pid)
	return injektor.Open(pid, &injektor.Options{
		Config:  a.cfg,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// withAttached attaches to target and runs fn, detaching afterwards.
func (a *app) withAttached(target *injektor.Target, fn func() error) error {
	return a.detachAfter(target, func() error {
		if err := target.Attach(); err != nil {
			return err
		}
		return fn()
	})
}

// detachAfter runs fn and then closes target, which only detaches when fn
// attached. The error of fn wins; a detach failure on its own is returned
// as is.
func (a *app) detachAfter(target *injektor.Target, fn func() error) (err error) {
	defer func() {
		cerr := target.Close()
		if cerr == nil {
			return
		}
		if err != nil {
			level.Error(a.logger).Log("msg", "detach after failure", "err", cerr)
			err = multierror.Append(err, cerr)
			return
		}
		err = cerr
	}()
	return fn()
}
