package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaultsandbox/resetcheck/internal/config"
	"github.com/vaultsandbox/resetcheck/internal/history"
	"github.com/vaultsandbox/resetcheck/internal/ledger"
	"github.com/vaultsandbox/resetcheck/internal/metrics"
	"github.com/vaultsandbox/resetcheck/internal/monitor"
	"github.com/vaultsandbox/resetcheck/internal/server"
	"github.com/vaultsandbox/resetcheck/resetflow"
	"github.com/vaultsandbox/resetcheck/sandbox"
)

const usage = `usage: resetcheck <command> [flags]

commands:
  run       run flows once and exit 1 if any check fails
  serve     run flows periodically and serve /metrics and /runs
  validate  check the configuration file
`

const (
	defaultConfigPath = "resetcheck.yaml"
	shutdownTimeout   = 10 * time.Second
)

// errChecksFailed is returned by the run command when a flow did not pass.
var errChecksFailed = errors.New("checks failed")

// Config holds the process dependencies so tests can replace them.
type Config struct {
	Context context.Context
	Stdout  io.Writer
	Stderr  io.Writer
	// Logger overrides the logger built from the configuration file.
	Logger *zap.Logger
}

// DefaultConfig returns a Config wired to the process streams.
func DefaultConfig() Config {
	return Config{
		Context: context.Background(),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

func run(args []string, cfg Config) error {
	if len(args) < 2 {
		fmt.Fprint(cfg.Stderr, usage)
		return errors.New("missing command")
	}
	switch args[1] {
	case "run":
		return runCommand(args[2:], cfg)
	case "serve":
		return serveCommand(args[2:], cfg)
	case "validate":
		return validateCommand(args[2:], cfg)
	case "-h", "--help", "help":
		fmt.Fprint(cfg.Stdout, usage)
		return nil
	default:
		fmt.Fprint(cfg.Stderr, usage)
		return fmt.Errorf("unknown command: %s", args[1])
	}
}

type commonFlags struct {
	configPath string
	envFile    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", defaultConfigPath, "configuration file")
	fs.StringVar(&c.envFile, "env", ".env", "dotenv file loaded before the configuration")
}

func (c *commonFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return nil, err
	}
	return config.Load(c.configPath)
}

func validateCommand(args []string, cfg Config) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	conf, err := common.load()
	if err != nil {
		return err
	}
	fmt.Fprintf(cfg.Stdout, "%s: %d flows ok\n", common.configPath, len(conf.Flows))
	for _, f := range conf.Flows {
		fmt.Fprintf(cfg.Stdout, "  %s  %s %s\n", f.Name, f.Trigger.Method, f.Trigger.URL)
	}
	return nil
}

func runCommand(args []string, cfg Config) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	var common commonFlags
	common.register(fs)
	flowName := fs.String("flow", "", "run only this flow")
	asJSON := fs.Bool("json", false, "print reports as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conf, err := common.load()
	if err != nil {
		return err
	}
	flows := conf.Flows
	if *flowName != "" {
		f, ok := conf.Flow(*flowName)
		if !ok {
			return fmt.Errorf("%w: %q", monitor.ErrUnknownFlow, *flowName)
		}
		flows = []resetflow.Flow{f}
	}

	d, err := setup(cfg, conf, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer d.close()

	mon := monitor.New(d.runner, flows,
		monitor.WithConcurrency(conf.Monitor.Concurrency),
		monitor.WithRunTimeout(conf.Monitor.RunTimeout),
		monitor.WithLogger(d.logger))
	reports, err := mon.RunOnce(cfg.Context)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(cfg.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return fmt.Errorf("encode reports: %w", err)
		}
	} else {
		for _, r := range reports {
			printReport(cfg.Stdout, r)
		}
	}

	failed := 0
	for _, r := range reports {
		if r == nil || !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(cfg.Stderr, "%d of %d flows failed\n", failed, len(reports))
		return errChecksFailed
	}
	return nil
}

func printReport(w io.Writer, r *resetflow.Report) {
	if r == nil {
		return
	}
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s (%v)\n", status, r.Flow, r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	for _, c := range r.Checks {
		mark := "ok  "
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  %s %-22s %s\n", mark, c.Name, c.Detail)
	}
}

func serveCommand(args []string, cfg Config) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	conf, err := common.load()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d, err := setup(cfg, conf, reg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(cfg.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(d.runner, conf.Flows,
		monitor.WithInterval(conf.Monitor.Interval),
		monitor.WithConcurrency(conf.Monitor.Concurrency),
		monitor.WithRunTimeout(conf.Monitor.RunTimeout),
		monitor.WithLogger(d.logger))

	srv := &http.Server{
		Addr:              conf.HTTP.Addr,
		Handler:           server.NewRouter(mon, d.history, reg, d.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Start(gctx) })
	g.Go(func() error {
		d.logger.Info("http listening", zap.String("addr", conf.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// deps is everything a command needs to run flows.
type deps struct {
	logger  *zap.Logger
	client  *sandbox.Client
	runner  *resetflow.Runner
	history history.Store
	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	_ = d.logger.Sync()
}

func setup(cfg Config, conf *config.Config, reg prometheus.Registerer) (*deps, error) {
	a := &deps{logger: cfg.Logger}
	if a.logger == nil {
		logger, err := conf.NewLogger()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		a.logger = logger
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	client, err := sandbox.New(conf.Sandbox.APIKey, conf.SandboxOptions(a.logger.Named("sandbox"))...)
	if err != nil {
		return nil, fmt.Errorf("connect sandbox: %w", err)
	}
	a.client = client
	a.closers = append(a.closers, func() { client.Close() })

	var tokens ledger.Ledger
	if conf.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		a.closers = append(a.closers, func() { rdb.Close() })
		if err := rdb.Ping(cfg.Context).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		tokens = ledger.NewRedis(rdb, conf.Redis.TTL)
	} else {
		tokens = ledger.NewMemory(conf.Redis.TTL)
	}

	if conf.Postgres.DSN != "" {
		pool, err := history.Connect(cfg.Context, conf.Postgres.DSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		store, err := history.NewPostgresStore(cfg.Context, pool, a.logger.Named("history"))
		if err != nil {
			return nil, err
		}
		a.history = store
	} else {
		a.history = history.NewMemoryStore(conf.Postgres.HistorySize)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if conf.HTTP.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	opts := []resetflow.RunnerOption{
		resetflow.WithHTTPClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}),
		resetflow.WithLogger(a.logger.Named("resetflow")),
		resetflow.WithLedger(tokens),
		resetflow.WithRecorder(a.history),
		resetflow.WithObserver(metrics.New(reg)),
	}
	if conf.Sandbox.InboxTTL > 0 {
		opts = append(opts, resetflow.WithInboxTTL(conf.Sandbox.InboxTTL))
	}
	a.runner = resetflow.NewRunner(client, opts...)
	ok = true
	return a, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "resetcheck: "+strings.TrimSuffix(format, "\n")+"\n", args...)
	os.Exit(1)
}
