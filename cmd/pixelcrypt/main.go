package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/i5heu/pixelcrypt/internal/channel"
	"github.com/i5heu/pixelcrypt/internal/config"
	"github.com/i5heu/pixelcrypt/internal/job"
	"github.com/i5heu/pixelcrypt/internal/pipeline"
	"github.com/i5heu/pixelcrypt/internal/store"
	"github.com/i5heu/pixelcrypt/pkg/logging"
	"github.com/i5heu/pixelcrypt/pkg/transform"
	workerpool "github.com/i5heu/pixelcrypt/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

const (
	logKeyRole    = "role"
	logKeyAddress = "address"
	logKeySignal  = "signal"
	logKeyError   = "error"
	logKeyJobID   = "jobId"
	logKeyPath    = "path"
	logKeyParties = "parties"
	logKeyThreads = "threads"
	logKeyBytes   = "bytes"
	logKeyElapsed = "elapsed"
)

const usageLine = "usage: pixelcrypt [flags] <image> <key> <encrypt|decrypt> <stateless|chained> <job_id>\n" +
	"       pixelcrypt [flags] -worker -coordinator host:port\n" +
	"       pixelcrypt [flags] fetch <job_id> <out_path>"

const dialRetryPeriod = time.Second

type role int

const (
	roleCoordinator role = iota
	roleWorker
	roleFetch
)

// cliConfig is the configuration after flags were applied over the file.
type cliConfig struct { // A
	config.Config
	role        role
	local       bool
	dialTimeout time.Duration

	request pipeline.Request

	fetchJobID string
	fetchOut   string
}

func main() { // A
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		fmt.Fprintln(os.Stderr, usageLine)
		os.Exit(1)
	}

	logger := logging.New(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "pixelcrypt failed", logKeyError, err)
		os.Exit(1)
	}
}

// parseArgs reads the config file named by -config, then applies the flags
// that were set explicitly and the positional arguments.
func parseArgs(args []string, stderr io.Writer) (cliConfig, error) { // A
	fs := flag.NewFlagSet("pixelcrypt", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", "pixelcrypt.yaml", "Path to the YAML config file")
		listen      = fs.String("listen", "", "Coordinator QUIC listen address")
		coordinator = fs.String("coordinator", "", "Coordinator address a worker dials")
		workers     = fs.Int("workers", 0, "Number of remote worker processes")
		threads     = fs.Int("threads", 0, "Threads per process")
		dataDir     = fs.String("data", "", "Directory of the result store")
		noPersist   = fs.Bool("no-persist", false, "Do not persist results")
		compress    = fs.Bool("compress", false, "Compress large frames with zstd")
		debug       = fs.Bool("debug", false, "Enable debug logging")
		local       = fs.Bool("local", false, "Run all workers in this process")
		worker      = fs.Bool("worker", false, "Run as a worker process")
		dialTimeout = fs.Duration("dial-timeout", 30*time.Second, "How long a worker retries reaching the coordinator")
	)
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	base, err := config.Load(*configPath)
	if err != nil {
		return cliConfig{}, fmt.Errorf("%w: %w", job.ErrUsage, err)
	}
	cfg := cliConfig{Config: base, local: *local, dialTimeout: *dialTimeout}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "coordinator":
			cfg.Coordinator = *coordinator
		case "workers":
			cfg.Workers = *workers
		case "threads":
			cfg.Threads = *threads
		case "data":
			cfg.DataDir = *dataDir
		case "no-persist":
			cfg.DisablePersistence = *noPersist
		case "compress":
			cfg.Compress = *compress
		case "debug":
			cfg.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		return cliConfig{}, fmt.Errorf("%w: %w", job.ErrUsage, err)
	}

	rest := fs.Args()
	switch {
	case *worker:
		if len(rest) != 0 {
			return cliConfig{}, fmt.Errorf("%w: a worker takes no arguments", job.ErrUsage)
		}
		if *local {
			return cliConfig{}, fmt.Errorf("%w: -worker and -local exclude each other", job.ErrUsage)
		}
		cfg.role = roleWorker
	case len(rest) > 0 && rest[0] == "fetch":
		if len(rest) != 3 {
			return cliConfig{}, fmt.Errorf("%w: fetch needs <job_id> <out_path>", job.ErrUsage)
		}
		cfg.role = roleFetch
		cfg.fetchJobID, cfg.fetchOut = rest[1], rest[2]
	default:
		if len(rest) < 5 {
			return cliConfig{}, fmt.Errorf("%w: expected 5 arguments, got %d", job.ErrUsage, len(rest))
		}
		if extra := rest[5:]; len(extra) > 0 {
			fmt.Fprintf(stderr, "ignoring %d extra argument(s): %q\n", len(extra), extra)
		}
		op, err := transform.ParseOperation(rest[2])
		if err != nil {
			return cliConfig{}, fmt.Errorf("%w: %w", job.ErrUsage, err)
		}
		mode, err := transform.ParseMode(rest[3])
		if err != nil {
			return cliConfig{}, fmt.Errorf("%w: %w", job.ErrUsage, err)
		}
		if rest[1] == "" {
			return cliConfig{}, fmt.Errorf("%w: %w", job.ErrUsage, transform.ErrEmptyKey)
		}
		cfg.role = roleCoordinator
		cfg.request = pipeline.Request{
			ImagePath: rest[0],
			Key:       []byte(rest[1]),
			Operation: op,
			Mode:      mode,
			JobID:     rest[4],
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg cliConfig, logger *slog.Logger) error { // A
	switch cfg.role {
	case roleWorker:
		return runWorker(ctx, cfg, logger)
	case roleFetch:
		return runFetch(ctx, cfg, logger)
	default:
		return runCoordinator(ctx, cfg, logger)
	}
}

func quicConfig(cfg cliConfig, addr string, logger *slog.Logger) channel.QUICConfig { // A
	qc := channel.DefaultQUICConfig()
	qc.Addr = addr
	qc.Size = cfg.Workers + 1
	qc.Compress = cfg.Compress
	qc.Logger = logger
	return qc
}

func workerConfig(cfg cliConfig, pool *workerpool.WorkerPool, logger *slog.Logger) pipeline.WorkerConfig { // A
	return pipeline.WorkerConfig{Threads: cfg.Threads, Pool: pool, Logger: logger}
}

func openStore(ctx context.Context, cfg cliConfig) (*store.Store, error) { // A
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return store.NewStore(ctx, store.StoreConfig{
		Paths:            []string{cfg.DataDir},
		MinimumFreeSpace: cfg.MinimumFreeGB,
		Logger:           log,
	})
}

func runCoordinator(ctx context.Context, cfg cliConfig, logger *slog.Logger) error { // A
	var persister pipeline.Persister
	if !cfg.DisablePersistence {
		s, err := openStore(ctx, cfg)
		if err != nil {
			// Persistence never decides the job's outcome.
			logger.WarnContext(ctx, "result store unavailable, results will not be persisted",
				logKeyPath, cfg.DataDir, logKeyError, err)
		} else {
			defer s.Close()
			persister = s
		}
	}

	if cfg.local {
		return runLocal(ctx, cfg, persister, logger)
	}

	l, err := channel.Listen(quicConfig(cfg, cfg.Listen, logger))
	if err != nil {
		return fmt.Errorf("%w: %w", job.ErrChannel, err)
	}
	logger.InfoContext(ctx, "waiting for workers",
		logKeyAddress, l.Addr(),
		logKeyParties, cfg.Workers+1)

	ch, err := l.Accept(ctx)
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("%w: %w", job.ErrChannel, err)
	}

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Threads})
	defer pool.Close()
	coord, err := pipeline.NewCoordinator(ch, workerConfig(cfg, pool, logger), persister)
	if err != nil {
		ch.Abort(err)
		_ = ch.Close()
		return err
	}
	return report(ctx, logger, coord, cfg.request)
}

// runLocal runs the whole group in this process over the in-process channel.
func runLocal(ctx context.Context, cfg cliConfig, persister pipeline.Persister, logger *slog.Logger) error { // A
	group, err := channel.NewLocalGroup(cfg.Workers + 1)
	if err != nil {
		return fmt.Errorf("%w: %w", job.ErrUsage, err)
	}

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Threads})
	defer pool.Close()

	coord, err := pipeline.NewCoordinator(group[channel.Root], workerConfig(cfg, pool, logger), persister)
	if err != nil {
		return err
	}

	workerErrs := make(chan error, len(group)-1)
	for _, ch := range group[1:] {
		w := pipeline.NewWorker(ch, workerConfig(cfg, pool, logger.With(logKeyRole, "worker")))
		go func() { workerErrs <- w.Run(ctx) }()
	}

	runErr := report(ctx, logger, coord, cfg.request)

	// A failed coordinator already aborted the workers; their errors only
	// echo its own.
	var errs []error
	for range group[1:] {
		if err := <-workerErrs; err != nil {
			errs = append(errs, err)
		}
	}
	if runErr != nil {
		return runErr
	}
	return errors.Join(errs...)
}

func report(ctx context.Context, logger *slog.Logger, coord *pipeline.Coordinator, req pipeline.Request) error { // A
	res, err := coord.Run(ctx, req)
	if err != nil {
		return err
	}
	if res.PersistErr != nil {
		logger.WarnContext(ctx, "result was not persisted", logKeyJobID, req.JobID, logKeyError, res.PersistErr)
	}
	logger.InfoContext(ctx, "processed image written",
		logKeyJobID, req.JobID,
		logKeyPath, res.OutputPath,
		logKeyBytes, res.Bytes,
		logKeyElapsed, res.Elapsed)
	return nil
}

func runWorker(ctx context.Context, cfg cliConfig, logger *slog.Logger) error { // A
	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	qc := quicConfig(cfg, cfg.Coordinator, logger)
	var ch *channel.QUICChannel
	for {
		var err error
		ch, err = channel.Dial(dialCtx, qc)
		if err == nil {
			break
		}
		logger.DebugContext(ctx, "coordinator not reachable yet", logKeyAddress, cfg.Coordinator, logKeyError, err)
		select {
		case <-dialCtx.Done():
			return fmt.Errorf("%w: dial %s: %w", job.ErrChannel, cfg.Coordinator, err)
		case <-time.After(dialRetryPeriod):
		}
	}

	logger.InfoContext(ctx, "joined group",
		logKeyAddress, cfg.Coordinator,
		logKeyParties, ch.Size(),
		logKeyThreads, cfg.Threads)

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Threads})
	defer pool.Close()
	return pipeline.NewWorker(ch, workerConfig(cfg, pool, logger)).Run(ctx)
}

func runFetch(ctx context.Context, cfg cliConfig, logger *slog.Logger) error { // A
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", job.ErrPersistence, err)
	}
	defer s.Close()

	data, rec, err := s.Load(cfg.fetchJobID)
	if err != nil {
		return fmt.Errorf("%w: %w", job.ErrPersistence, err)
	}
	if err := os.WriteFile(cfg.fetchOut, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cfg.fetchOut, err)
	}
	logger.InfoContext(ctx, "result restored",
		logKeyJobID, rec.JobID,
		logKeyPath, cfg.fetchOut,
		logKeyBytes, len(data),
		"storedAt", rec.CreatedAt)
	return nil
}
