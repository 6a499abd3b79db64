// Command radiodigest-core records the configured radio channels, transcribes
// what they say and sends a periodic digest per channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiroq/radiodigest/internal/capture"
	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/digest"
	"github.com/tiroq/radiodigest/internal/ipc"
	"github.com/tiroq/radiodigest/internal/notify"
	"github.com/tiroq/radiodigest/internal/pidfile"
	"github.com/tiroq/radiodigest/internal/pipeline"
	"github.com/tiroq/radiodigest/internal/queue"
	"github.com/tiroq/radiodigest/internal/statusfeed"
	"github.com/tiroq/radiodigest/internal/store"
	"github.com/tiroq/radiodigest/internal/summarize"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "channel config file (YAML or JSON)")
	exportDiag := flag.Bool("export-diag", false, "write a diagnostic bundle to the current directory and exit")
	runDigest := flag.String("run-digest", "", "digest every window of `YYYY-MM-DD` and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("radiodigest-core", Version)
		return
	}
	if *exportDiag {
		os.Exit(exportDiagBundle(*configPath))
	}
	os.Exit(run(*configPath, *runDigest))
}

func diagPath(cfg *config.Config) string {
	return diaglog.Path(cfg.LogDir)
}

func exportDiagBundle(cfgPath string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// The journal is still findable from the defaults.
		cfg = &config.Config{}
		cfg.ApplyDefaults()
		cfg.ApplyEnv()
	}
	diaglog.Version = Version
	path, n, err := diaglog.Export(diagPath(cfg), ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "hint: run with RADIODIGEST_DEBUG=true to enable the journal")
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

func run(cfgPath, digestDay string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in radiodigest-core: %v\n", r)
			code = 1
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", cfgPath, err)
		return 1
	}

	logger, logFile, err := initLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}
	defer logFile.Close()
	logger = logger.With("component", "core")

	logger.Info("===========================================")
	logger.Info("[STARTUP] Starting radiodigest-core", "version", Version, "pid", os.Getpid(), "config", cfgPath)
	logger.Info("===========================================")

	diagLogger, err := diaglog.New(diagPath(cfg))
	if err != nil {
		logger.Warn("[STARTUP] diagnostic journal unavailable", "error", err)
		diagLogger = diaglog.NewNoOp()
	}
	defer diagLogger.Close()
	if diaglog.IsDebugEnabled() {
		logger.Info("[STARTUP] diagnostic journal enabled", "path", diagPath(cfg))
	}

	// A one-shot backfill runs next to a live daemon, so it takes no PID file.
	if digestDay == "" {
		pidPath := pidfile.Path(cfg.StateDir, "radiodigest-core")
		pf, err := pidfile.New(pidPath)
		if err != nil {
			logger.Error("Failed to create PID file", "path", pidPath, "error", err)
			logger.Error("If you're sure no other instance is running, remove the PID file")
			return 1
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				logger.Warn("failed to remove PID file", "error", err)
			}
		}()
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("[STARTUP] failed to open store", "path", cfg.StorePath, "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("[STARTUP] store opened", "path", cfg.StorePath)

	dc, err := digest.ConfigFromApp(cfg)
	if err != nil {
		logger.Error("[STARTUP] invalid digest config", "error", err)
		return 1
	}
	dc.Logger = logger
	dc.Diag = diagLogger
	notifier, err := notify.FromConfig(cfg, logger)
	if err != nil {
		logger.Error("[STARTUP] invalid notifier config", "error", err)
		return 1
	}
	summarizer := summarize.NewOpenAI(summarize.OpenAIConfigFrom(cfg.Summarizer))
	sched := digest.New(dc, st, summarizer, notifier, cfg.EnabledChannels())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if digestDay != "" {
		day, err := time.ParseInLocation(time.DateOnly, digestDay, dc.Location)
		if err != nil {
			logger.Error("invalid --run-digest day, want YYYY-MM-DD", "day", digestDay)
			return 2
		}
		if err := sched.RunDay(ctx, day); err != nil {
			logger.Error("digest backfill finished with errors", "day", digestDay, "error", err)
			return 1
		}
		logger.Info("digest backfill complete", "day", digestDay)
		return 0
	}

	reg, err := buildRegistry(cfg.ASR, diagLogger)
	if err != nil {
		logger.Error("[STARTUP] invalid ASR config", "error", err)
		return 1
	}
	logger.Info("[STARTUP] ASR configured", "backend", cfg.ASR.Backend, "fallback", cfg.ASR.FallbackBackend)
	checkBackends(ctx, reg, logger, diagLogger)

	ctx, quit := context.WithCancel(ctx)
	defer quit()
	g, gctx := errgroup.WithContext(ctx)

	d := &daemon{
		cfgPath:   cfgPath,
		cfg:       cfg,
		log:       logger,
		diag:      diagLogger,
		startedAt: time.Now().UTC(),
		store:     st,
		asr:       reg,
		sched:     sched,
		notifier:  notifier,
		ctx:       gctx,
		quit:      quit,
	}

	d.queue = queue.New(d.queueConfig(), reg, st, queue.PolicyFromApp(cfg))
	if err := d.queue.Start(gctx); err != nil {
		logger.Warn("[STARTUP] queue started with errors", "error", err)
	}
	d.ingest = pipeline.NewIngest(st, d.queue, logger, diagLogger)

	capOpts := capture.OptionsFromConfig(cfg)
	capOpts.Events = st
	capOpts.Diag = diagLogger
	capOpts.Logger = logger
	d.capture = capture.New(capOpts)
	d.channels = pipeline.NewChannels(d.capture, d.ingest, d.watcherOptions, logger)

	if cfg.Status.Listen != "" {
		d.feed = statusfeed.New(logger)
		g.Go(func() error { return d.feed.Run(gctx, cfg.Status.Listen) })
	}

	g.Go(func() error {
		if _, err := d.ingest.Recover(gctx); err != nil && !errors.Is(err, queue.ErrClosed) {
			logger.Error("[STARTUP] recovery incomplete", "error", err)
			d.setError(err)
		}
		return nil
	})
	d.startChannels()
	logger.Info("[STARTUP] channels started", "running", d.channels.Running())

	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return d.publishStatus(gctx) })
	g.Go(func() error { return ipc.Watch(gctx, cfg.StateDir, time.Second, d.handleCommand, logger) })
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reloading config")
				if err := d.reload(); err != nil {
					logger.Error("reload failed", "error", err)
					d.setError(err)
				}
			}
		}
	})

	logger.Info("[STARTUP] radiodigest-core running", "state_dir", cfg.StateDir)
	<-gctx.Done()
	logger.Info("[SHUTDOWN] stopping channels")
	d.channels.StopAll()
	d.capture.StopAll()
	d.queue.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("[SHUTDOWN] radiodigest-core stopped with error", "error", err)
		return 1
	}
	logger.Info("[SHUTDOWN] radiodigest-core stopped")
	return 0
}
