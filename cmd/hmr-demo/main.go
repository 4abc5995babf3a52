// Command hmr-demo is the process entry point for the hot-reload
// runtime: it wires clock, file watcher, build optimizer, runtime
// dispatcher, and SLA monitor into a closed loop, runs a demo frame
// loop at a configurable rate, and shuts everything down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/DrunkOnJava/citygame-hmr/internal/buildopt"
	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/config"
	"github.com/DrunkOnJava/citygame-hmr/internal/metrics"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
	"github.com/DrunkOnJava/citygame-hmr/internal/runtime"
	"github.com/DrunkOnJava/citygame-hmr/internal/sla"
	"github.com/DrunkOnJava/citygame-hmr/internal/watcher"
)

func main() {
	var (
		moduleName  = flag.String("module", "graphics", "name of the module to watch and rebuild")
		sourceDir   = flag.String("source", ".", "module source directory to watch")
		outputPath  = flag.String("output", "build/module.o", "build artifact output path")
		configPath  = flag.String("config", "", "optional hmr.yaml/.json config file")
		cacheDBPath = flag.String("cache-db", "", "optional bbolt on-disk cache index path")
		compiler    = flag.String("compiler", "", "external compiler command (defaults to a copy-based simulated build)")
		definesFlag = flag.String("defines", "", "comma-separated preprocessor defines passed to the toolchain")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
		fps         = flag.Int("fps", 60, "simulated frame rate of the demo loop")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("hmr-demo: failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("hmr-demo: shutdown signal received")
		cancel()
	}()

	sysClock := clock.NewSystemClock()

	var defines []string
	if *definesFlag != "" {
		defines = strings.Split(*definesFlag, ",")
	}

	var store *buildopt.CacheStore
	if *cacheDBPath != "" {
		store, err = buildopt.NewCacheStore(*cacheDBPath)
		if err != nil {
			logger.Fatalf("hmr-demo: failed to open cache store: %v", err)
		}
		defer store.Close()
	}

	opt := buildopt.New(buildopt.Config{
		MaxModules:      cfg.MaxModules,
		CacheMaxEntries: int(cfg.CacheSizeLimitBytes / (1 << 16)), // approximate entry cap from the byte budget
		WorkerPoolSize:  cfg.MaxParallelJobs,
		JobTimeout:      cfg.BuildTimeout,
		Clock:           sysClock,
		Logger:          logger,
		Invoke:          newToolchainInvoker(*compiler, logger),
		Store:           store,
		Handlers: buildopt.Handlers{
			OnBuildStart: func(name string) { logger.Infof("build: started %q", name) },
			OnBuildComplete: func(name string, success bool, durationNs int64) {
				logger.Infof("build: %q finished success=%v in %s", name, success, time.Duration(durationNs))
			},
			OnCacheUpdate: func(sourcePath string, hit bool) {
				logger.Debugf("cache: %q hit=%v", sourcePath, hit)
			},
		},
	})
	defer opt.Close()

	if err := opt.RegisterModule(buildopt.Module{
		Name:      *moduleName,
		SourceDir: *sourceDir,
		OutputDir: *outputPath,
		Target:    buildopt.Object,
		Priority:  buildopt.PriorityNormal,
	}); err != nil {
		logger.Fatalf("hmr-demo: failed to register module %q: %v", *moduleName, err)
	}

	fw := watcher.New(watcher.Config{
		BatchTimeout:   cfg.BatchTimeout,
		GlobalDebounce: cfg.GlobalDebounce,
		MaxBatchSize:   cfg.MaxBatchSize,
		Clock:          sysClock,
		Logger:         logger,
		Handlers: watcher.Handlers{
			OnBatchReady: func(batch watcher.ChangeBatch) {
				handleBatch(ctx, opt, batch, defines, logger)
			},
			OnCriticalChange: func(ev watcher.FileEvent) {
				logger.Warnf("watcher: critical change on %s", ev.Path)
			},
			OnNetworkStatus: func(mount string, connected bool) {
				logger.Infof("watcher: network mount %s connected=%v", mount, connected)
			},
			OnError: func(path string, err error) {
				logger.Errorf("watcher: error on %s: %v", path, err)
			},
		},
	})
	if err := fw.AddWatchPath(watcher.WatchOptions{
		Path:            *sourceDir,
		Mask:            watcher.MaskAll,
		DefaultPriority: watcher.Normal,
		Recursive:       true,
		FSKind:          watcher.Local,
	}); err != nil {
		logger.Fatalf("hmr-demo: failed to add watch path: %v", err)
	}

	dispatcher := runtime.New(runtime.DispatcherConfig{
		BudgetNs:            cfg.MaxFrameBudget.Nanoseconds(),
		CheckIntervalFrames: cfg.CheckIntervalFrames,
		AdaptiveBudgeting:   cfg.AdaptiveBudgeting,
	}, fw, swapModule(logger), sysClock, logger)

	opt.OnReload(dispatcher.PushReload)

	slaMonitor := sla.New(sla.Config{
		AutoRemediation:     true,
		MeasurementBudgetNs: cfg.SLAMeasurementBudget.Nanoseconds(),
		Clock:               sysClock,
		OnViolation: func(contractID string, severity sla.Severity) {
			logger.Warnf("sla: contract %q violated at severity %s", contractID, severity)
		},
		EmergencyHandler: func(v sla.Violation) error {
			logger.Errorf("sla: emergency remediation for violation #%d (%s)", v.ID, v.ContractID)
			return nil
		},
		MinorHandler: func(v sla.Violation) error {
			logger.Warnf("sla: minor remediation for violation #%d (%s)", v.ID, v.ContractID)
			return nil
		},
	})
	slaMonitor.RegisterContract(sla.Contract{
		ContractID:     "frame_budget",
		MetricID:       "dispatcher_frame_ns",
		Target:         8_000_000,
		Warning:        14_000_000,
		Critical:       20_000_000,
		Breach:         33_000_000,
		HigherIsBetter: false,
		Active:         true,
	})

	registry := prometheus.NewRegistry()
	metrics.Register(registry, metrics.Sources{
		Optimizer:  opt,
		Dispatcher: dispatcher,
		Watcher:    fw,
		SLA:        slaMonitor,
	})
	metricsSrv := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Infof("hmr-demo: metrics listening on %s", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("hmr-demo: metrics server error: %v", err)
		}
	}()

	if err := dispatcher.Init(); err != nil {
		logger.Fatalf("hmr-demo: dispatcher init failed: %v", err)
	}

	runFrameLoop(ctx, dispatcher, slaMonitor, sysClock, *fps, logger)

	if err := dispatcher.Shutdown(); err != nil {
		logger.Errorf("hmr-demo: dispatcher shutdown error: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("hmr-demo: stopped")
}

// handleBatch runs every event in a ready batch through dependency
// analysis, cache check, and — on a miss — a scheduled build. The
// cache key folds the changed file's content hash with each declared
// dependency's metadata, so a touched dependency forces a rebuild even
// when the module's own bytes are unchanged.
func handleBatch(ctx context.Context, opt *buildopt.Optimizer, batch watcher.ChangeBatch, defines []string, logger *logrus.Logger) {
	if ctx.Err() != nil {
		return
	}
	definesHash := clock.HashBytes([]byte(strings.Join(defines, "\x00")))
	for _, ev := range batch.Events {
		for _, m := range opt.AnalyzeChange(ev.Path) {
			if m.State == buildopt.Building {
				continue
			}
			sourceHash, err := clock.HashFile(ev.Path)
			if err != nil {
				logger.Warnf("hmr-demo: failed to hash %s: %v", ev.Path, err)
				continue
			}
			buildHash, err := opt.DependencyHash(m.Name, sourceHash)
			if err != nil {
				logger.Warnf("hmr-demo: failed to fold dependency hash for %q: %v", m.Name, err)
				buildHash = sourceHash
			}
			if !opt.CheckCache(m.SourceDir, m.OutputDir, buildHash) {
				continue // cache hit, no rebuild needed
			}
			if _, err := opt.StartBuild(m.Name, defines, buildHash, definesHash, "toolchain-v1"); err != nil && !pkgerr.Is(err, pkgerr.AlreadyExists) {
				logger.Warnf("hmr-demo: failed to start build for %q: %v", m.Name, err)
			}
		}
	}
}

// runFrameLoop simulates a 60+ FPS frame loop: every tick stamps frame
// start/end, drains pending reloads within budget, and feeds the
// observed frame time to the SLA monitor.
func runFrameLoop(ctx context.Context, d *runtime.Dispatcher, mon *sla.Monitor, c clock.Clock, fps int, logger *logrus.Logger) {
	if fps <= 0 {
		fps = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frameStart := c.NowNano()
			d.FrameStart(frame)
			if err := d.CheckReloads(); err != nil && !pkgerr.Is(err, pkgerr.BudgetExceeded) {
				logger.Warnf("hmr-demo: check reloads failed: %v", err)
			}
			d.FrameEnd()
			frameNs := c.NowNano() - frameStart
			_ = mon.RecordMeasurement("frame_budget", "dispatcher_frame_ns", float64(frameNs))
			mon.FrameUpdate(frame, int64(time.Second/time.Duration(fps)), frameNs)
			frame++
		}
	}
}

// swapModule is the demo's host-supplied module-swap collaborator. A
// real engine would dlopen/dlsym the artifact; here it just confirms
// the artifact exists.
func swapModule(logger *logrus.Logger) runtime.SwapFunc {
	return func(moduleName, newArtifactPath string) error {
		if _, err := os.Stat(newArtifactPath); err != nil {
			return fmt.Errorf("swap module %q: artifact missing: %w", moduleName, err)
		}
		logger.Infof("runtime: swapped module %q with %s", moduleName, newArtifactPath)
		return nil
	}
}

// newToolchainInvoker builds the host-supplied process-launch callback.
// With no --compiler flag it simulates a build by copying the source
// into the output path, which is enough to exercise the
// cache/scheduler/dispatcher loop without a real external toolchain.
func newToolchainInvoker(compiler string, logger *logrus.Logger) buildopt.ToolchainInvoker {
	return func(ctx context.Context, sourcePath, outputPath string, target buildopt.TargetKind, defines []string) (int, []byte, int64, error) {
		start := time.Now()
		if compiler == "" {
			if err := simulateCompile(sourcePath, outputPath); err != nil {
				return 1, []byte(err.Error()), time.Since(start).Nanoseconds(), err
			}
			return 0, nil, time.Since(start).Nanoseconds(), nil
		}

		args := append([]string{sourcePath, outputPath}, defines...)
		cmd := exec.CommandContext(ctx, compiler, args...)
		out, err := cmd.CombinedOutput()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			return -1, out, time.Since(start).Nanoseconds(), err
		}
		return exitCode, out, time.Since(start).Nanoseconds(), nil
	}
}

func simulateCompile(sourcePath, outputPath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}
