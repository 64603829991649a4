package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	flags "github.com/jessevdk/go-flags"

	veos "github.com/veos-project/veos-core"
	"github.com/veos-project/veos-core/internal/config"
	"github.com/veos-project/veos-core/internal/dma"
	"github.com/veos-project/veos-core/internal/interfaces"
	"github.com/veos-project/veos-core/internal/logging"
	"github.com/veos-project/veos-core/internal/proto"
	"github.com/veos-project/veos-core/internal/registry"
	"github.com/veos-project/veos-core/internal/vedrv"
	"github.com/veos-project/veos-core/internal/vesignal"
)

// cliOptions is the veosd entrypoint's own flag surface, parsed with
// go-flags for POSIX-style long/short pairs; everything cross-cutting
// about the daemon's runtime behavior lives in internal/config instead,
// layered in afterward.
type cliOptions struct {
	Verbose bool `short:"v" long:"verbose" description:"enable debug logging"`
	Fake    bool `long:"fake" description:"use an in-memory fake driver instead of /dev/veslotN (for development without hardware)"`
}

func main() {
	// A core-dump helper invocation re-execs this same binary with a
	// magic argument; intercept it before any normal startup happens.
	if vesignal.IsHelperInvocation() {
		os.Exit(vesignal.RunHelper())
	}

	var opts cliOptions
	remaining, err := flags.ParseArgs(&opts, os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Default()
	if err := config.FromEnv(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("veosd", flag.ContinueOnError)
	config.RegisterFlags(fs, cfg)
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if opts.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(cfg, opts, logger); err != nil {
		logger.Error("veosd exiting with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts cliOptions, logger *logging.Logger) error {
	metrics := veos.NewMetrics()
	obs := veos.NewMetricsObserver(metrics)

	reg := registry.New(vesignal.NewTask(1, 1, vesignal.NewSigHand()))

	engine, driverCloser, err := newEngine(cfg, opts, logger, obs)
	if err != nil {
		return fmt.Errorf("veosd: starting dma engine: %w", err)
	}
	defer driverCloser()

	dispatcher := proto.New(reg, engine, logger, obs)

	if err := os.MkdirAll(filepath.Dir(cfg.ControlSocketPath), 0o755); err != nil {
		return fmt.Errorf("veosd: preparing control socket directory: %w", err)
	}
	os.Remove(cfg.ControlSocketPath)
	addr, err := net.ResolveUnixAddr("unix", cfg.ControlSocketPath)
	if err != nil {
		return fmt.Errorf("veosd: resolving control socket path: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("veosd: listening on control socket: %w", err)
	}
	defer os.Remove(cfg.ControlSocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := vesignal.NewSupervisor(reg.Groups, logger, obs)
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- dispatcher.Serve(ctx, listener) }()
	go func() {
		if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("signal supervisor stopped unexpectedly", "error", err)
		}
	}()

	logger.Info("veosd ready",
		"control_socket", cfg.ControlSocketPath,
		"nodes", cfg.NodeCount,
		"ring_depth", cfg.DescRingDepth)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify READY failed", "error", err)
	} else if ok {
		logger.Debug("notified systemd of readiness")
	}
	fmt.Printf("veosd listening on %s\n", cfg.ControlSocketPath)
	fmt.Printf("send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	installStackDumpHandler(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("control socket listener stopped unexpectedly", "error", err)
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn("sd_notify STOPPING failed", "error", err)
	} else if ok {
		logger.Debug("notified systemd of stopping")
	}

	cancel()
	listener.Close()

	cleanupDone := make(chan error, 1)
	go func() { cleanupDone <- engine.Close() }()

	select {
	case err := <-cleanupDone:
		if err != nil {
			logger.Error("error closing dma engine", "error", err)
		}
	case <-time.After(1 * time.Second):
		logger.Info("engine shutdown timed out, exiting anyway")
	}

	metrics.Stop()
	return nil
}

// newEngine builds the DMA engine for node 0 against either a real
// /dev/veslot0 or, with --fake, an in-memory driver for development
// without hardware present. The returned closer always succeeds and is
// safe to call even if engine construction itself failed partway
// through.
func newEngine(cfg *config.Config, opts cliOptions, logger *logging.Logger, obs interfaces.Observer) (*dma.Engine, func(), error) {
	if opts.Fake {
		driver := vedrv.NewFakeDriver()
		if err := driver.MapRegisters(0); err != nil {
			return nil, func() {}, err
		}
		engine, err := dma.NewEngine(driver, cfg.DescRingDepth, logger, obs)
		if err != nil {
			driver.Unmap()
			return nil, func() {}, err
		}
		return engine, func() { driver.Unmap() }, nil
	}

	driver := vedrv.NewHWDriver(logger)
	if err := driver.MapRegisters(0); err != nil {
		return nil, func() {}, err
	}
	engine, err := dma.NewEngine(driver, cfg.DescRingDepth, logger, obs)
	if err != nil {
		driver.Unmap()
		return nil, func() {}, err
	}
	return engine, func() { driver.Unmap() }, nil
}

// installStackDumpHandler wires SIGUSR1 to a goroutine stack dump, both to
// stderr and to a timestamped file, matching the teacher's debugging aid
// for a daemon that otherwise runs headless.
func installStackDumpHandler(logger *logging.Logger) {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("veosd-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\nPID %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()
}
