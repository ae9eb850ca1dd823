// Command ebcore runs the event builder core: it accepts contributions
// from a fixed set of upstream producers, assembles them into events, and
// forwards completed events to a downstream reader.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/psdaq-go/ebcore/internal/batch"
	"github.com/psdaq-go/ebcore/internal/builder"
	"github.com/psdaq-go/ebcore/internal/capability"
	"github.com/psdaq-go/ebcore/internal/config"
	"github.com/psdaq-go/ebcore/internal/fabric"
	"github.com/psdaq-go/ebcore/internal/fabric/wsfabric"
	"github.com/psdaq-go/ebcore/internal/observability"
	"github.com/psdaq-go/ebcore/internal/outlet"
	"github.com/psdaq-go/ebcore/internal/pool"
	"github.com/psdaq-go/ebcore/internal/telemetry"

	"golang.org/x/time/rate"
)

const (
	eventPoolName            = "events"
	batchPoolName            = "batches"
	tickInterval             = 100 * time.Millisecond
	verboseTraceRate         = rate.Limit(50)
	telemetryShutdownTimeout = 5 * time.Second
	fabricShutdownTimeout    = 5 * time.Second
	outletShutdownTimeout    = 5 * time.Second
)

func main() {
	cliFlags := parseFlags()
	if cliFlags.help {
		usage()
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "ebcore: at least one contributor address is required")
		usage()
		os.Exit(1)
	}

	logger := newStdLogger()
	observability.SetLogger(newLoggerAdapter(logger))

	cfg := config.Apply(config.Default(),
		config.WithInstanceID(cliFlags.instanceID),
		config.WithServerPort(cliFlags.serverPort),
		config.WithClientPort(cliFlags.clientPort),
		config.WithVerbose(cliFlags.verbose),
		config.WithContributors(cliFlags.contributors),
	)

	runID := uuid.New().String()
	logStartupBanner(logger, cfg, runID)

	ctx, cancel := newSignalContext()
	defer cancel()

	providers, telemetryShutdown, err := telemetry.Init(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewMeterAdapter(providers, cfg.ServiceName))
	runtimeMetrics := observability.NewRuntimeMetrics()

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialize fabric: %v", err)
	}

	cellSize := batch.CellSize(cfg.MaxEntries, cfg.ResultExtentWords, len(cfg.Contributors)+1)
	p := pool.New(batchPoolName, cfg.MaxBatches, cellSize)

	outletCfg := outlet.Config{
		Pool:          p,
		Transport:     transport,
		BatchDuration: cfg.BatchDuration,
		MaxEntries:    cfg.MaxEntries,
		Name:          eventPoolName,
		Metrics:       runtimeMetrics,
	}
	ob := outlet.New(outletCfg)

	caps := capability.Default(cfg.Contract(), cfg.ResultExtentWords)

	var verboseRate rate.Limit
	if cfg.Verbose {
		verboseRate = verboseTraceRate
	}
	eb := builder.New(builder.Config{
		Transport:     transport,
		Capabilities:  caps,
		TimeoutEpochs: cfg.TimeoutEpochs,
		Outlet:        ob,
		VerboseRate:   verboseRate,
	})

	// The outlet's transmit loop runs on its own background lifetime,
	// independent of the shutdown signal, so the shutdown sequence can
	// flush the builder's final batch through it before closing it down
	// in an orderly fashion rather than having it discard on ctx cancel.
	outletCtx := context.Background()

	var outletLifecycle conc.WaitGroup
	outletLifecycle.Go(func() {
		if err := ob.Run(outletCtx); err != nil {
			logger.Printf("outlet stopped: %v", err)
		}
	})

	var inletLifecycle conc.WaitGroup
	inletLifecycle.Go(func() {
		if err := eb.Run(ctx); err != nil {
			logger.Printf("builder stopped: %v", err)
		}
	})
	inletLifecycle.Go(func() {
		runTicker(ctx, logger, eb)
	})

	logger.Print("ebcore started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	performGracefulShutdown(logger, shutdownConfig{
		mainCancel:      cancel,
		inletLifecycle:  &inletLifecycle,
		outletLifecycle: &outletLifecycle,
		builder:         eb,
		outlet:          ob,
		transport:       transport,
		telemetry:       telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

// flags holds the parsed command-line configuration, named and defaulted
// to match the reference builder's own flag set: -B the contributor-facing
// listen port, -P the outbound dial port, -i this instance's id, -v
// verbose diagnostics, -h usage.
type flags struct {
	serverPort   string
	clientPort   string
	instanceID   uint8
	verbose      bool
	help         bool
	contributors []string
}

func parseFlags() flags {
	srvPort := flag.String("B", "32768", "port contributors connect to")
	cltPort := flag.String("P", "32769", "port this instance dials out on")
	id := flag.Uint("i", 0, "this instance's id, 0-63")
	verbose := flag.Bool("v", false, "enable verbose diagnostic tracing")
	help := flag.Bool("h", false, "print usage and exit")
	helpAlt := flag.Bool("?", false, "print usage and exit")
	flag.Parse()

	return flags{
		serverPort:   *srvPort,
		clientPort:   *cltPort,
		instanceID:   uint8(*id),
		verbose:      *verbose,
		help:         *help || *helpAlt,
		contributors: flag.Args(),
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ebcore [-B srv_port] [-P clt_port] [-i ID] [-v] contributor_addr [contributor_addr ...]")
	flag.PrintDefaults()
}

// newSignalContext cancels on the first SIGINT/SIGTERM; a second signal
// aborts the process immediately rather than waiting out graceful
// shutdown, matching the reference build's double-signal abort.
func newSignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var callCount atomic.Int32
	go func() {
		for range sigCh {
			if callCount.Add(1) > 1 {
				os.Exit(1)
			}
			cancel()
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func newStdLogger() *log.Logger {
	return log.New(os.Stdout, "ebcore ", log.LstdFlags|log.Lmicroseconds)
}

// stdLoggerAdapter bridges observability.Logger onto a *log.Logger,
// rendering structured fields as a trailing JSON object the way the
// reference diagnostics output does.
type stdLoggerAdapter struct {
	logger *log.Logger
}

func newLoggerAdapter(l *log.Logger) observability.Logger {
	return stdLoggerAdapter{logger: l}
}

func (a stdLoggerAdapter) Debug(msg string, fields ...observability.Field) { a.log("DEBUG", msg, fields) }
func (a stdLoggerAdapter) Info(msg string, fields ...observability.Field)  { a.log("INFO", msg, fields) }
func (a stdLoggerAdapter) Error(msg string, fields ...observability.Field) { a.log("ERROR", msg, fields) }

func (a stdLoggerAdapter) log(level, msg string, fields []observability.Field) {
	if len(fields) == 0 {
		a.logger.Printf("%s %s", level, msg)
		return
	}
	set := make(map[string]any, len(fields))
	for _, f := range fields {
		set[f.Key] = f.Value
	}
	encoded, err := json.Marshal(set)
	if err != nil {
		a.logger.Printf("%s %s (fields unencodable: %v)", level, msg, err)
		return
	}
	a.logger.Printf("%s %s %s", level, msg, encoded)
}

func logStartupBanner(l *log.Logger, cfg config.Settings, runID string) {
	l.Printf("run %s: batch duration 0x%x (%d), batch pool depth %d, max entries/batch %d, max contribution words %d, max result words %d, instance %d, contributors %d",
		runID, cfg.BatchDuration, cfg.BatchDuration, cfg.MaxBatches, cfg.MaxEntries,
		cfg.InputExtentWords, cfg.ResultExtentWords, cfg.InstanceID, len(cfg.Contributors))
}

func buildTransport(ctx context.Context, cfg config.Settings) (fabric.Fabric, error) {
	destinations := make(map[uint8]string, len(cfg.Contributors))
	for i, addr := range cfg.Contributors {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		destinations[uint8(i)] = addr
	}

	return wsfabric.New(ctx, wsfabric.Config{
		ListenAddr:   ":" + cfg.ServerPort,
		Destinations: destinations,
	})
}

func runTicker(ctx context.Context, l *log.Logger, eb *builder.Builder) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := eb.Tick(ctx); err != nil && ctx.Err() == nil {
				l.Printf("tick: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

type shutdownConfig struct {
	mainCancel      context.CancelFunc
	inletLifecycle  *conc.WaitGroup
	outletLifecycle *conc.WaitGroup
	builder         *builder.Builder
	outlet          *outlet.Outlet
	transport       fabric.Fabric
	telemetry       func(context.Context) error
}

// performGracefulShutdown runs the shutdown steps in the order the
// dependencies between components require: the inlet side (fabric pend
// loop and tick timer) must stop before the event table is discarded, and
// the outlet's transmit loop is kept alive through Flush so the final
// partial batch still reaches the fabric instead of being dropped.
func performGracefulShutdown(l *log.Logger, cfg shutdownConfig) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		l.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			l.Printf("shutdown: %s failed: %v", name, err)
		} else {
			l.Printf("shutdown: %s completed", name)
		}
	}
	waitGroup := func(name string, wg *conc.WaitGroup, timeout time.Duration) {
		if wg == nil {
			return
		}
		step(name, timeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	l.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	waitGroup("waiting for inlet goroutines", cfg.inletLifecycle, outletShutdownTimeout)

	l.Print("shutdown: discarding in-flight events")
	cfg.builder.Shutdown()

	step("flushing outlet", outletShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.outlet.Flush(stepCtx)
	})
	cfg.outlet.Close()

	waitGroup("waiting for outlet goroutine", cfg.outletLifecycle, outletShutdownTimeout)

	if cfg.transport != nil {
		step("shutting down fabric", fabricShutdownTimeout, cfg.transport.Shutdown)
	}

	if cfg.telemetry != nil {
		step("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
