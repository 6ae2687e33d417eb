package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/usbrwq/config"
	"github.com/ardnew/usbrwq/dispatch"
	"github.com/ardnew/usbrwq/host"
	"github.com/ardnew/usbrwq/host/hal/loopback"
	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/pkg/prof"
	"github.com/ardnew/usbrwq/queue"
	"github.com/ardnew/usbrwq/request"
)

const shutdownTimeout = 5 * time.Second

// workload is the traffic the run command generates. It is not part of the
// persistent configuration.
type workload struct {
	count        int
	size         int
	suspendAfter time.Duration

	cpuProfile  string
	heapProfile string
}

// NewRunCommand returns the command that runs a write/read workload through
// the queue.
func NewRunCommand() *cobra.Command {
	v := config.New()
	var w workload
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a write/read workload through the request queue",
		Long: `Run opens the loopback function, registers the request queue as the
default queue, and issues --count write/read pairs of --size bytes. With
--suspend-after the host is suspended mid-run and resumed, cancelling
whatever is in flight at that moment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if w.count < 1 || w.size < 1 {
				return fmt.Errorf("%w: --count and --size must be positive", pkg.ErrInvalidParameter)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cmd, cfg, w)
		},
	}

	d := config.Default()
	flags := cmd.Flags()

	flags.StringVar(&configFile, "config", "", "path to an rwqueue.yaml configuration file")
	flags.IntVar(&w.count, "count", 16, "number of write/read pairs to issue")
	flags.IntVar(&w.size, "size", 64, "bytes per request")
	flags.DurationVar(&w.suspendAfter, "suspend-after", 0, "suspend and resume the host after this long (0 disables)")
	flags.StringVar(&w.cpuProfile, "cpu-profile", "", "write a CPU profile of the workload to this file")
	flags.StringVar(&w.heapProfile, "heap-profile", "", "write a heap profile to this file after the workload")

	flags.Bool("power-policy-owner", d.PowerPolicyOwner, "make the request queue power managed")
	flags.Int("max-in-flight", d.MaxInFlight, "maximum transfers executing at once")
	flags.Duration("suspend-grace", d.SuspendGrace, "how long in-flight transfers may run after a suspend before being cancelled")
	flags.Int("loopback-depth", d.Loopback.Depth, "packets buffered by the loopback function")
	flags.Duration("loopback-latency", d.Loopback.Latency, "delay applied to every loopback bulk transfer")
	flags.String("log-level", d.Log.Level, "the log level to use")
	flags.String("log-format", d.Log.Format, "the log format to output logs in (text or json)")
	flags.String("metrics-addr", d.Metrics.Addr, "the host:port address to serve prometheus metrics on (empty disables)")

	cmd.PreRun = bindRunFlagsFunc(v, flags)
	return cmd
}

func bindRunFlagsFunc(v *viper.Viper, flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, _ []string) {
		mustBindPFlag(v, config.KeyPowerPolicyOwner, flags.Lookup("power-policy-owner"))
		mustBindPFlag(v, config.KeyMaxInFlight, flags.Lookup("max-in-flight"))
		mustBindPFlag(v, config.KeySuspendGrace, flags.Lookup("suspend-grace"))
		mustBindPFlag(v, config.KeyLoopbackDepth, flags.Lookup("loopback-depth"))
		mustBindPFlag(v, config.KeyLoopbackLatency, flags.Lookup("loopback-latency"))
		mustBindPFlag(v, config.KeyLogLevel, flags.Lookup("log-level"))
		mustBindPFlag(v, config.KeyLogFormat, flags.Lookup("log-format"))
		mustBindPFlag(v, config.KeyMetricsAddr, flags.Lookup("metrics-addr"))
	}
}

func configureLogging(cmd *cobra.Command, cfg *config.Config) error {
	level, err := pkg.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	pkg.SetLogFormat(cmd.ErrOrStderr(), format)
	pkg.SetLogLevel(level)
	return nil
}

func run(ctx context.Context, cmd *cobra.Command, cfg *config.Config, w workload) (err error) {
	if err := configureLogging(cmd, cfg); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			pkg.LogInfo(pkg.ComponentCLI, "starting prometheus metrics server", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				pkg.LogError(pkg.ComponentCLI, "metrics server failed", "error", err)
			}
		}()
	}

	lb := loopback.New(loopback.Options{Depth: cfg.Loopback.Depth, Latency: cfg.Loopback.Latency})
	if err := lb.Init(ctx); err != nil {
		return fmt.Errorf("init loopback: %w", err)
	}
	if err := lb.Start(); err != nil {
		return fmt.Errorf("start loopback: %w", err)
	}

	dev, err := host.Open(ctx, lb, loopback.Address, host.WithMaxInFlight(cfg.MaxInFlight))
	if err != nil {
		_ = lb.Close()
		return fmt.Errorf("open device: %w", err)
	}

	h := dispatch.NewHost()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, h.Close(ctx), dev.Close(ctx), lb.Close())
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(ctx))
		}
	}()

	if _, err := queue.Create(dev, h, queue.Config{
		PowerManaged: cfg.PowerPolicyOwner,
		StopPolicy:   queue.StopPolicy{SuspendGrace: cfg.SuspendGrace},
	}); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentCLI, "running workload",
		"pairs", w.count,
		"size", w.size,
		"suspendAfter", w.suspendAfter)

	if w.cpuProfile != "" {
		if err := prof.StartCPU(w.cpuProfile); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, prof.StopCPU()) }()
	}

	tally := newTally()
	start := time.Now()

	var wg conc.WaitGroup
	finished := make(chan struct{})
	if w.suspendAfter > 0 {
		wg.Go(func() { suspendCycle(ctx, h, w.suspendAfter, finished) })
	}

	// Every pair keeps at most one packet in the loopback buffer and one
	// transfer in flight, so bounding concurrency by both limits avoids
	// writes starving reads of executor slots.
	p := pool.New().WithMaxGoroutines(max(1, min(cfg.Loopback.Depth, cfg.MaxInFlight)))
	for i := range w.count {
		p.Go(func() { runPair(ctx, h, i, w.size, tally) })
	}
	p.Wait()
	close(finished)
	wg.Wait()

	tally.report(cmd, time.Since(start))

	if w.heapProfile != "" {
		if err := prof.Write(prof.ProfileHeap, w.heapProfile); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func runPair(ctx context.Context, h *dispatch.Host, i, size int, t *tally) {
	payload := make([]byte, size)
	for j := range payload {
		payload[j] = byte(i + j)
	}

	for _, req := range []*request.Request{request.NewWrite(payload), request.NewRead(make([]byte, size))} {
		if err := h.Submit(req); err != nil {
			t.record(req, request.Result{Status: err})
			return
		}
		res, err := req.Wait(ctx)
		if err != nil {
			// Interrupted; closing the host completes the request.
			return
		}
		t.record(req, res)
		if res.Status != nil {
			return
		}
	}
}

func suspendCycle(ctx context.Context, h *dispatch.Host, after time.Duration, finished <-chan struct{}) {
	timer := time.NewTimer(after)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-finished:
		return
	case <-ctx.Done():
		return
	}

	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := h.Suspend(sctx); err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "suspend incomplete", "error", err)
	}
	if err := h.Resume(); err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "resume failed", "error", err)
	}
}

type tally struct {
	mu       sync.Mutex
	statuses map[pkg.TransferStatus]int
	bytes    map[request.Direction]int
}

func newTally() *tally {
	return &tally{
		statuses: make(map[pkg.TransferStatus]int),
		bytes:    make(map[request.Direction]int),
	}
}

func (t *tally) record(req *request.Request, res request.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[pkg.StatusOf(res.Status)]++
	t.bytes[req.Direction()] += res.Information
}

func (t *tally) report(cmd *cobra.Command, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := cmd.OutOrStdout()
	var total int
	for _, n := range t.statuses {
		total += n
	}
	fmt.Fprintf(out, "completed %d requests in %s\n", total, elapsed.Round(time.Millisecond))
	for s := pkg.TransferStatusSuccess; s <= pkg.TransferStatusOverrun; s++ {
		if n := t.statuses[s]; n > 0 {
			fmt.Fprintf(out, "  %-9s %d\n", s.String(), n)
		}
	}
	fmt.Fprintf(out, "  written   %d bytes\n", t.bytes[request.DirectionWrite])
	fmt.Fprintf(out, "  read      %d bytes\n", t.bytes[request.DirectionRead])
}
