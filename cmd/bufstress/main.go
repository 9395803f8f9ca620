// Command bufstress drives a cached, slab-allocated buffer manager stack on
// the noop GPU device with concurrent workers and reports its statistics.
//
// Usage:
//
//	bufstress [--config bufcache.yaml] [--workers 8] [--ops 10000]
//	          [--metrics-addr :9090] [--stats-out stats.json]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/backend/halbuf"
	"github.com/gogpu/bufcache/cache"
	"github.com/gogpu/bufcache/config"
	"github.com/gogpu/bufcache/metrics"
	"github.com/gogpu/bufcache/slab"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath  string
	workers     int
	work        workload
	maxSize     string
	largeSize   string
	metricsAddr string
	statsOut    string
	logLevel    string
}

func parseFlags(errOut io.Writer, args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("bufstress", flag.ContinueOnError)
	fs.SetOutput(errOut)

	fs.StringVarP(&o.configPath, "config", "c", "", "configuration file (.yaml or .jsonc)")
	fs.IntVarP(&o.workers, "workers", "w", 8, "concurrent workers")
	fs.IntVarP(&o.work.ops, "ops", "n", 10000, "buffers allocated per worker")
	fs.StringVar(&o.maxSize, "max-size", "64KiB", "largest small request")
	fs.StringVar(&o.largeSize, "large-size", "4MiB", "largest large request")
	fs.IntVar(&o.work.largeEvery, "large-every", 16, "make every n-th request large (0 disables)")
	fs.IntVar(&o.work.inflight, "inflight", 4, "submissions in flight per worker")
	fs.Float64Var(&o.work.rate, "rate", 0, "allocations per second per worker (0 is unlimited)")
	fs.Uint64Var(&o.work.seed, "seed", 1, "random seed")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&o.statsOut, "stats-out", "", "write a JSON report to this file")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.workers <= 0 {
		return options{}, fmt.Errorf("--workers must be positive, got %d", o.workers)
	}
	if o.work.ops < 0 || o.work.inflight < 0 || o.work.largeEvery < 0 {
		return options{}, errors.New("--ops, --inflight and --large-every must not be negative")
	}
	var err error
	if o.work.maxSize, err = humanize.ParseBytes(o.maxSize); err != nil || o.work.maxSize == 0 {
		return options{}, fmt.Errorf("invalid --max-size %q", o.maxSize)
	}
	if o.work.largeSize, err = humanize.ParseBytes(o.largeSize); err != nil || o.work.largeSize < 2 {
		return options{}, fmt.Errorf("invalid --large-size %q", o.largeSize)
	}
	return o, nil
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	o, err := parseFlags(errOut, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}
	bufcache.SetLogger(slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})))
	defer bufcache.SetLogger(nil)

	cfg := config.Default()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}

	rep, err := stress(ctx, cfg, o, out)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	printReport(out, rep)

	if o.statsOut != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err == nil {
			err = atomic.WriteFile(o.statsOut, bytes.NewReader(data))
		}
		if err != nil {
			fmt.Fprintln(errOut, "error: write report:", err)
			return 1
		}
	}
	return 0
}

// report is the outcome of a run.
type report struct {
	Workers     int                `json:"workers"`
	Ops         uint64             `json:"ops"`
	Bytes       uint64             `json:"bytes"`
	OutOfMemory uint64             `json:"out_of_memory"`
	BusyMaps    uint64             `json:"busy_maps"`
	Elapsed     time.Duration      `json:"elapsed_ns"`
	Memory      halbuf.MemoryStats `json:"memory"`
	Cache       *cache.Stats       `json:"cache,omitempty"`
	Slab        *slab.Stats        `json:"slab,omitempty"`
}

func stress(ctx context.Context, cfg config.Config, o options, out io.Writer) (report, error) {
	st, err := newStack(cfg)
	if err != nil {
		return report{}, err
	}

	every, err := cfg.ReclaimEvery()
	if err != nil {
		return report{}, err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	var bg errgroup.Group
	if funcs := st.reclaimFuncs(); every > 0 && len(funcs) > 0 {
		r := halbuf.NewReclaimer(every, funcs)
		bg.Go(func() error { return r.Run(bgCtx) })
	}

	if o.metricsAddr != "" {
		c := metrics.NewCollector("")
		st.register(c)
		h, err := metrics.Handler(c)
		if err != nil {
			stopBackground()
			return report{}, err
		}
		ln, err := net.Listen("tcp", o.metricsAddr)
		if err != nil {
			stopBackground()
			return report{}, err
		}
		fmt.Fprintf(out, "serving metrics on http://%s/metrics\n", ln.Addr())
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		bg.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		bg.Go(func() error {
			<-bgCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var c counters
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		wk := newWorker(i, st, o.work, &c)
		g.Go(func() error { return wk.run(gctx) })
	}
	werr := g.Wait()
	elapsed := time.Since(start)

	stopBackground()
	if err := bg.Wait(); err != nil && werr == nil {
		werr = err
	}

	// Everything is retired; drain what the layers still hold.
	st.top.Flush()

	rep := report{
		Workers:     o.workers,
		Ops:         c.ops.Load(),
		Bytes:       c.bytes.Load(),
		OutOfMemory: c.outOfMemory.Load(),
		BusyMaps:    c.busyMaps.Load(),
		Elapsed:     elapsed,
		Memory:      st.mem.Stats(),
	}
	if st.cached != nil {
		s := st.cached.Stats()
		rep.Cache = &s
	}
	if st.slabs != nil {
		s := st.slabs.Stats()
		rep.Slab = &s
	}
	st.destroy()
	return rep, werr
}

func printReport(w io.Writer, r report) {
	rate := 0.0
	if r.Elapsed > 0 {
		rate = float64(r.Ops) / r.Elapsed.Seconds()
	}
	fmt.Fprintf(w, "%s allocations (%s) by %d workers in %v, %s/s\n",
		humanize.Comma(int64(r.Ops)), humanize.IBytes(r.Bytes), r.Workers,
		r.Elapsed.Round(time.Millisecond), humanize.CommafWithDigits(rate, 0))
	fmt.Fprintf(w, "out of memory: %d, busy maps: %d\n", r.OutOfMemory, r.BusyMaps)
	fmt.Fprintf(w, "memory: %s\n", r.Memory)
	if r.Cache != nil {
		fmt.Fprintf(w, "cache: %s (hit rate %.1f%%)\n", r.Cache, 100*r.Cache.HitRate())
	}
	if r.Slab != nil {
		fmt.Fprintf(w, "slab: %s\n", r.Slab)
	}
}
