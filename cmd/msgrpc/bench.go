package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	msgrpc "github.com/ironfang-ltd/go-msgrpc"
)

var (
	benchMethod      string
	benchConcurrency int
	benchCalls       int
	benchDuration    time.Duration
	benchNotifyPct   int
	benchPayload     int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load a server with concurrent calls and report throughput and latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchConcurrency <= 0 {
			return fmt.Errorf("--concurrency must be positive")
		}
		if benchCalls <= 0 && benchDuration <= 0 {
			return fmt.Errorf("one of --calls or --duration is required")
		}
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		return runBench(ctx, cmd.OutOrStdout(), s.client)
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchMethod, "method", "echo", "method to call")
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", runtime.GOMAXPROCS(0)*4, "concurrent callers")
	benchCmd.Flags().IntVarP(&benchCalls, "calls", "n", 10000, "total calls (0 = run for --duration)")
	benchCmd.Flags().DurationVarP(&benchDuration, "duration", "d", 0, "run time limit")
	benchCmd.Flags().IntVar(&benchNotifyPct, "notify-pct", 0, "percentage of notifications instead of calls")
	benchCmd.Flags().IntVar(&benchPayload, "payload", 16, "bytes of argument payload per call")
	rootCmd.AddCommand(benchCmd)
}

type benchStats struct {
	calls    atomic.Int64
	notifies atomic.Int64
	errors   atomic.Int64
	timeouts atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (b *benchStats) record(d time.Duration) {
	b.mu.Lock()
	b.latencies = append(b.latencies, d)
	b.mu.Unlock()
}

func runBench(ctx context.Context, out io.Writer, client *msgrpc.Client) error {
	if benchDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, benchDuration)
		defer cancel()
	}

	payload := make([]byte, benchPayload)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	fmt.Fprintf(out, "msgrpc bench\n")
	fmt.Fprintf(out, "  endpoint:    %s (%s)\n", cfg.Endpoint, cfg.Network)
	fmt.Fprintf(out, "  method:      %s\n", benchMethod)
	fmt.Fprintf(out, "  concurrency: %d\n", benchConcurrency)
	fmt.Fprintf(out, "  mix:         %d%% notify / %d%% call\n", benchNotifyPct, 100-benchNotifyPct)

	var (
		stats     benchStats
		remaining atomic.Int64
	)
	remaining.Store(int64(benchCalls))
	notifyThreshold := float64(benchNotifyPct) / 100.0

	cpuStart := readCPUUsage()
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for range benchConcurrency {
		g.Go(func() error {
			for {
				if benchCalls > 0 && remaining.Add(-1) < 0 {
					return nil
				}
				if gctx.Err() != nil {
					return nil
				}
				t0 := time.Now()
				var err error
				if rand.Float64() < notifyThreshold {
					err = client.Notify(gctx, benchMethod, payload)
					stats.notifies.Add(1)
				} else {
					_, err = client.Call(gctx, benchMethod, payload)
					stats.calls.Add(1)
				}
				switch {
				case err == nil:
					stats.record(time.Since(t0))
				case errors.Is(err, msgrpc.ErrTimeout):
					stats.timeouts.Add(1)
				case gctx.Err() != nil:
					return nil
				default:
					stats.errors.Add(1)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	cpu := readCPUUsage().since(cpuStart)

	stats.mu.Lock()
	lat := stats.latencies
	stats.mu.Unlock()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	total := stats.calls.Load() + stats.notifies.Load()
	fmt.Fprintf(out, "\n=== SUMMARY ===\n")
	fmt.Fprintf(out, "  Duration:      %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(out, "  Calls:         %d\n", stats.calls.Load())
	fmt.Fprintf(out, "  Notifications: %d\n", stats.notifies.Load())
	fmt.Fprintf(out, "  Errors:        %d\n", stats.errors.Load())
	fmt.Fprintf(out, "  Timeouts:      %d\n", stats.timeouts.Load())
	fmt.Fprintf(out, "  Throughput:    %.0f ops/s\n", float64(total)/elapsed.Seconds())
	fmt.Fprintf(out, "  CPU:           %s user, %s sys (%.0f%% of one core)\n",
		cpu.user.Truncate(time.Millisecond), cpu.system.Truncate(time.Millisecond),
		100*cpu.total().Seconds()/elapsed.Seconds())
	if len(lat) > 0 {
		fmt.Fprintf(out, "  Latency:       p50=%s p90=%s p99=%s max=%s\n",
			percentile(lat, 50), percentile(lat, 90), percentile(lat, 99), lat[len(lat)-1])
	}

	snap := client.Manager().Metrics().Snapshot()
	fmt.Fprintf(out, "  Transports:    opened=%d orphans=%d protocol_errors=%d\n",
		snap["transports_opened"], snap["orphan_responses"], snap["protocol_errors"])
	return nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx].Round(time.Microsecond)
}
