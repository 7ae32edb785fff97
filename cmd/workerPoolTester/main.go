// Command workerPoolTester measures transform throughput on the worker pool
// for a range of thread counts.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/i5heu/pixelcrypt/pkg/partition"
	"github.com/i5heu/pixelcrypt/pkg/transform"
	workerpool "github.com/i5heu/pixelcrypt/pkg/workerPool"
)

type funcResult struct {
	threads int
	elapsed time.Duration
	err     error
}

func main() {
	size := flag.Int("size", 64<<20, "Buffer size in bytes")
	maxThreads := flag.Int("threads", 8, "Largest thread count to try")
	mode := flag.String("mode", "chained", "stateless or chained")
	flag.Parse()

	m, err := transform.ParseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	buf := make([]byte, *size)
	rand.New(rand.NewSource(1)).Read(buf)
	cfg := transform.Config{Operation: transform.Encrypt, Mode: m, Key: []byte("benchmark-key")}

	for threads := 1; threads <= *maxThreads; threads *= 2 {
		r := measure(buf, threads, cfg)
		if r.err != nil {
			fmt.Fprintln(os.Stderr, r.err)
			os.Exit(1)
		}
		mbps := float64(len(buf)) / (1 << 20) / r.elapsed.Seconds()
		fmt.Printf("threads=%d elapsed=%s throughput=%.1f MiB/s\n", r.threads, r.elapsed, mbps)
	}
}

// measure transforms buf once, split over threads pool tasks.
func measure(buf []byte, threads int, cfg transform.Config) funcResult {
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: threads})
	defer wp.Close()

	ranges, err := partition.Split(buf, threads)
	if err != nil {
		return funcResult{threads: threads, err: err}
	}

	start := time.Now()
	room := wp.CreateRoom()
	for _, r := range ranges {
		room.NewTaskWaitForFreeSlot(func() error {
			return transform.Apply(r, cfg)
		})
	}
	err = room.Wait()
	return funcResult{threads: threads, elapsed: time.Since(start), err: err}
}
