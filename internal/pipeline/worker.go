// Package pipeline runs one distributed transform job: the coordinator
// ingests and reassembles the image, every party (coordinator included)
// transforms its own chunk on a pool of threads.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/i5heu/pixelcrypt/internal/channel"
	"github.com/i5heu/pixelcrypt/internal/job"
	"github.com/i5heu/pixelcrypt/pkg/hoststats"
	"github.com/i5heu/pixelcrypt/pkg/partition"
	"github.com/i5heu/pixelcrypt/pkg/transform"
	workerpool "github.com/i5heu/pixelcrypt/pkg/workerPool"
)

// Slog attribute keys used throughout the pipeline package.
const (
	logKeyJobID     = "jobId"
	logKeyRank      = "rank"
	logKeyState     = "state"
	logKeyBytes     = "bytes"
	logKeyThreads   = "threads"
	logKeyElapsed   = "elapsed"
	logKeyError     = "error"
	logKeyPath      = "path"
	logKeyOperation = "operation"
	logKeyMode      = "mode"
	logKeyHost      = "host"
)

// State is the position of a worker in its per-job cycle.
type State uint32 // A

const (
	StateIdle State = iota
	StateReceivingChunk
	StateTransforming
	StateSendingResult
)

var stateNames = map[State]string{ // A
	StateIdle:           "Idle",
	StateReceivingChunk: "ReceivingChunk",
	StateTransforming:   "Transforming",
	StateSendingResult:  "SendingResult",
}

func (s State) String() string { // A
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint32(s))
}

// WorkerConfig configures a Worker.
type WorkerConfig struct { // A
	// Threads is the number of sub-ranges a chunk is split into when this
	// party coordinates; other parties follow the coordinator's count. If
	// < 1 the pool's worker count is used.
	Threads int
	// Pool runs the per-thread tasks. If nil the worker creates and owns a
	// pool with Threads goroutines.
	Pool *workerpool.WorkerPool
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// HostStats snapshots the host for the job report. Defaults to
	// hoststats.Collect.
	HostStats func(ctx context.Context) (hoststats.Snapshot, error)
}

// Worker owns one process-level chunk per job.
type Worker struct { // A
	ch        channel.Channel
	pool      *workerpool.WorkerPool
	ownsPool  bool
	threads   int
	log       *slog.Logger
	hostStats func(ctx context.Context) (hoststats.Snapshot, error)
	state     atomic.Uint32
}

// NewWorker binds a worker to its party of the group.
func NewWorker(ch channel.Channel, cfg WorkerConfig) *Worker { // A
	w := &Worker{
		ch:        ch,
		pool:      cfg.Pool,
		threads:   cfg.Threads,
		log:       cfg.Logger,
		hostStats: cfg.HostStats,
	}
	if w.pool == nil {
		w.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Threads})
		w.ownsPool = true
	}
	if w.threads < 1 {
		w.threads = w.pool.WorkerCount()
	}
	if w.log == nil {
		w.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if w.hostStats == nil {
		w.hostStats = hoststats.Collect
	}
	w.log = w.log.With(logKeyRank, ch.Rank())
	return w
}

// State returns the worker's current state.
func (w *Worker) State() State { // A
	return State(w.state.Load())
}

// Threads returns the thread-level party count this party proposes as
// coordinator.
func (w *Worker) Threads() int { // A
	return w.threads
}

func (w *Worker) setState(ctx context.Context, s State) { // A
	w.state.Store(uint32(s))
	w.log.DebugContext(ctx, "worker state", logKeyState, s.String())
}

// Run serves one job on a non-root party: receive the metadata, then the
// chunk, transform it and send it back. Run closes the channel; on failure it
// aborts the whole group first.
func (w *Worker) Run(ctx context.Context) (err error) { // A
	defer func() {
		if err != nil {
			w.ch.Abort(err)
		}
		_ = w.ch.Close()
		w.release()
	}()

	if w.ch.Rank() == channel.Root {
		return fmt.Errorf("%w: rank %d is the coordinator", job.ErrUsage, w.ch.Rank())
	}

	raw, err := w.ch.Broadcast(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: receive metadata: %w", job.ErrChannel, err)
	}
	meta, err := job.UnmarshalMetadata(raw)
	if err != nil {
		return err
	}

	w.log.InfoContext(ctx, "job received",
		logKeyJobID, meta.JobID,
		logKeyOperation, meta.Operation.String(),
		logKeyMode, meta.Mode.String(),
		logKeyBytes, meta.TotalLength,
		logKeyThreads, meta.Threads)

	_, _, err = w.process(ctx, meta, nil)
	return err
}

// process runs the scatter, transform and gather steps shared by every
// party. parts is only read on the root; chunks and reports are only
// returned on the root.
func (w *Worker) process(ctx context.Context, meta job.Metadata, parts [][]byte) ([][]byte, []job.Report, error) { // A
	defer w.setState(ctx, StateIdle)

	plan, err := partition.New(int(meta.TotalLength), w.ch.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: process plan: %w", job.ErrAllocation, err)
	}

	w.setState(ctx, StateReceivingChunk)
	chunk, err := w.ch.Scatter(ctx, parts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: receive chunk: %w", job.ErrChannel, err)
	}
	if want := plan[w.ch.Rank()].Length; len(chunk) != want {
		return nil, nil, fmt.Errorf("%w: chunk has %d bytes, plan says %d", job.ErrChannel, len(chunk), want)
	}

	w.setState(ctx, StateTransforming)
	start := time.Now()
	if err := w.transformChunk(chunk, meta.TransformConfig(), meta.Threads); err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)

	w.setState(ctx, StateSendingResult)
	chunks, err := w.ch.Gather(ctx, chunk)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: send chunk: %w", job.ErrChannel, err)
	}

	rawReport, err := w.report(ctx, meta.Threads, len(chunk), elapsed).Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode report: %w", job.ErrChannel, err)
	}
	rawReports, err := w.ch.Gather(ctx, rawReport)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: send report: %w", job.ErrChannel, err)
	}

	w.log.DebugContext(ctx, "chunk done",
		logKeyJobID, meta.JobID,
		logKeyBytes, len(chunk),
		logKeyElapsed, elapsed)

	if w.ch.Rank() != channel.Root {
		return nil, nil, nil
	}
	reports := make([]job.Report, len(rawReports))
	for i, raw := range rawReports {
		if reports[i], err = job.UnmarshalReport(raw); err != nil {
			return nil, nil, fmt.Errorf("report of rank %d: %w", i, err)
		}
	}
	return chunks, reports, nil
}

// transformChunk splits chunk into threads sub-ranges and transforms every
// non-empty one as its own pool task. The sub-ranges are disjoint, so the
// room's join is the only synchronisation.
func (w *Worker) transformChunk(chunk []byte, cfg transform.Config, threads int) error { // A
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", job.ErrTransform, err)
	}
	ranges, err := partition.Split(chunk, threads)
	if err != nil {
		return fmt.Errorf("%w: thread plan: %w", job.ErrTransform, err)
	}

	room := w.pool.CreateRoom()
	for _, sub := range ranges {
		if len(sub) == 0 {
			continue
		}
		room.NewTaskWaitForFreeSlot(func() error {
			return transform.Apply(sub, cfg)
		})
	}
	if err := room.Wait(); err != nil {
		return fmt.Errorf("%w: %w", job.ErrTransform, err)
	}
	return nil
}

func (w *Worker) report(ctx context.Context, threads, n int, elapsed time.Duration) job.Report { // A
	host, err := w.hostStats(ctx)
	if err != nil {
		w.log.DebugContext(ctx, "host stats incomplete", logKeyError, err)
	}
	return job.Report{
		Rank:    w.ch.Rank(),
		Threads: threads,
		Bytes:   n,
		Elapsed: elapsed,
		Host:    host,
	}
}

func (w *Worker) release() { // A
	if w.ownsPool {
		w.pool.Close()
	}
}
