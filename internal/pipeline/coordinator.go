package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/pixelcrypt/internal/channel"
	"github.com/i5heu/pixelcrypt/internal/job"
	"github.com/i5heu/pixelcrypt/internal/store"
	"github.com/i5heu/pixelcrypt/pkg/bmp"
	"github.com/i5heu/pixelcrypt/pkg/partition"
	"github.com/i5heu/pixelcrypt/pkg/transform"
)

// Persister stores an emitted file under its job id.
type Persister interface {
	SaveProcessed(ctx context.Context, path, jobID string) (store.Record, error)
}

// Request is one invocation of the coordinator.
type Request struct {
	ImagePath string
	Key       []byte
	Operation transform.Operation
	Mode      transform.Mode
	JobID     string
}

// Result describes a finished job.
type Result struct {
	OutputPath string
	Bytes      int
	Elapsed    time.Duration
	// Reports holds one entry per rank, in rank order.
	Reports []job.Report
	// Record is set when persistence succeeded.
	Record *store.Record
	// PersistErr is set when persistence failed. The job still succeeded.
	PersistErr error
}

// Coordinator is the worker on the root rank. It additionally ingests the
// source image, drives the collectives and emits the reassembled result.
type Coordinator struct { // A
	*Worker
	persister Persister
}

// NewCoordinator binds a coordinator to the root party of the group.
// persister may be nil to skip persistence.
func NewCoordinator(ch channel.Channel, cfg WorkerConfig, persister Persister) (*Coordinator, error) { // A
	if ch.Rank() != channel.Root {
		return nil, fmt.Errorf("%w: coordinator needs rank %d, got %d", job.ErrUsage, channel.Root, ch.Rank())
	}
	return &Coordinator{Worker: NewWorker(ch, cfg), persister: persister}, nil
}

// Run executes one job. Every failure before emission aborts the whole
// group; the channel is closed once the results are gathered.
func (c *Coordinator) Run(ctx context.Context, req Request) (res Result, err error) { // A
	closed := false
	defer func() {
		if !closed {
			if err != nil {
				c.ch.Abort(err)
			}
			_ = c.ch.Close()
		}
		c.release()
	}()
	start := time.Now()

	img, err := bmp.ReadFile(req.ImagePath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", job.ErrIngestion, err)
	}

	meta := job.Metadata{
		JobID:       req.JobID,
		Operation:   req.Operation,
		Mode:        req.Mode,
		Key:         req.Key,
		TotalLength: int64(len(img.Payload)),
		Header:      img.Header.Raw,
		Threads:     c.threads,
	}
	if err := meta.Validate(); err != nil {
		return Result{}, err
	}
	raw, err := meta.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode metadata: %w", job.ErrChannel, err)
	}

	log := c.log.With(logKeyJobID, meta.JobID)
	log.InfoContext(ctx, "job started",
		logKeyPath, req.ImagePath,
		logKeyOperation, meta.Operation.String(),
		logKeyMode, meta.Mode.String(),
		logKeyBytes, meta.TotalLength,
		"parties", c.ch.Size(),
		logKeyThreads, meta.Threads)

	if _, err := c.ch.Broadcast(ctx, raw); err != nil {
		return Result{}, fmt.Errorf("%w: broadcast metadata: %w", job.ErrChannel, err)
	}

	plan, err := partition.New(len(img.Payload), c.ch.Size())
	if err != nil {
		return Result{}, fmt.Errorf("%w: process plan: %w", job.ErrAllocation, err)
	}
	chunks, reports, err := c.process(ctx, meta, plan.Slices(img.Payload))
	if err != nil {
		return Result{}, err
	}
	payload, err := plan.Join(chunks)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reassemble: %w", job.ErrChannel, err)
	}

	// Every party is done with the collectives; let the workers go before
	// touching the disk.
	closed = true
	if err := c.ch.Close(); err != nil {
		log.WarnContext(ctx, "closing channel", logKeyError, err)
	}

	for _, r := range reports {
		log.DebugContext(ctx, "worker report",
			logKeyRank, r.Rank,
			logKeyThreads, r.Threads,
			logKeyBytes, r.Bytes,
			logKeyElapsed, r.Elapsed,
			logKeyHost, r.Host.Hostname)
	}

	img.Payload = payload
	out := bmp.OutputPath(req.ImagePath)
	if err := bmp.WriteFile(out, img); err != nil {
		return Result{}, fmt.Errorf("%w: %w", job.ErrEmission, err)
	}

	res = Result{
		OutputPath: out,
		Bytes:      len(payload),
		Reports:    reports,
	}

	if c.persister != nil {
		rec, perr := c.persister.SaveProcessed(ctx, out, meta.JobID)
		if perr != nil {
			res.PersistErr = fmt.Errorf("%w: %w", job.ErrPersistence, perr)
			log.ErrorContext(ctx, "persisting result failed", logKeyPath, out, logKeyError, perr)
		} else {
			res.Record = &rec
		}
	}

	res.Elapsed = time.Since(start)
	log.InfoContext(ctx, "job finished", logKeyPath, out, logKeyBytes, res.Bytes, logKeyElapsed, res.Elapsed)
	return res, nil
}
