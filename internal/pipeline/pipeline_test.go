package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/pixelcrypt/internal/channel"
	"github.com/i5heu/pixelcrypt/internal/job"
	"github.com/i5heu/pixelcrypt/internal/store"
	"github.com/i5heu/pixelcrypt/pkg/bmp"
	"github.com/i5heu/pixelcrypt/pkg/hoststats"
	"github.com/i5heu/pixelcrypt/pkg/partition"
	"github.com/i5heu/pixelcrypt/pkg/transform"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workerConfig(threads int) WorkerConfig {
	return WorkerConfig{
		Threads: threads,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		HostStats: func(context.Context) (hoststats.Snapshot, error) {
			return hoststats.Snapshot{Hostname: "test-host"}, nil
		},
	}
}

// writeBMP writes a 24-bit BMP whose header carries a few extra bytes
// between the info header and the payload.
func writeBMP(t *testing.T, payload []byte) string {
	t.Helper()
	offset := bmp.MinHeaderSize + 4
	data := make([]byte, offset+len(payload))
	le := binary.LittleEndian
	data[0], data[1] = 'B', 'M'
	le.PutUint32(data[2:6], uint32(len(data)))
	le.PutUint32(data[10:14], uint32(offset))
	le.PutUint32(data[14:18], bmp.InfoHeaderSize)
	le.PutUint16(data[28:30], 24)
	le.PutUint32(data[34:38], uint32(len(payload)))
	copy(data[bmp.MinHeaderSize:offset], "hdr!")
	copy(data[offset:], payload)

	path := filepath.Join(t.TempDir(), "image.bmp")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + i/13)
	}
	return buf
}

type jobOutcome struct {
	result     Result
	err        error
	workerErrs []error
	workers    []*Worker
	coord      *Coordinator
}

// runJob runs one job over an in-process group of size parties.
func runJob(t *testing.T, size, threads int, req Request, persister Persister) jobOutcome {
	t.Helper()
	return runMixedJob(t, size, threads, threads, req, persister)
}

// runMixedJob is runJob with a thread count on the coordinator that differs
// from the one the workers are configured with.
func runMixedJob(t *testing.T, size, coordThreads, workerThreads int, req Request, persister Persister) jobOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	group, err := channel.NewLocalGroup(size)
	require.NoError(t, err)

	out := jobOutcome{workerErrs: make([]error, size)}
	out.coord, err = NewCoordinator(group[channel.Root], workerConfig(coordThreads), persister)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, ch := range group[1:] {
		w := NewWorker(ch, workerConfig(workerThreads))
		out.workers = append(out.workers, w)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			out.workerErrs[rank] = w.Run(ctx)
		}(ch.Rank())
	}

	out.result, out.err = out.coord.Run(ctx, req)
	wg.Wait()
	return out
}

func processedPayload(t *testing.T, path string) []byte {
	t.Helper()
	img, err := bmp.ReadFile(path)
	require.NoError(t, err)
	return img.Payload
}

// referenceTransform applies cfg range by range the way a group of size
// parties with threads threads each does.
func referenceTransform(t *testing.T, payload []byte, size, threads int, cfg transform.Config) []byte {
	t.Helper()
	out := append([]byte(nil), payload...)
	chunks, err := partition.Split(out, size)
	require.NoError(t, err)
	for _, chunk := range chunks {
		subs, err := partition.Split(chunk, threads)
		require.NoError(t, err)
		for _, sub := range subs {
			if len(sub) > 0 {
				require.NoError(t, transform.Apply(sub, cfg))
			}
		}
	}
	return out
}

func TestSingleByteKeyIndependentOfTopology(t *testing.T) {
	payload := testPayload(1001)
	req := Request{Key: []byte{0x5a}, Operation: transform.Encrypt, Mode: transform.Stateless, JobID: "j1"}

	req.ImagePath = writeBMP(t, payload)
	single := runJob(t, 1, 1, req, nil)
	require.NoError(t, single.err)

	req.ImagePath = writeBMP(t, payload)
	wide := runJob(t, 4, 3, req, nil)
	require.NoError(t, wide.err)
	for rank, err := range wide.workerErrs[1:] {
		assert.NoError(t, err, "rank %d", rank+1)
	}

	a := processedPayload(t, single.result.OutputPath)
	b := processedPayload(t, wide.result.OutputPath)
	assert.Equal(t, a, b)
	assert.NotEqual(t, payload, a)
}

func TestMatchesPerRangeReference(t *testing.T) {
	for _, mode := range []transform.Mode{transform.Stateless, transform.Chained} {
		t.Run(mode.String(), func(t *testing.T) {
			payload := testPayload(999)
			cfg := transform.Config{Operation: transform.Encrypt, Mode: mode, Key: []byte{0x11, 0x22, 0x33}}
			req := Request{ImagePath: writeBMP(t, payload), Key: cfg.Key, Operation: cfg.Operation, Mode: cfg.Mode, JobID: "ref"}

			res := runJob(t, 3, 4, req, nil)
			require.NoError(t, res.err)
			assert.Equal(t, referenceTransform(t, payload, 3, 4, cfg), processedPayload(t, res.result.OutputPath))
		})
	}
}

func TestEncryptThenDecryptRestoresImage(t *testing.T) {
	for _, mode := range []transform.Mode{transform.Stateless, transform.Chained} {
		t.Run(mode.String(), func(t *testing.T) {
			payload := testPayload(4099)
			src := writeBMP(t, payload)
			original, err := os.ReadFile(src)
			require.NoError(t, err)

			enc := runJob(t, 3, 2, Request{ImagePath: src, Key: []byte("k3y"), Operation: transform.Encrypt, Mode: mode, JobID: "enc"}, nil)
			require.NoError(t, enc.err)

			dec := runJob(t, 3, 2, Request{ImagePath: enc.result.OutputPath, Key: []byte("k3y"), Operation: transform.Decrypt, Mode: mode, JobID: "dec"}, nil)
			require.NoError(t, dec.err)

			restored, err := os.ReadFile(dec.result.OutputPath)
			require.NoError(t, err)
			assert.Equal(t, original, restored, "header and payload survive the round trip")
		})
	}
}

func TestResultReportsAndLayout(t *testing.T) {
	payload := testPayload(10)
	src := writeBMP(t, payload)
	res := runJob(t, 3, 2, Request{ImagePath: src, Key: []byte("ab"), Operation: transform.Encrypt, Mode: transform.Stateless, JobID: "layout"}, nil)
	require.NoError(t, res.err)

	assert.Equal(t, bmp.OutputPath(src), res.result.OutputPath)
	assert.Equal(t, len(payload), res.result.Bytes)
	require.Len(t, res.result.Reports, 3)
	for rank, r := range res.result.Reports {
		assert.Equal(t, rank, r.Rank)
		assert.Equal(t, 2, r.Threads)
		assert.Equal(t, "test-host", r.Host.Hostname)
	}
	assert.Equal(t, []int{4, 3, 3}, []int{res.result.Reports[0].Bytes, res.result.Reports[1].Bytes, res.result.Reports[2].Bytes})

	assert.Equal(t, StateIdle, res.coord.State())
	for _, w := range res.workers {
		assert.Equal(t, StateIdle, w.State())
	}
}

func TestWorkersFollowCoordinatorThreads(t *testing.T) {
	payload := testPayload(997)
	cfg := transform.Config{Operation: transform.Encrypt, Mode: transform.Chained, Key: []byte("k3y")}
	req := Request{ImagePath: writeBMP(t, payload), Key: cfg.Key, Operation: cfg.Operation, Mode: cfg.Mode, JobID: "mixed"}

	res := runMixedJob(t, 3, 3, 1, req, nil)
	require.NoError(t, res.err)
	for rank, err := range res.workerErrs[1:] {
		require.NoError(t, err, "rank %d", rank+1)
	}

	want := referenceTransform(t, payload, 3, 3, cfg)
	assert.Equal(t, want, processedPayload(t, res.result.OutputPath))
	for _, r := range res.result.Reports {
		assert.Equal(t, 3, r.Threads, "rank %d", r.Rank)
	}

	// Decrypting on a group whose workers default to another count must
	// still restore the source.
	restore := Request{ImagePath: res.result.OutputPath, Key: cfg.Key, Operation: transform.Decrypt, Mode: cfg.Mode, JobID: "mixed-back"}
	back := runMixedJob(t, 3, 3, 5, restore, nil)
	require.NoError(t, back.err)
	assert.Equal(t, payload, processedPayload(t, back.result.OutputPath))
}

func TestMorePartiesThanBytes(t *testing.T) {
	payload := []byte{0, 0, 0}
	src := writeBMP(t, payload)
	res := runJob(t, 5, 4, Request{ImagePath: src, Key: []byte("ab"), Operation: transform.Encrypt, Mode: transform.Stateless, JobID: "tiny"}, nil)
	require.NoError(t, res.err)
	// Every byte starts its own range, so each sees key[0].
	assert.Equal(t, []byte{'a', 'a', 'a'}, processedPayload(t, res.result.OutputPath))
}

func TestMalformedImageAbortsBeforeScatter(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken.bmp")
	require.NoError(t, os.WriteFile(src, []byte("XX not a bitmap at all, but long enough to pass a size check......"), 0o644))

	res := runJob(t, 3, 2, Request{ImagePath: src, Key: []byte("k"), Operation: transform.Encrypt, Mode: transform.Stateless, JobID: "bad"}, nil)
	assert.ErrorIs(t, res.err, job.ErrIngestion)
	assert.ErrorIs(t, res.err, bmp.ErrNotBMP)
	for rank := 1; rank < 3; rank++ {
		assert.ErrorIs(t, res.workerErrs[rank], job.ErrChannel, "rank %d", rank)
		assert.ErrorIs(t, res.workerErrs[rank], channel.ErrAborted, "rank %d", rank)
	}
	_, err := os.Stat(bmp.OutputPath(src))
	assert.True(t, os.IsNotExist(err), "no output file after an aborted job")
}

func TestEmptyKeyAbortsEveryParty(t *testing.T) {
	src := writeBMP(t, testPayload(20))
	res := runJob(t, 2, 1, Request{ImagePath: src, Operation: transform.Encrypt, Mode: transform.Chained, JobID: "nokey"}, nil)
	assert.ErrorIs(t, res.err, job.ErrTransform)
	assert.ErrorIs(t, res.err, transform.ErrEmptyKey)
	assert.ErrorIs(t, res.workerErrs[1], channel.ErrAborted)

	_, err := os.Stat(bmp.OutputPath(src))
	assert.True(t, os.IsNotExist(err))
}

type failingPersister struct {
	calls int
}

func (p *failingPersister) SaveProcessed(context.Context, string, string) (store.Record, error) {
	p.calls++
	return store.Record{}, errors.New("database is down")
}

func TestPersistenceFailureKeepsJobSuccessful(t *testing.T) {
	src := writeBMP(t, testPayload(64))
	p := &failingPersister{}
	res := runJob(t, 2, 2, Request{ImagePath: src, Key: []byte("k"), Operation: transform.Encrypt, Mode: transform.Stateless, JobID: "p"}, p)

	require.NoError(t, res.err)
	assert.Equal(t, 1, p.calls)
	assert.ErrorIs(t, res.result.PersistErr, job.ErrPersistence)
	assert.Nil(t, res.result.Record)
	assert.FileExists(t, res.result.OutputPath)
}

func TestPersistsIntoStore(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := store.NewStore(context.Background(), store.StoreConfig{Paths: []string{t.TempDir()}, Logger: logger})
	require.NoError(t, err)
	defer s.Close()

	src := writeBMP(t, testPayload(300))
	res := runJob(t, 2, 2, Request{ImagePath: src, Key: []byte("k"), Operation: transform.Encrypt, Mode: transform.Chained, JobID: "stored"}, s)
	require.NoError(t, res.err)
	require.NoError(t, res.result.PersistErr)
	require.NotNil(t, res.result.Record)

	emitted, err := os.ReadFile(res.result.OutputPath)
	require.NoError(t, err)
	loaded, rec, err := s.Load("stored")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(emitted, loaded))
	assert.Equal(t, res.result.Record.ID, rec.ID)
}

func TestRoleChecks(t *testing.T) {
	group, err := channel.NewLocalGroup(2)
	require.NoError(t, err)

	_, err = NewCoordinator(group[1], workerConfig(1), nil)
	assert.ErrorIs(t, err, job.ErrUsage)

	err = NewWorker(group[channel.Root], workerConfig(1)).Run(context.Background())
	assert.ErrorIs(t, err, job.ErrUsage)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "ReceivingChunk", StateReceivingChunk.String())
	assert.Equal(t, "Transforming", StateTransforming.String())
	assert.Equal(t, "SendingResult", StateSendingResult.String())
	assert.Equal(t, "Unknown(9)", State(9).String())
}
