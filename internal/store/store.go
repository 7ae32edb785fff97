// Package store persists emitted images in badger, keyed by job id.
//
// A record lives under "record/<job id>"; its file bytes are lzma-compressed
// and split into fixed-size values under "blob/<job id>/<index>". Storing a
// job id again replaces the previous result.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	boxochunker "github.com/ipfs/boxo/chunker"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"
)

var (
	ErrNotFound     = errors.New("store: job not found")
	ErrInvalidJobID = errors.New("store: invalid job id")
	ErrCorrupt      = errors.New("store: stored result is corrupt")
)

const (
	recordPrefix = "record/"
	blobPrefix   = "blob/"
)

// Record describes one persisted result.
type Record struct {
	ID         uuid.UUID `cbor:"1,keyasint"`
	JobID      string    `cbor:"2,keyasint"`
	Path       string    `cbor:"3,keyasint"`
	Size       int64     `cbor:"4,keyasint"`
	StoredSize int64     `cbor:"5,keyasint"`
	Chunks     int       `cbor:"6,keyasint"`
	CreatedAt  time.Time `cbor:"7,keyasint"`
}

var recordEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

type Store struct {
	config   StoreConfig
	log      *logrus.Logger
	badgerDB *badger.DB
	now      func() time.Time
}

func NewStore(ctx context.Context, config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	if err := config.checkConfig(ctx); err != nil {
		return nil, fmt.Errorf("error checking config for Store: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Paths[0], err)
	}

	if err := logDiskUsage(ctx, log, config.Paths); err != nil {
		log.Warnf("Disk usage unavailable: %v", err)
	}

	return &Store{
		config:   config,
		log:      log,
		badgerDB: db,
		now:      time.Now,
	}, nil
}

func checkJobID(jobID string) error {
	if jobID == "" || strings.Contains(jobID, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

func recordKey(jobID string) []byte {
	return []byte(recordPrefix + jobID)
}

func blobKeyPrefix(jobID string) []byte {
	return []byte(blobPrefix + jobID + "/")
}

func blobKey(jobID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", blobPrefix, jobID, index))
}

// SaveProcessed reads the file at path and stores its bytes under jobID.
func (s *Store) SaveProcessed(ctx context.Context, path, jobID string) (Record, error) {
	if err := checkJobID(jobID); err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	compressed, err := compressWithLzma(data)
	if err != nil {
		return Record{}, fmt.Errorf("compress %s: %w", path, err)
	}

	if err := s.deleteBlobs(jobID); err != nil {
		return Record{}, err
	}

	splitter := boxochunker.NewSizeSplitter(bytes.NewReader(compressed), s.config.ChunkSize)
	wb := s.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	chunks := 0
	for {
		chunk, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Record{}, fmt.Errorf("split %s: %w", path, err)
		}
		if err := wb.Set(blobKey(jobID, chunks), chunk); err != nil {
			return Record{}, fmt.Errorf("write blob %d of %s: %w", chunks, jobID, err)
		}
		chunks++
	}
	if err := wb.Flush(); err != nil {
		return Record{}, fmt.Errorf("flush blobs of %s: %w", jobID, err)
	}

	rec := Record{
		ID:         uuid.New(),
		JobID:      jobID,
		Path:       path,
		Size:       int64(len(data)),
		StoredSize: int64(len(compressed)),
		Chunks:     chunks,
		CreatedAt:  s.now().UTC(),
	}
	raw, err := recordEncMode.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode record %s: %w", jobID, err)
	}
	// The record is written last; a job without one was never stored.
	err = s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(jobID), raw)
	})
	if err != nil {
		return Record{}, fmt.Errorf("write record %s: %w", jobID, err)
	}

	s.log.WithFields(logrus.Fields{
		"jobId":      jobID,
		"id":         rec.ID.String(),
		"path":       path,
		"size":       rec.Size,
		"storedSize": rec.StoredSize,
		"chunks":     chunks,
	}).Info("Stored processed image")
	return rec, nil
}

// Load returns the stored file bytes of jobID and their record.
func (s *Store) Load(jobID string) ([]byte, Record, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, Record{}, err
	}
	rec, err := s.record(jobID)
	if err != nil {
		return nil, Record{}, err
	}

	var compressed bytes.Buffer
	n := 0
	err = s.badgerDB.View(func(txn *badger.Txn) error {
		prefix := blobKeyPrefix(jobID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(v []byte) error {
				compressed.Write(v)
				return nil
			}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return nil, Record{}, fmt.Errorf("read blobs of %s: %w", jobID, err)
	}
	if n != rec.Chunks || int64(compressed.Len()) != rec.StoredSize {
		return nil, Record{}, fmt.Errorf("%w: %s has %d chunks (%d bytes), record says %d (%d bytes)",
			ErrCorrupt, jobID, n, compressed.Len(), rec.Chunks, rec.StoredSize)
	}

	data, err := decompressWithLzma(compressed.Bytes())
	if err != nil {
		return nil, Record{}, fmt.Errorf("%w: decompress %s: %v", ErrCorrupt, jobID, err)
	}
	if int64(len(data)) != rec.Size {
		return nil, Record{}, fmt.Errorf("%w: %s has %d bytes, record says %d", ErrCorrupt, jobID, len(data), rec.Size)
	}
	return data, rec, nil
}

func (s *Store) record(jobID string) (Record, error) {
	var rec Record
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record %s: %w", jobID, err)
	}
	return rec, nil
}

// List returns every stored record ordered by job id.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		prefix := []byte(recordPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(v []byte) error {
				return cbor.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// deleteBlobs removes the record first so a half-replaced result is never
// visible.
func (s *Store) deleteBlobs(jobID string) error {
	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(jobID))
	})
	if err != nil {
		return fmt.Errorf("delete old record of %s: %w", jobID, err)
	}
	if err := s.badgerDB.DropPrefix(blobKeyPrefix(jobID)); err != nil {
		return fmt.Errorf("drop old blobs of %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.badgerDB.Sync(); err != nil {
		s.log.Warnf("Sync before close failed: %v", err)
	}
	return s.badgerDB.Close()
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
