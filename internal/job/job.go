// Package job holds the values shared by every party of one distributed job.
package job

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/i5heu/pixelcrypt/pkg/hoststats"
	"github.com/i5heu/pixelcrypt/pkg/transform"
)

// MaxPayload is the largest payload a job accepts. BMP sizes are 32-bit.
const MaxPayload int64 = 1<<32 - 1

// MaxThreads bounds the thread-level party count a job may ask for.
const MaxThreads = 4096

// Metadata is built once by the coordinator and broadcast verbatim to every
// worker. It is read-only after construction.
type Metadata struct {
	JobID       string              `cbor:"1,keyasint"`
	Operation   transform.Operation `cbor:"2,keyasint"`
	Mode        transform.Mode      `cbor:"3,keyasint"`
	Key         []byte              `cbor:"4,keyasint"`
	TotalLength int64               `cbor:"5,keyasint"`
	// Header is the container prefix needed to re-emit the payload.
	Header []byte `cbor:"6,keyasint"`
	// Threads is the thread-level party count every worker splits its
	// chunk into. It is fixed by the coordinator so chained output does not
	// depend on the CPU count of each host.
	Threads int `cbor:"7,keyasint"`
}

// TransformConfig returns the transform this job applies.
func (m Metadata) TransformConfig() transform.Config {
	return transform.Config{Operation: m.Operation, Mode: m.Mode, Key: m.Key}
}

// Validate checks the fields every party depends on.
func (m Metadata) Validate() error {
	if m.TotalLength < 0 || m.TotalLength > MaxPayload {
		return fmt.Errorf("%w: payload length %d outside [0, %d]", ErrAllocation, m.TotalLength, MaxPayload)
	}
	if m.Threads < 1 || m.Threads > MaxThreads {
		return fmt.Errorf("%w: thread count %d outside [1, %d]", ErrAllocation, m.Threads, MaxThreads)
	}
	if err := m.TransformConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransform, err)
	}
	return nil
}

func (m Metadata) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// UnmarshalMetadata decodes and validates metadata received from the channel.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: decode metadata: %w", ErrChannel, err)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Report is what each worker sends back after its chunk is gathered.
type Report struct {
	Rank    int                `cbor:"1,keyasint"`
	Threads int                `cbor:"2,keyasint"`
	Bytes   int                `cbor:"3,keyasint"`
	Elapsed time.Duration      `cbor:"4,keyasint"`
	Host    hoststats.Snapshot `cbor:"5,keyasint"`
}

func (r Report) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

func UnmarshalReport(data []byte) (Report, error) {
	var r Report
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("%w: decode report: %w", ErrChannel, err)
	}
	return r, nil
}
