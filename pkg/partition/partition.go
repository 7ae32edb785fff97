// Package partition splits a run of N items across K parties.
//
// The split is contiguous and gap-free: the first N mod K parties receive one
// extra item. Every caller with the same (N, K) computes the same plan, so
// parties can agree on boundaries without talking to each other.
package partition

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParties = errors.New("partition: party count must be positive")
	ErrNegativeLength = errors.New("partition: length must not be negative")
	ErrPartMismatch   = errors.New("partition: parts do not match plan")
)

// Range is the half-open interval [Offset, Offset+Length).
type Range struct {
	Offset int
	Length int
}

// End returns the exclusive upper bound of the range.
func (r Range) End() int {
	return r.Offset + r.Length
}

// Plan is an ordered cover of [0, N) with one Range per party.
type Plan []Range

// New computes the plan for n items over k parties.
func New(n, k int) (Plan, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidParties, k)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNegativeLength, n)
	}

	base := n / k
	extra := n % k

	plan := make(Plan, k)
	offset := 0
	for i := range plan {
		length := base
		if i < extra {
			length++
		}
		plan[i] = Range{Offset: offset, Length: length}
		offset += length
	}
	return plan, nil
}

// Total returns the number of items covered by the plan.
func (p Plan) Total() int {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].End()
}

// Counts returns the per-party lengths.
func (p Plan) Counts() []int {
	counts := make([]int, len(p))
	for i, r := range p {
		counts[i] = r.Length
	}
	return counts
}

// Offsets returns the per-party start offsets.
func (p Plan) Offsets() []int {
	offsets := make([]int, len(p))
	for i, r := range p {
		offsets[i] = r.Offset
	}
	return offsets
}

// Slices cuts buf into the plan's sub-slices. Each sub-slice has its capacity
// clamped to its length, so appending to one never writes into a neighbour.
// buf must be at least p.Total() bytes long.
func (p Plan) Slices(buf []byte) [][]byte {
	parts := make([][]byte, len(p))
	for i, r := range p {
		parts[i] = buf[r.Offset:r.End():r.End()]
	}
	return parts
}

// Join concatenates parts in plan order into a fresh buffer. Every part must
// have exactly the length the plan assigns to its index.
func (p Plan) Join(parts [][]byte) ([]byte, error) {
	if len(parts) != len(p) {
		return nil, fmt.Errorf("%w: %d parts for %d ranges", ErrPartMismatch, len(parts), len(p))
	}
	out := make([]byte, p.Total())
	for i, r := range p {
		if len(parts[i]) != r.Length {
			return nil, fmt.Errorf("%w: part %d has %d bytes, want %d", ErrPartMismatch, i, len(parts[i]), r.Length)
		}
		copy(out[r.Offset:r.End()], parts[i])
	}
	return out, nil
}

// Split is New(len(buf), k) followed by Slices.
func Split(buf []byte, k int) ([][]byte, error) {
	plan, err := New(len(buf), k)
	if err != nil {
		return nil, err
	}
	return plan.Slices(buf), nil
}
