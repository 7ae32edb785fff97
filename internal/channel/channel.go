// Package channel implements the collective operations that move job data
// between the parties of one job.
//
// A group has a fixed size. Rank 0 is the root: it is the only sender of
// Broadcast and Scatter and the only receiver of Gather. Every collective is
// a barrier; all parties must call the same operations in the same order.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// Root is the rank of the coordinating party.
const Root = 0

var (
	ErrAborted    = errors.New("channel: job aborted")
	ErrClosed     = errors.New("channel: closed")
	ErrPartCount  = errors.New("channel: scatter needs one part per rank")
	ErrProtocol   = errors.New("channel: unexpected message")
	ErrFrameLarge = errors.New("channel: frame too large")
)

// Channel is one party's handle on the group.
type Channel interface { // A
	// Rank returns this party's index in [0, Size()).
	Rank() int
	// Size returns the number of parties in the group.
	Size() int
	// Broadcast delivers data from the root to every party. Non-root parties
	// pass nil and receive the root's payload.
	Broadcast(ctx context.Context, data []byte) ([]byte, error)
	// Scatter sends parts[i] from the root to rank i. Non-root parties pass
	// nil. Every party receives its own copy of its part.
	Scatter(ctx context.Context, parts [][]byte) ([]byte, error)
	// Gather collects part from every rank at the root, indexed by rank.
	// Non-root parties receive nil.
	Gather(ctx context.Context, part []byte) ([][]byte, error)
	// Abort fails every pending and future collective of every party.
	Abort(reason error)
	// Close releases the party's resources after a finished job.
	Close() error
}

// messageKind tags every payload so a party notices when the group has
// fallen out of step.
type messageKind uint8 // A

const (
	kindHello messageKind = iota + 1
	kindWelcome
	kindBroadcast
	kindScatter
	kindGather
	kindAbort
	kindDone
)

var messageKindNames = map[messageKind]string{ // A
	kindHello:     "Hello",
	kindWelcome:   "Welcome",
	kindBroadcast: "Broadcast",
	kindScatter:   "Scatter",
	kindGather:    "Gather",
	kindAbort:     "Abort",
	kindDone:      "Done",
}

func (k messageKind) String() string { // A
	if name, ok := messageKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Slog attribute keys used throughout the channel package.
const (
	logKeyRank    = "rank"
	logKeySize    = "size"
	logKeyAddress = "address"
	logKeyKind    = "kind"
	logKeyError   = "error"
)

func abortError(reason string) error { // A
	if reason == "" {
		return ErrAborted
	}
	return fmt.Errorf("%w: %s", ErrAborted, reason)
}

func unexpected(want, got messageKind) error { // A
	return fmt.Errorf("%w: want %s, got %s", ErrProtocol, want, got)
}

func clone(b []byte) []byte { // A
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
