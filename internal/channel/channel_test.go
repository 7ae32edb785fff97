package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/pixelcrypt/pkg/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runParties runs fn once per party concurrently and returns the errors by
// rank.
func runParties(parties []Channel, fn func(c Channel) error) []error { // A
	errs := make([]error, len(parties))
	var wg sync.WaitGroup
	for _, p := range parties {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			errs[c.Rank()] = fn(c)
		}(p)
	}
	wg.Wait()
	return errs
}

// exerciseCollectives runs one broadcast, scatter and gather round over the
// parties and checks what each of them sees.
func exerciseCollectives(t *testing.T, parties []Channel, payload []byte) { // A
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	size := len(parties)
	plan, err := partition.New(len(payload), size)
	require.NoError(t, err)

	var gathered [][]byte
	errs := runParties(parties, func(c Channel) error {
		var msg []byte
		var parts [][]byte
		if c.Rank() == Root {
			msg = []byte("metadata")
			parts = plan.Slices(payload)
		}

		got, err := c.Broadcast(ctx, msg)
		if err != nil {
			return err
		}
		if string(got) != "metadata" {
			return fmt.Errorf("rank %d broadcast got %q", c.Rank(), got)
		}

		chunk, err := c.Scatter(ctx, parts)
		if err != nil {
			return err
		}
		want := payload[plan[c.Rank()].Offset:plan[c.Rank()].End()]
		if !bytes.Equal(chunk, want) {
			return fmt.Errorf("rank %d scatter got %d bytes, want %d", c.Rank(), len(chunk), len(want))
		}

		// Later ranks finish first; the root must still order by rank.
		time.Sleep(time.Duration(size-c.Rank()) * 5 * time.Millisecond)
		all, err := c.Gather(ctx, chunk)
		if err != nil {
			return err
		}
		if c.Rank() == Root {
			gathered = all
		} else if all != nil {
			return fmt.Errorf("rank %d got gather result", c.Rank())
		}
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}

	joined, err := plan.Join(gathered)
	require.NoError(t, err)
	assert.Equal(t, payload, joined)
}

func localParties(t *testing.T, size int) []Channel { // A
	t.Helper()
	group, err := NewLocalGroup(size)
	require.NoError(t, err)
	parties := make([]Channel, len(group))
	for i, p := range group {
		parties[i] = p
	}
	return parties
}

func TestLocalCollectives(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 101)
	for _, size := range []int{1, 2, 4, 7} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			exerciseCollectives(t, localParties(t, size), payload)
		})
	}
}

func TestLocalScatterHandsOutCopies(t *testing.T) {
	parties := localParties(t, 2)
	payload := []byte{1, 2, 3, 4}
	parts := [][]byte{payload[:2], payload[2:]}

	errs := runParties(parties, func(c Channel) error {
		var in [][]byte
		if c.Rank() == Root {
			in = parts
		}
		chunk, err := c.Scatter(context.Background(), in)
		if err != nil {
			return err
		}
		for i := range chunk {
			chunk[i] = 0xee
		}
		return nil
	})
	require.NoError(t, errors.Join(errs...))
	assert.Equal(t, []byte{1, 2, 3, 4}, payload, "scattered chunks must not alias the source buffer")
}

func TestLocalScatterRejectsWrongPartCount(t *testing.T) {
	parties := localParties(t, 3)
	_, err := parties[Root].Scatter(context.Background(), [][]byte{{1}})
	assert.ErrorIs(t, err, ErrPartCount)
}

func TestLocalAbortReachesEveryParty(t *testing.T) {
	parties := localParties(t, 4)
	cause := errors.New("bad header")

	errs := runParties(parties, func(c Channel) error {
		if c.Rank() == Root {
			c.Abort(cause)
			return nil
		}
		_, err := c.Broadcast(context.Background(), nil)
		return err
	})

	assert.NoError(t, errs[Root])
	for rank := 1; rank < len(parties); rank++ {
		assert.ErrorIs(t, errs[rank], ErrAborted, "rank %d", rank)
		assert.ErrorContains(t, errs[rank], "bad header")
	}
}

func TestLocalOutOfStepIsProtocolError(t *testing.T) {
	parties := localParties(t, 2)
	errs := runParties(parties, func(c Channel) error {
		if c.Rank() == Root {
			_, err := c.Broadcast(context.Background(), []byte("x"))
			return err
		}
		_, err := c.Scatter(context.Background(), nil)
		return err
	})
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrProtocol)
}

func TestLocalContextCancel(t *testing.T) {
	parties := localParties(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := parties[1].Broadcast(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalClosed(t *testing.T) {
	parties := localParties(t, 1)
	require.NoError(t, parties[0].Close())
	_, err := parties[0].Gather(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMessageKindString(t *testing.T) {
	assert.Equal(t, "Scatter", kindScatter.String())
	assert.Equal(t, "Unknown(99)", messageKind(99).String())
}
