package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// localMessage is what travels between in-process parties.
type localMessage struct { // A
	kind messageKind
	data []byte
}

// localGroup is the shared state of an in-process group. down[i] carries
// messages from the root to rank i, up[i] from rank i to the root. Both are
// unbuffered so every exchange is a rendezvous.
type localGroup struct { // A
	size int
	down []chan localMessage
	up   []chan localMessage

	abortOnce sync.Once
	aborted   chan struct{}
	reason    error
}

// LocalChannel is a party of a group whose members live in one process. It
// is used by tests and by the single-process run mode.
type LocalChannel struct { // A
	g      *localGroup
	rank   int
	closed atomic.Bool
}

// NewLocalGroup returns the size handles of a new in-process group, indexed
// by rank.
func NewLocalGroup(size int) ([]*LocalChannel, error) { // A
	if size < 1 {
		return nil, fmt.Errorf("channel: group size must be positive, got %d", size)
	}
	g := &localGroup{
		size:    size,
		down:    make([]chan localMessage, size),
		up:      make([]chan localMessage, size),
		aborted: make(chan struct{}),
	}
	parties := make([]*LocalChannel, size)
	for i := range parties {
		g.down[i] = make(chan localMessage)
		g.up[i] = make(chan localMessage)
		parties[i] = &LocalChannel{g: g, rank: i}
	}
	return parties, nil
}

func (c *LocalChannel) Rank() int { return c.rank } // A

func (c *LocalChannel) Size() int { return c.g.size } // A

func (c *LocalChannel) Broadcast(ctx context.Context, data []byte) ([]byte, error) { // A
	if c.rank != Root {
		return c.recv(ctx, c.g.down[c.rank], kindBroadcast)
	}
	for i := 1; i < c.g.size; i++ {
		if err := c.send(ctx, c.g.down[i], localMessage{kind: kindBroadcast, data: clone(data)}); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (c *LocalChannel) Scatter(ctx context.Context, parts [][]byte) ([]byte, error) { // A
	if c.rank != Root {
		return c.recv(ctx, c.g.down[c.rank], kindScatter)
	}
	if len(parts) != c.g.size {
		return nil, fmt.Errorf("%w: got %d parts for %d ranks", ErrPartCount, len(parts), c.g.size)
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	for i := 1; i < c.g.size; i++ {
		if err := c.send(ctx, c.g.down[i], localMessage{kind: kindScatter, data: clone(parts[i])}); err != nil {
			return nil, err
		}
	}
	return clone(parts[Root]), nil
}

func (c *LocalChannel) Gather(ctx context.Context, part []byte) ([][]byte, error) { // A
	if c.rank != Root {
		return nil, c.send(ctx, c.g.up[c.rank], localMessage{kind: kindGather, data: clone(part)})
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	parts := make([][]byte, c.g.size)
	parts[Root] = clone(part)
	for i := 1; i < c.g.size; i++ {
		data, err := c.recv(ctx, c.g.up[i], kindGather)
		if err != nil {
			return nil, err
		}
		parts[i] = data
	}
	return parts, nil
}

// Abort is shared by the whole group: the first call wins and every party
// observes it.
func (c *LocalChannel) Abort(reason error) { // A
	c.g.abortOnce.Do(func() {
		if reason == nil {
			reason = ErrAborted
		}
		c.g.reason = reason
		close(c.g.aborted)
	})
}

func (c *LocalChannel) Close() error { // A
	c.closed.Store(true)
	return nil
}

func (c *LocalChannel) usable() error { // A
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case <-c.g.aborted:
		return abortError(c.g.reason.Error())
	default:
		return nil
	}
}

func (c *LocalChannel) send(ctx context.Context, ch chan<- localMessage, msg localMessage) error { // A
	if err := c.usable(); err != nil {
		return err
	}
	select {
	case ch <- msg:
		return nil
	case <-c.g.aborted:
		return abortError(c.g.reason.Error())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LocalChannel) recv(ctx context.Context, ch <-chan localMessage, want messageKind) ([]byte, error) { // A
	if err := c.usable(); err != nil {
		return nil, err
	}
	select {
	case msg := <-ch:
		if msg.kind != want {
			return nil, unexpected(want, msg.kind)
		}
		return msg.data, nil
	case <-c.g.aborted:
		return nil, abortError(c.g.reason.Error())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Channel = (*LocalChannel)(nil)
