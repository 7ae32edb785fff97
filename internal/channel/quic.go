package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol          = "pixelcrypt-quic"
	protocolVersion  byte = 1
	helloSize             = 1  // [version]
	welcomeSize           = 10 // [version][rank u32][size u32][flags]
	welcomeCompress  byte = 1
	handshakeTimeout      = 10 * time.Second
	doneTimeout           = 5 * time.Second

	codeDone  quic.ApplicationErrorCode = 0
	codeAbort quic.ApplicationErrorCode = 1
)

// QUICConfig holds the settings of the QUIC channel.
type QUICConfig struct { // A
	// Addr is the address the root listens on and workers dial.
	Addr string
	// Size is the number of parties including the root. Only the root reads
	// it; workers learn it from the welcome frame.
	Size int
	// Compress turns on zstd compression of large frames. Only the root
	// reads it; workers adopt the root's choice.
	Compress bool
	// MaxIdleTimeout closes links to peers that stopped responding.
	MaxIdleTimeout time.Duration
	// KeepAlivePeriod keeps idle links open while a peer transforms.
	KeepAlivePeriod time.Duration
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
}

// DefaultQUICConfig returns sensible defaults for a two-party group.
func DefaultQUICConfig() QUICConfig { // A
	return QUICConfig{
		Addr:            ":4242",
		Size:            2,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

func (cfg QUICConfig) quicConfig() *quic.Config { // A
	return &quic.Config{
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
	}
}

func (cfg QUICConfig) logger() *slog.Logger { // A
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// frameStream is the part of a QUIC stream the channel uses.
type frameStream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// quicPeer is one link of the star around the root.
type quicPeer struct { // A
	conn   *quic.Conn
	stream frameStream
	rank   int
}

// Listener accepts the workers of one group on the root.
type Listener struct { // A
	listener *quic.Listener
	cfg      QUICConfig
	logger   *slog.Logger
}

// Listen opens the root's QUIC listener.
func Listen(cfg QUICConfig) (*Listener, error) { // A
	if cfg.Size < 1 {
		return nil, fmt.Errorf("channel: group size must be positive, got %d", cfg.Size)
	}
	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}
	l, err := quic.ListenAddr(cfg.Addr, tlsConfig, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &Listener{listener: l, cfg: cfg, logger: cfg.logger()}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() string { // A
	return l.listener.Addr().String()
}

// Close releases the listener. After a successful Accept the returned
// channel owns the listener and closes it itself.
func (l *Listener) Close() error { // A
	return l.listener.Close()
}

// Accept blocks until Size-1 workers have joined and returns the root's
// channel. Ranks are assigned in arrival order. A connection that fails its
// handshake is dropped and does not take a rank.
func (l *Listener) Accept(ctx context.Context) (*QUICChannel, error) { // A
	codec, err := newFrameCodec(l.cfg.Compress)
	if err != nil {
		return nil, err
	}
	ch := &QUICChannel{
		rank:     Root,
		size:     l.cfg.Size,
		peers:    make([]*quicPeer, l.cfg.Size),
		codec:    codec,
		logger:   l.logger,
		listener: l.listener,
	}

	for next := 1; next < l.cfg.Size; {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			ch.closeLinks(codeAbort, "accept failed")
			codec.close()
			return nil, fmt.Errorf("quic accept: %w", err)
		}
		peer, err := l.welcome(ctx, conn, next)
		if err != nil {
			l.logger.WarnContext(ctx, "dropping worker after failed handshake",
				logKeyAddress, conn.RemoteAddr().String(),
				logKeyError, err)
			_ = conn.CloseWithError(codeAbort, "handshake failed")
			continue
		}
		ch.peers[next] = peer
		l.logger.DebugContext(ctx, "worker joined",
			logKeyRank, next,
			logKeyAddress, conn.RemoteAddr().String())
		next++
	}

	l.logger.InfoContext(ctx, "group complete", logKeySize, l.cfg.Size)
	return ch, nil
}

// welcome runs the root side of the handshake: read hello, send rank.
func (l *Listener) welcome(ctx context.Context, conn *quic.Conn, rank int) (*quicPeer, error) { // A
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	if err := stream.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}

	plain := handshakeCodec(helloSize)
	kind, payload, err := plain.read(stream)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if kind != kindHello {
		return nil, unexpected(kindHello, kind)
	}
	if len(payload) != helloSize || payload[0] != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %v", ErrProtocol, payload)
	}

	welcome := make([]byte, welcomeSize)
	welcome[0] = protocolVersion
	binary.BigEndian.PutUint32(welcome[1:5], uint32(rank))
	binary.BigEndian.PutUint32(welcome[5:9], uint32(l.cfg.Size))
	if l.cfg.Compress {
		welcome[9] = welcomeCompress
	}
	if err := plain.write(stream, kindWelcome, welcome); err != nil {
		return nil, fmt.Errorf("send welcome: %w", err)
	}

	if err := stream.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &quicPeer{conn: conn, stream: stream, rank: rank}, nil
}

// Dial joins the group whose root listens on cfg.Addr.
func Dial(ctx context.Context, cfg QUICConfig) (*QUICChannel, error) { // A
	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	conn, err := quic.DialAddr(ctx, cfg.Addr, clientTLS, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	rank, size, compress, stream, err := hello(ctx, conn)
	if err != nil {
		_ = conn.CloseWithError(codeAbort, "handshake failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}

	codec, err := newFrameCodec(compress)
	if err != nil {
		_ = conn.CloseWithError(codeAbort, "codec setup failed")
		return nil, err
	}

	logger := cfg.logger()
	logger.InfoContext(ctx, "joined group",
		logKeyRank, rank,
		logKeySize, size,
		logKeyAddress, cfg.Addr)

	peers := make([]*quicPeer, 1)
	peers[Root] = &quicPeer{conn: conn, stream: stream, rank: Root}
	return &QUICChannel{
		rank:   rank,
		size:   size,
		peers:  peers,
		codec:  codec,
		logger: logger,
	}, nil
}

// hello runs the worker side of the handshake.
func hello(ctx context.Context, conn *quic.Conn) (rank, size int, compress bool, stream frameStream, err error) { // A
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, 0, false, nil, fmt.Errorf("open stream: %w", err)
	}
	if err := s.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return 0, 0, false, nil, err
	}

	plain := handshakeCodec(welcomeSize)
	if err := plain.write(s, kindHello, []byte{protocolVersion}); err != nil {
		return 0, 0, false, nil, fmt.Errorf("send hello: %w", err)
	}
	kind, payload, err := plain.read(s)
	if err != nil {
		return 0, 0, false, nil, fmt.Errorf("read welcome: %w", err)
	}
	if kind == kindAbort {
		return 0, 0, false, nil, abortError(string(payload))
	}
	if kind != kindWelcome {
		return 0, 0, false, nil, unexpected(kindWelcome, kind)
	}
	if len(payload) != welcomeSize || payload[0] != protocolVersion {
		return 0, 0, false, nil, fmt.Errorf("%w: malformed welcome", ErrProtocol)
	}

	rank = int(binary.BigEndian.Uint32(payload[1:5]))
	size = int(binary.BigEndian.Uint32(payload[5:9]))
	if rank < 1 || rank >= size {
		return 0, 0, false, nil, fmt.Errorf("%w: rank %d outside group of %d", ErrProtocol, rank, size)
	}
	if err := s.SetDeadline(time.Time{}); err != nil {
		return 0, 0, false, nil, err
	}
	return rank, size, payload[9]&welcomeCompress != 0, s, nil
}

// QUICChannel is a party of a group connected over QUIC. The root holds one
// stream per worker; a worker holds one stream to the root. Each stream
// carries the frames of one link in order.
type QUICChannel struct { // A
	rank     int
	size     int
	peers    []*quicPeer
	codec    *frameCodec
	logger   *slog.Logger
	listener *quic.Listener

	aborted   atomic.Bool
	closeOnce sync.Once
}

func (c *QUICChannel) Rank() int { return c.rank } // A

func (c *QUICChannel) Size() int { return c.size } // A

func (c *QUICChannel) Broadcast(ctx context.Context, data []byte) ([]byte, error) { // A
	if c.rank != Root {
		return c.recv(ctx, c.peers[Root], kindBroadcast)
	}
	for _, p := range c.workers() {
		if err := c.send(ctx, p, kindBroadcast, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (c *QUICChannel) Scatter(ctx context.Context, parts [][]byte) ([]byte, error) { // A
	if c.rank != Root {
		return c.recv(ctx, c.peers[Root], kindScatter)
	}
	if len(parts) != c.size {
		return nil, fmt.Errorf("%w: got %d parts for %d ranks", ErrPartCount, len(parts), c.size)
	}
	for _, p := range c.workers() {
		if err := c.send(ctx, p, kindScatter, parts[p.rank]); err != nil {
			return nil, err
		}
	}
	return clone(parts[Root]), nil
}

// Gather reads every worker's link concurrently; parts land at their rank's
// index whatever order they arrive in.
func (c *QUICChannel) Gather(ctx context.Context, part []byte) ([][]byte, error) { // A
	if c.rank != Root {
		return nil, c.send(ctx, c.peers[Root], kindGather, part)
	}
	if c.aborted.Load() {
		return nil, ErrAborted
	}

	parts := make([][]byte, c.size)
	parts[Root] = clone(part)
	errs := make([]error, c.size)

	var wg sync.WaitGroup
	for _, p := range c.workers() {
		wg.Add(1)
		go func(p *quicPeer) {
			defer wg.Done()
			parts[p.rank], errs[p.rank] = c.recv(ctx, p, kindGather)
		}(p)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return parts, nil
}

// Abort tells every linked party to give up and tears the links down.
func (c *QUICChannel) Abort(reason error) { // A
	if !c.aborted.CompareAndSwap(false, true) {
		return
	}
	msg := "aborted"
	if reason != nil {
		msg = reason.Error()
	}
	c.logger.Warn("aborting job", logKeyRank, c.rank, logKeyError, msg)

	for _, p := range c.peers {
		if p == nil {
			continue
		}
		_ = p.stream.SetDeadline(time.Now().Add(time.Second))
		_ = c.codec.write(p.stream, kindAbort, []byte(msg))
	}
	c.closeLinks(codeAbort, msg)
}

// Close finishes the job on all links. The root sends a done frame and waits
// for each worker to close its side, so no worker loses its last frame.
func (c *QUICChannel) Close() error { // A
	c.closeOnce.Do(func() {
		defer c.codec.close()
		if c.aborted.Load() {
			return
		}

		if c.rank == Root {
			for _, p := range c.workers() {
				_ = p.stream.SetDeadline(time.Now().Add(doneTimeout))
				if err := c.codec.write(p.stream, kindDone, nil); err == nil {
					_, _ = io.Copy(io.Discard, p.stream)
				}
			}
		} else {
			p := c.peers[Root]
			_ = p.stream.SetDeadline(time.Now().Add(doneTimeout))
			_, _, _ = c.codec.read(p.stream)
			_ = p.stream.Close()
		}
		c.closeLinks(codeDone, "done")
	})
	return nil
}

func (c *QUICChannel) workers() []*quicPeer { // A
	if c.rank != Root {
		return nil
	}
	return c.peers[1:]
}

func (c *QUICChannel) closeLinks(code quic.ApplicationErrorCode, msg string) { // A
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		_ = p.conn.CloseWithError(code, msg)
	}
	if c.listener != nil {
		_ = c.listener.Close()
	}
}

func (c *QUICChannel) send(ctx context.Context, p *quicPeer, kind messageKind, payload []byte) error { // A
	if c.aborted.Load() {
		return ErrAborted
	}
	stop := context.AfterFunc(ctx, func() { _ = p.stream.SetDeadline(time.Now()) })
	defer stop()

	if err := c.codec.write(p.stream, kind, payload); err != nil {
		return c.linkError(ctx, p, err)
	}
	return nil
}

func (c *QUICChannel) recv(ctx context.Context, p *quicPeer, want messageKind) ([]byte, error) { // A
	if c.aborted.Load() {
		return nil, ErrAborted
	}
	stop := context.AfterFunc(ctx, func() { _ = p.stream.SetDeadline(time.Now()) })
	defer stop()

	kind, payload, err := c.codec.read(p.stream)
	if err != nil {
		return nil, c.linkError(ctx, p, err)
	}
	if kind == kindAbort {
		return nil, abortError(string(payload))
	}
	if kind != want {
		return nil, unexpected(want, kind)
	}
	return payload, nil
}

// linkError turns a failed read or write into the error the caller should
// see: the context's error, the peer's abort reason, or the link failure.
func (c *QUICChannel) linkError(ctx context.Context, p *quicPeer, err error) error { // A
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == codeAbort {
		return abortError(appErr.ErrorMessage)
	}
	return fmt.Errorf("link to rank %d: %w", p.rank, err)
}

// generateTLSConfig creates a TLS configuration with a self-signed
// certificate. Workers do not verify it; the link only needs encryption.
func generateTLSConfig() (*tls.Config, error) { // A
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"pixelcrypt"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpnProtocol},
	}, nil
}

// Ensure interfaces are satisfied at compile time.
var _ Channel = (*QUICChannel)(nil)
