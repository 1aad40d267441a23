package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/xmlgen"
)

const (
	defaultRetryInterval = 60 * time.Second
	defaultTick          = 60 * time.Second
	dialTimeout          = 30 * time.Second
)

// StreamKind distinguishes the two connections of a chain.
type StreamKind uint8

const (
	// StreamUpdate carries the upstream's labeled update records.
	StreamUpdate StreamKind = iota

	// StreamRib carries the upstream's RIB snapshot records.
	StreamRib
)

// String returns the human-readable name of the stream.
func (k StreamKind) String() string {
	if k == StreamRib {
		return "rib"
	}
	return "update"
}

// Config describes one upstream chain.
type Config struct {
	// ChainID identifies the chain in the owner cache.
	ChainID int

	// Addr is the upstream monitor's host.
	Addr string

	// UpdatePort and RibPort are the upstream's two stream ports.
	UpdatePort uint16
	RibPort    uint16

	// ConnectRetryInterval separates reconnect attempts.
	ConnectRetryInterval time.Duration

	// Tick is the periodic wake-up applied to blocking reads.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = defaultRetryInterval
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	return c
}

// StreamStatus is the operator-facing state of one chain stream.
type StreamStatus struct {
	Connected bool   `json:"connected"`
	Resets    uint64 `json:"resets"`
	Received  uint64 `json:"records_received"`
	Forwarded uint64 `json:"records_forwarded"`
}

// Status is the operator-facing state of a chain.
type Status struct {
	ChainID int          `json:"chain_id"`
	Addr    string       `json:"addr"`
	Enabled bool         `json:"enabled"`
	Update  StreamStatus `json:"update"`
	Rib     StreamStatus `json:"rib"`
}

type streamState struct {
	connected atomic.Bool
	resets    atomic.Uint64
	received  atomic.Uint64
	forwarded atomic.Uint64
}

// MetricsReporter receives per-stream record counters. The Prometheus
// collector implements it; the default is a no-op.
type MetricsReporter interface {
	IncChainRecord(chain, stream string)
	IncChainDropped(chain, stream string)
}

type noopMetrics struct{}

func (noopMetrics) IncChainRecord(string, string)  {}
func (noopMetrics) IncChainDropped(string, string) {}

// Option configures optional Chain parameters.
type Option func(*Chain)

// WithChainMetrics attaches a MetricsReporter to the chain.
func WithChainMetrics(mr MetricsReporter) Option {
	return func(c *Chain) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// Chain is the client side of one upstream connection pair. Records
// bypass the labeler: the upstream already labeled them.
type Chain struct {
	cfg     Config
	cache   *OwnerCache
	logger  *slog.Logger
	metrics MetricsReporter

	updateW *queue.Writer
	ribW    *queue.Writer

	enabled atomic.Bool

	update streamState
	rib    streamState
}

// NewChain creates a chain writing forwarded records into the XML
// queues through its own writers.
func NewChain(cfg Config, cache *OwnerCache, updateQ, ribQ *queue.Queue, logger *slog.Logger, opts ...Option) (*Chain, error) {
	cfg = cfg.withDefaults()
	uw, err := updateQ.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("chain update writer: %w", err)
	}
	rw, err := ribQ.NewWriter()
	if err != nil {
		uw.Close()
		return nil, fmt.Errorf("chain rib writer: %w", err)
	}
	c := &Chain{
		cfg:     cfg,
		cache:   cache,
		metrics: noopMetrics{},
		updateW: uw,
		ribW:    rw,
		logger: logger.With(
			slog.String("component", "chain"),
			slog.Int("chain", cfg.ChainID),
			slog.String("addr", cfg.Addr),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.enabled.Store(true)
	return c, nil
}

// SetEnabled suspends or resumes both streams.
func (c *Chain) SetEnabled(v bool) { c.enabled.Store(v) }

// Snapshot returns the operator-facing status.
func (c *Chain) Snapshot() Status {
	snap := func(s *streamState) StreamStatus {
		return StreamStatus{
			Connected: s.connected.Load(),
			Resets:    s.resets.Load(),
			Received:  s.received.Load(),
			Forwarded: s.forwarded.Load(),
		}
	}
	return Status{
		ChainID: c.cfg.ChainID,
		Addr:    c.cfg.Addr,
		Enabled: c.enabled.Load(),
		Update:  snap(&c.update),
		Rib:     snap(&c.rib),
	}
}

// Run drives both streams until ctx is done, then closes the writers.
func (c *Chain) Run(ctx context.Context) error {
	defer c.ribW.Close()
	defer c.updateW.Close()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runStream(gCtx, StreamUpdate) })
	g.Go(func() error { return c.runStream(gCtx, StreamRib) })
	return g.Wait()
}

// runStream is the single parameterized connection loop used for both
// the update and the RIB stream; only the port, the destination queue,
// and the counters differ. Each connection is closed exactly once, by
// the serve call that owns it.
func (c *Chain) runStream(ctx context.Context, kind StreamKind) error {
	port := c.cfg.UpdatePort
	writer := c.updateW
	state := &c.update
	if kind == StreamRib {
		port = c.cfg.RibPort
		writer = c.ribW
		state = &c.rib
	}
	logger := c.logger.With(slog.String("stream", kind.String()))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !c.enabled.Load() {
			if !sleepCtx(ctx, c.cfg.Tick) {
				return nil
			}
			continue
		}

		addr := net.JoinHostPort(c.cfg.Addr, fmt.Sprintf("%d", port))
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			state.resets.Add(1)
			logger.Info("connect failed",
				slog.String("error", err.Error()),
			)
			if !sleepCtx(ctx, c.cfg.ConnectRetryInterval) {
				return nil
			}
			continue
		}

		state.connected.Store(true)
		logger.Info("stream connected", slog.String("addr", addr))
		err = c.serve(ctx, conn, writer, state, kind)
		state.connected.Store(false)
		state.resets.Add(1)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Info("stream down", slog.String("error", err.Error()))
		}
		if !sleepCtx(ctx, c.cfg.ConnectRetryInterval) {
			return nil
		}
	}
}

// serve reads framed records off one connection until it fails. It owns
// the connection and closes it exactly once on return.
func (c *Chain) serve(ctx context.Context, conn net.Conn, writer *queue.Writer, state *streamState, kind StreamKind) error {
	defer conn.Close()

	chainLabel := fmt.Sprintf("%d", c.cfg.ChainID)

	sawFirst := false
	header := make([]byte, xmlgen.FrameHeaderLen)

	for {
		if ctx.Err() != nil || !c.enabled.Load() {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.Tick)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, err := io.ReadFull(conn, header)
		if err != nil {
			if n == 0 && isTimeout(err) {
				continue
			}
			return fmt.Errorf("read frame header: %w", err)
		}

		// The first 5 bytes of a legacy stream are a literal "<xml>"
		// preamble; consume it and read the real header.
		if !sawFirst {
			sawFirst = true
			if bytes.Equal(header, xmlgen.LegacyPreamble) {
				if _, err := io.ReadFull(conn, header); err != nil {
					return fmt.Errorf("read frame header: %w", err)
				}
			}
		}

		total, err := xmlgen.ParseFrameHeader(header)
		if err != nil {
			return err
		}
		record := make([]byte, total)
		copy(record, header)
		if _, err := io.ReadFull(conn, record[xmlgen.FrameHeaderLen:]); err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		state.received.Add(1)
		c.metrics.IncChainRecord(chainLabel, kind.String())
		if !c.shouldForward(record[xmlgen.FrameHeaderLen:]) {
			c.metrics.IncChainDropped(chainLabel, kind.String())
			continue
		}
		if _, err := writer.Write(ctx, record); err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("forward record: %w", err)
		}
		state.forwarded.Add(1)
	}
}

// shouldForward applies the ownership policy to one record payload.
// Records without a parsable origin (legacy senders) are forwarded only
// if non-empty.
func (c *Chain) shouldForward(payload []byte) bool {
	origin, err := xmlgen.ExtractOrigin(payload)
	if err != nil {
		return len(bytes.TrimSpace(payload)) > 0
	}
	return c.cache.Decide(origin.MonitorID, c.cfg.ChainID, origin.Seq)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
