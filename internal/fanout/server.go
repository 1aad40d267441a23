// Package fanout accepts subscribing clients and drains the XML output
// queues to their sockets. Each accepted client owns one queue reader;
// a client that cannot absorb the stream simply stays at the queue head
// and the queue's pacing policy drops messages for it -- slow clients
// are not disconnected for slowness. Only a single record write that
// makes no progress within writeTimeout ends the client's session.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/acl"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

const (
	// defaultMaxClients bounds one listener's concurrent subscribers.
	defaultMaxClients = 100

	// writeTimeout bounds one record write to a client socket.
	writeTimeout = 30 * time.Second
)

// Stream selects which XML queue a listener serves.
type Stream string

const (
	// StreamUpdate serves the labeled update stream.
	StreamUpdate Stream = "update"

	// StreamRib serves the RIB snapshot stream.
	StreamRib Stream = "rib"
)

// ListenerConfig describes one subscriber listener.
type ListenerConfig struct {
	// Addr is the listen address, e.g. ":50001".
	Addr string

	// Stream selects the queue served to accepted clients.
	Stream Stream

	// ACL names the admission list; an empty name admits everyone.
	ACL string

	// MaxClients bounds concurrent subscribers; over-limit connects
	// are accepted and immediately closed.
	MaxClients int
}

// ClientStatus is the operator-facing state of one subscriber.
type ClientStatus struct {
	ID        int       `json:"id"`
	Addr      string    `json:"addr"`
	Stream    Stream    `json:"stream"`
	Connected time.Time `json:"connected"`
	Sent      uint64    `json:"records_sent"`
}

type client struct {
	id        int
	addr      string
	stream    Stream
	listener  string
	connected time.Time
	sent      atomic.Uint64
}

// ClientGauge receives the connected-subscriber count per stream. The
// Prometheus collector implements it; the default is a no-op.
type ClientGauge interface {
	SetClients(stream string, n int)
}

type noopGauge struct{}

func (noopGauge) SetClients(string, int) {}

// Option configures optional Server parameters.
type Option func(*Server)

// WithClientGauge attaches a ClientGauge to the server.
func WithClientGauge(g ClientGauge) Option {
	return func(s *Server) {
		if g != nil {
			s.gauge = g
		}
	}
}

// Server owns the subscriber listeners and the bounded client table.
type Server struct {
	updateQ *queue.Queue
	ribQ    *queue.Queue
	acls    *acl.Set
	logger  *slog.Logger
	gauge   ClientGauge

	mu          sync.Mutex
	clients     map[int]*client
	perListener map[string]int
	nextID      int

	wg sync.WaitGroup
}

// NewServer creates a fanout server over the two XML queues.
func NewServer(updateQ, ribQ *queue.Queue, acls *acl.Set, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		updateQ:     updateQ,
		ribQ:        ribQ,
		acls:        acls,
		logger:      logger.With(slog.String("component", "fanout")),
		gauge:       noopGauge{},
		clients:     make(map[int]*client),
		perListener: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clients returns the current client table.
func (s *Server) Clients() []ClientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientStatus, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientStatus{
			ID:        c.id,
			Addr:      c.addr,
			Stream:    c.stream,
			Connected: c.connected,
			Sent:      c.sent.Load(),
		})
	}
	return out
}

// Listen opens cfg.Addr and runs one acceptor until ctx is done.
func (s *Server) Listen(ctx context.Context, cfg ListenerConfig) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("fanout listen %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln, cfg)
}

// Serve runs one acceptor over an existing listener until ctx is done,
// then waits for the listener's client workers.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg ListenerConfig) error {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.Addr == "" {
		cfg.Addr = ln.Addr().String()
	}
	context.AfterFunc(ctx, func() { ln.Close() })

	s.logger.Info("subscriber listener started",
		slog.String("addr", cfg.Addr),
		slog.String("stream", string(cfg.Stream)),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("fanout accept: %w", err)
		}
		s.admit(ctx, conn, cfg)
	}
}

// admit applies the ACL and the connection limit, then starts the
// client worker.
func (s *Server) admit(ctx context.Context, conn net.Conn, cfg ListenerConfig) {
	remote := remoteAddr(conn)

	action := acl.Permit
	if cfg.ACL != "" {
		action = s.acls.Eval(cfg.ACL, remote)
	}
	if action == acl.Deny {
		s.logger.Info("client rejected by acl",
			slog.String("remote", remote.String()),
			slog.String("acl", cfg.ACL),
		)
		conn.Close()
		return
	}

	stream := cfg.Stream
	if action == acl.PermitRibOnly {
		stream = StreamRib
	}

	s.mu.Lock()
	if s.perListener[cfg.Addr] >= cfg.MaxClients {
		s.mu.Unlock()
		s.logger.Info("client over connection limit, closing",
			slog.String("remote", remote.String()),
			slog.String("listener", cfg.Addr),
			slog.Int("limit", cfg.MaxClients),
		)
		conn.Close()
		return
	}
	s.perListener[cfg.Addr]++
	s.nextID++
	c := &client{
		id:        s.nextID,
		addr:      remote.String(),
		stream:    stream,
		listener:  cfg.Addr,
		connected: time.Now(),
	}
	s.clients[c.id] = c
	s.updateGaugeLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx, conn, c)
	}()
}

// serve drains the client's queue to its socket until either side goes
// away.
func (s *Server) serve(ctx context.Context, conn net.Conn, c *client) {
	defer conn.Close()
	defer s.remove(c)

	q := s.updateQ
	if c.stream == StreamRib {
		q = s.ribQ
	}
	r, err := queue.NewReader(q)
	if err != nil {
		s.logger.Warn("failed to subscribe client",
			slog.String("remote", c.addr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer r.Close()

	s.logger.Info("client subscribed",
		slog.String("remote", c.addr),
		slog.String("stream", string(c.stream)),
	)

	for {
		items, err := r.Read(ctx)
		if err != nil {
			return
		}
		for _, item := range items {
			record, ok := item.([]byte)
			if !ok || record == nil {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if _, err := conn.Write(record); err != nil {
				s.logger.Info("client write failed, disconnecting",
					slog.String("remote", c.addr),
					slog.String("error", err.Error()),
				)
				return
			}
			c.sent.Add(1)
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.perListener[c.listener]--
	s.updateGaugeLocked()
}

func (s *Server) updateGaugeLocked() {
	counts := map[Stream]int{StreamUpdate: 0, StreamRib: 0}
	for _, c := range s.clients {
		counts[c.stream]++
	}
	for stream, n := range counts {
		s.gauge.SetClients(string(stream), n)
	}
}

func remoteAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(tcp.IP); ok {
			return addr.Unmap()
		}
	}
	return netip.Addr{}
}
