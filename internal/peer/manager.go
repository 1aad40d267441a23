package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/label"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

// Manager errors.
var (
	// ErrPeerExists indicates a peer with that address is configured.
	ErrPeerExists = errors.New("peer already configured")

	// ErrPeerNotFound indicates no peer matches the address.
	ErrPeerNotFound = errors.New("peer not found")
)

// Identity is the session identity carried in serialized records.
type Identity struct {
	LocalAddr   string
	RemoteAddr  string
	LocalAS     uint32
	RemoteAS    uint32
	LocalBGPID  string
	RemoteBGPID string
}

// Manager owns the configured peers and their sessions. One session
// exists per peer configuration; disabling a peer suspends its session
// without destroying the configuration.
type Manager struct {
	logger    *slog.Logger
	peerQueue *queue.Queue
	metrics   MetricsReporter

	mu      sync.RWMutex
	ctx     context.Context
	peers   map[netip.Addr]*Session
	byID    map[int]*Session
	writers map[int]*queue.Writer
	nextID  int

	wg sync.WaitGroup
}

// NewManager creates a manager whose sessions write into peerQueue.
func NewManager(peerQueue *queue.Queue, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    logger.With(slog.String("component", "peers")),
		peerQueue: peerQueue,
		metrics:   noopMetrics{},
		peers:     make(map[netip.Addr]*Session),
		byID:      make(map[int]*Session),
		writers:   make(map[int]*queue.Writer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPeer creates the session for a peer configuration and, if the
// manager is running, starts it.
func (m *Manager) AddPeer(cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[cfg.RemoteAddr]; ok {
		return nil, fmt.Errorf("%s: %w", cfg.RemoteAddr, ErrPeerExists)
	}

	m.nextID++
	cfg.SessionID = m.nextID

	w, err := m.peerQueue.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("peer queue writer: %w", err)
	}
	s, err := NewSession(cfg, w, m.logger, WithMetrics(m.metrics))
	if err != nil {
		w.Close()
		return nil, err
	}

	m.peers[cfg.RemoteAddr] = s
	m.byID[cfg.SessionID] = s
	m.writers[cfg.SessionID] = w

	if m.ctx != nil {
		m.startLocked(s)
	}
	return s, nil
}

func (m *Manager) startLocked(s *Session) {
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := s.Run(ctx); err != nil {
			m.logger.Error("session exited",
				slog.String("peer", s.cfg.RemoteAddr.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// RemovePeer tears the session down and forgets the configuration.
func (m *Manager) RemovePeer(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.peers[addr]
	if !ok {
		return fmt.Errorf("%s: %w", addr, ErrPeerNotFound)
	}
	s.SetEnabled(false)
	s.RequestReconnect()
	if w := m.writers[s.cfg.SessionID]; w != nil {
		w.Close()
	}
	delete(m.peers, addr)
	delete(m.byID, s.cfg.SessionID)
	delete(m.writers, s.cfg.SessionID)
	return nil
}

// EnablePeer flips the session's enabled flag.
func (m *Manager) EnablePeer(addr netip.Addr, enabled bool) error {
	m.mu.RLock()
	s, ok := m.peers[addr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", addr, ErrPeerNotFound)
	}
	s.SetEnabled(enabled)
	if !enabled {
		s.RequestReconnect()
	}
	return nil
}

// Run starts every configured session and blocks until ctx is done and
// all sessions have returned.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	for _, s := range m.peers {
		m.startLocked(s)
	}
	m.mu.Unlock()

	<-ctx.Done()
	m.wg.Wait()

	m.mu.Lock()
	for _, w := range m.writers {
		w.Close()
	}
	m.mu.Unlock()
	return nil
}

// Listen accepts inbound BGP connections and hands each to the passive
// session configured for the remote address. Connections from unknown
// addresses are closed.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bgp listen %s: %w", addr, err)
	}
	context.AfterFunc(ctx, func() { ln.Close() })

	m.logger.Info("bgp listener started", slog.String("addr", addr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bgp accept: %w", err)
		}
		remote, ok := remoteAddr(conn)
		if !ok {
			conn.Close()
			continue
		}
		m.mu.RLock()
		s := m.peers[remote]
		m.mu.RUnlock()
		if s == nil || !s.cfg.Passive {
			m.logger.Info("rejecting connection from unconfigured peer",
				slog.String("remote", remote.String()),
			)
			conn.Close()
			continue
		}
		s.Deliver(conn)
	}
}

func remoteAddr(conn net.Conn) (netip.Addr, bool) {
	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// LabelMode implements the labeler's mode lookup.
func (m *Manager) LabelMode(sessionID int) label.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byID[sessionID]; ok {
		return s.LabelMode()
	}
	return label.ModeLabel
}

// RibPhase reports whether the session is replaying its initial RIB.
func (m *Manager) RibPhase(sessionID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byID[sessionID]; ok {
		return s.RibPhase()
	}
	return false
}

// RibOnly reports whether the session is configured rib-only.
func (m *Manager) RibOnly(sessionID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byID[sessionID]; ok {
		return s.LabelMode() == label.ModeRibOnly
	}
	return false
}

// Identity returns the session identity for serialization.
func (m *Manager) Identity(sessionID int) (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return Identity{}, false
	}
	st := s.Snapshot()
	id := Identity{
		RemoteAddr:  st.RemoteAddr,
		LocalAS:     s.cfg.LocalAS,
		RemoteAS:    st.RemoteAS,
		RemoteBGPID: st.RemoteBGPID,
	}
	if s.cfg.LocalAddr.IsValid() {
		id.LocalAddr = s.cfg.LocalAddr.String()
	}
	if s.cfg.LocalBGPID.IsValid() {
		id.LocalBGPID = s.cfg.LocalBGPID.String()
	}
	return id, true
}

// Snapshots returns the status of every configured session.
func (m *Manager) Snapshots() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s.Snapshot())
	}
	return out
}
