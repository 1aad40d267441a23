package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/label"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

const (
	// defaultHoldTime is offered in our OPEN when unconfigured.
	defaultHoldTime = 180 * time.Second

	// defaultRetryInterval separates reconnect attempts.
	defaultRetryInterval = 60 * time.Second

	// defaultTick is the periodic wake-up applied to blocking reads so
	// shutdown and reconfiguration are observed.
	defaultTick = 60 * time.Second

	// ribTransferTimeout bounds the initial RIB-transfer phase when the
	// remote never sends an End-of-RIB marker.
	ribTransferTimeout = 2 * time.Minute

	// dialTimeout bounds one TCP connect attempt.
	dialTimeout = 30 * time.Second
)

// Sentinel errors.
var (
	// ErrSessionDisabled indicates the session's enabled flag is clear.
	ErrSessionDisabled = errors.New("session disabled")

	// ErrInvalidRemoteAddr indicates the peer has no usable address.
	ErrInvalidRemoteAddr = errors.New("invalid remote address")

	// ErrInvalidLocalAS indicates the local AS is zero.
	ErrInvalidLocalAS = errors.New("local AS must be nonzero")
)

// Config is the persistent blueprint of one monitored BGP session.
type Config struct {
	// SessionID is the monitor-wide session identifier.
	SessionID int

	// RemoteAddr and RemotePort locate the router. Port defaults to 179.
	RemoteAddr netip.Addr
	RemotePort uint16

	// LocalAddr optionally pins the local side of the TCP session.
	LocalAddr netip.Addr

	// LocalAS and LocalBGPID identify this monitor in its OPEN.
	LocalAS    uint32
	LocalBGPID netip.Addr

	// RemoteAS, when nonzero, is verified against the received OPEN.
	RemoteAS uint32

	// HoldTime is our offered hold time; the session uses
	// min(HoldTime, received). Zero selects the default of 180s; a
	// received hold time of zero disables keepalives and hold expiry.
	HoldTime time.Duration

	// Capabilities are the per-code requirements checked in OpenSent.
	Capabilities []Requirement

	// Use4ByteASN selects the four-octet-ASN capability TLV as the
	// source of the remote AS when the remote advertises it.
	Use4ByteASN bool

	// LabelAction selects the labeling mode for the session.
	LabelAction label.Mode

	// MD5Password carries the TCP-MD5 key from configuration. Applying
	// it to the socket is platform glue outside this package.
	MD5Password string

	// Passive makes the session wait for an inbound connection
	// delivered by the manager's listener instead of dialing out.
	Passive bool

	// ConnectRetryInterval separates reconnect attempts.
	ConnectRetryInterval time.Duration

	// Tick is the periodic wake-up for blocking reads.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.RemotePort == 0 {
		c.RemotePort = 179
	}
	if c.HoldTime == 0 {
		c.HoldTime = defaultHoldTime
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = defaultRetryInterval
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.RemoteAddr.IsValid() {
		return ErrInvalidRemoteAddr
	}
	if c.LocalAS == 0 {
		return ErrInvalidLocalAS
	}
	return nil
}

// Status is an operator-facing snapshot of a session.
type Status struct {
	SessionID   int           `json:"session_id"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteAS    uint32        `json:"remote_as"`
	RemoteBGPID string        `json:"remote_bgp_id"`
	State       string        `json:"state"`
	Enabled     bool          `json:"enabled"`
	Uptime      time.Duration `json:"uptime"`
	DownTime    time.Duration `json:"down_time"`
	Resets      uint64        `json:"resets"`
	Retries     uint64        `json:"retries"`
	MsgReceived uint64        `json:"messages_received"`
	HoldTime    time.Duration `json:"hold_time"`
}

// Session is one monitored BGP session. All mutable protocol state is
// owned by the goroutine started via Run; external reads use atomics.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	writer  *queue.Writer
	metrics MetricsReporter

	state atomic.Uint32

	enabled   atomic.Bool
	reconnect atomic.Bool

	seq         atomic.Uint32
	msgReceived atomic.Uint64
	resets      atomic.Uint64
	retries     atomic.Uint64

	establishedAt atomic.Int64
	lastDownAt    atomic.Int64

	remoteAS    atomic.Uint32
	remoteBGPID atomic.Uint64 // packed IPv4 BGP identifier

	negotiatedHold atomic.Int64
	ribPhase       atomic.Bool

	// acceptCh delivers inbound connections from the manager listener.
	acceptCh chan net.Conn

	// pendingNotif is the NOTIFICATION queued by the event handler for
	// ActionSendNotification. Owned by the session goroutine.
	pendingNotif *bgp.BGPMessage
}

// NewSession creates a session writing its internal messages through w.
func NewSession(cfg Config, w *queue.Writer, logger *slog.Logger, opts ...SessionOption) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:      cfg,
		writer:   w,
		metrics:  noopMetrics{},
		acceptCh: make(chan net.Conn, 1),
		logger: logger.With(
			slog.String("peer", cfg.RemoteAddr.String()),
			slog.Int("session", cfg.SessionID),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(uint32(StateIdle))
	s.enabled.Store(true)
	return s, nil
}

// State returns the current FSM state.
func (s *Session) State() State { return State(s.state.Load()) }

// SessionID returns the monitor-wide session identifier.
func (s *Session) SessionID() int { return s.cfg.SessionID }

// LabelMode returns the configured labeling mode.
func (s *Session) LabelMode() label.Mode { return s.cfg.LabelAction }

// RibPhase reports whether the session is replaying its initial RIB.
func (s *Session) RibPhase() bool { return s.ribPhase.Load() }

// RemoteAS returns the negotiated remote AS (zero before OPEN).
func (s *Session) RemoteAS() uint32 { return s.remoteAS.Load() }

// SetEnabled suspends or resumes the session without destroying its
// configuration. The running FSM observes the flag at its next tick.
func (s *Session) SetEnabled(v bool) { s.enabled.Store(v) }

// RequestReconnect asks the FSM to tear down and re-establish the
// session at its next tick. Used when configuration changes.
func (s *Session) RequestReconnect() { s.reconnect.Store(true) }

// Deliver hands an inbound connection to a passive session. The
// connection is closed if the session is not waiting for one.
func (s *Session) Deliver(conn net.Conn) {
	select {
	case s.acceptCh <- conn:
	default:
		conn.Close()
	}
}

// Snapshot returns the operator-facing status.
func (s *Session) Snapshot() Status {
	st := Status{
		SessionID:   s.cfg.SessionID,
		RemoteAddr:  s.cfg.RemoteAddr.String(),
		RemoteAS:    s.remoteAS.Load(),
		State:       s.State().String(),
		Enabled:     s.enabled.Load(),
		Resets:      s.resets.Load(),
		Retries:     s.retries.Load(),
		MsgReceived: s.msgReceived.Load(),
		HoldTime:    time.Duration(s.negotiatedHold.Load()),
	}
	if id := s.remoteBGPID.Load(); id != 0 {
		st.RemoteBGPID = netip.AddrFrom4([4]byte{
			byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id),
		}).String()
	}
	if up := s.establishedAt.Load(); up != 0 && s.State() == StateEstablished {
		st.Uptime = time.Since(time.Unix(0, up))
	}
	if down := s.lastDownAt.Load(); down != 0 && s.State() != StateEstablished {
		st.DownTime = time.Since(time.Unix(0, down))
	}
	return st
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// Run drives the session until ctx is done: connect, exchange OPENs,
// feed every received message into the peer queue, and on any failure
// return to Idle, wait the retry interval, and reconnect.
func (s *Session) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.enabled.Load() {
			if !sleepCtx(ctx, s.cfg.Tick) {
				return nil
			}
			continue
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Info("session down",
				slog.String("error", err.Error()),
			)
		}
		s.retries.Add(1)
		if !sleepCtx(ctx, s.cfg.ConnectRetryInterval) {
			return nil
		}
	}
}

// runOnce walks one full FSM lifecycle: Idle through (at best)
// Established and back to Idle.
func (s *Session) runOnce(ctx context.Context) error {
	s.state.Store(uint32(StateIdle))
	s.transition(ctx, EventStart, "")

	conn, err := s.openTransport(ctx)
	if err != nil {
		s.transition(ctx, EventTransportFail, err.Error())
		s.state.Store(uint32(StateIdle))
		return err
	}
	defer conn.Close()

	s.reconnect.Store(false)
	res := s.transition(ctx, EventTransportOpen, "")
	if err := s.execActions(conn, res.Actions); err != nil {
		s.transition(ctx, EventTransportFail, err.Error())
		return err
	}

	err = s.messageLoop(ctx, conn)
	s.noteDown()
	return err
}

// openTransport establishes the TCP session: an outbound dial for
// active peers, a wait on the manager's listener for passive ones.
// Failed dials oscillate Connect/Active on the retry interval until the
// session is disabled or ctx is done.
func (s *Session) openTransport(ctx context.Context) (net.Conn, error) {
	for {
		if !s.enabled.Load() {
			return nil, ErrSessionDisabled
		}
		var conn net.Conn
		var err error
		if s.cfg.Passive {
			conn, err = s.waitAccept(ctx)
		} else {
			conn, err = s.dial(ctx)
		}
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.transition(ctx, EventTransportFail, err.Error())
		s.retries.Add(1)
		if !sleepCtx(ctx, s.cfg.ConnectRetryInterval) {
			return nil, ctx.Err()
		}
		s.transition(ctx, EventRetryExpired, "")
	}
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	if s.cfg.LocalAddr.IsValid() {
		d.LocalAddr = &net.TCPAddr{IP: s.cfg.LocalAddr.AsSlice()}
	}
	addr := netip.AddrPortFrom(s.cfg.RemoteAddr, s.cfg.RemotePort).String()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func (s *Session) waitAccept(ctx context.Context) (net.Conn, error) {
	t := time.NewTimer(s.cfg.Tick)
	defer t.Stop()
	select {
	case conn := <-s.acceptCh:
		return conn, nil
	case <-t.C:
		return nil, fmt.Errorf("no inbound connection from %s", s.cfg.RemoteAddr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// messageLoop reads framed BGP messages until the FSM returns to Idle.
func (s *Session) messageLoop(ctx context.Context, conn net.Conn) error {
	lastRecv := time.Now()
	lastSent := time.Now()

	for s.State() != StateIdle {
		if ctx.Err() != nil {
			return nil
		}
		if !s.enabled.Load() || s.reconnect.Load() {
			res := s.transition(ctx, EventStop, "administratively stopped")
			s.pendingNotif = bgp.NewBGPNotificationMessage(
				uint8(bgp.BGP_ERROR_CEASE), 0, nil)
			return s.execActions(conn, res.Actions)
		}

		octets, err := readMessage(conn, s.readTick())
		if err != nil {
			if isTimeout(err) {
				if terr := s.onTick(ctx, conn, &lastRecv, &lastSent); terr != nil {
					return terr
				}
				continue
			}
			s.transition(ctx, EventTransportFail, err.Error())
			return fmt.Errorf("read: %w", err)
		}

		lastRecv = time.Now()
		s.msgReceived.Add(1)
		s.metrics.IncMessagesReceived(s.cfg.RemoteAddr.String(), messageKindName(octets))
		if err := s.handleMessage(ctx, conn, octets); err != nil {
			return err
		}
		if terr := s.onTick(ctx, conn, &lastRecv, &lastSent); terr != nil {
			return terr
		}
	}
	return nil
}

// readTick bounds a single blocking read so shutdown, hold-time expiry,
// and keepalive transmission are observed periodically.
func (s *Session) readTick() time.Duration {
	tick := s.cfg.Tick
	if hold := time.Duration(s.negotiatedHold.Load()); hold > 0 {
		if ka := hold / 3; ka < tick {
			tick = ka
		}
	}
	return tick
}

// onTick runs the periodic checks: hold-time expiry, keepalive
// transmission, and the RIB-phase timeout.
func (s *Session) onTick(ctx context.Context, conn net.Conn, lastRecv, lastSent *time.Time) error {
	hold := time.Duration(s.negotiatedHold.Load())
	if hold > 0 && time.Since(*lastRecv) > hold {
		res := s.transition(ctx, EventHoldExpired, "hold timer expired")
		s.pendingNotif = bgp.NewBGPNotificationMessage(
			uint8(bgp.BGP_ERROR_HOLD_TIMER_EXPIRED), 0, nil)
		if err := s.execActions(conn, res.Actions); err != nil {
			return err
		}
		return errors.New("hold timer expired")
	}
	if hold > 0 && s.State() >= StateOpenConfirm {
		if time.Since(*lastSent) > hold/3 {
			if err := s.send(conn, bgp.NewBGPKeepAliveMessage()); err != nil {
				s.transition(ctx, EventTransportFail, err.Error())
				return fmt.Errorf("send keepalive: %w", err)
			}
			*lastSent = time.Now()
		}
	}
	if s.ribPhase.Load() {
		if up := s.establishedAt.Load(); up != 0 &&
			time.Since(time.Unix(0, up)) > ribTransferTimeout {
			s.ribPhase.Store(false)
		}
	}
	return nil
}

// handleMessage dispatches one received BGP message: wrap it for the
// peer queue, drive the FSM, execute the resulting actions.
func (s *Session) handleMessage(ctx context.Context, conn net.Conn, octets []byte) error {
	m, err := bgp.ParseBGPMessage(octets)
	if err != nil {
		s.transition(ctx, EventTransportFail, "malformed message")
		return fmt.Errorf("parse message: %w", err)
	}

	switch body := m.Body.(type) {
	case *bgp.BGPOpen:
		s.emit(ctx, bmf.KindBGPOpen, octets, nil)
		return s.handleOpen(ctx, conn, body)

	case *bgp.BGPKeepAlive:
		s.emit(ctx, bmf.KindBGPKeepalive, octets, nil)
		res := s.transition(ctx, EventRecvKeepalive, "")
		if res.Changed && res.NewState == StateEstablished {
			s.noteEstablished()
		}
		return s.execActions(conn, res.Actions)

	case *bgp.BGPUpdate:
		s.emit(ctx, bmf.KindBGPUpdate, octets, nil)
		res := s.transition(ctx, EventRecvUpdate, "")
		if isEndOfRIB(body) {
			s.ribPhase.Store(false)
		}
		return s.execActions(conn, res.Actions)

	case *bgp.BGPNotification:
		s.emit(ctx, bmf.KindBGPNotification, octets, nil)
		res := s.transition(ctx, EventRecvNotification,
			fmt.Sprintf("notification %d/%d", body.ErrorCode, body.ErrorSubcode))
		return s.execActions(conn, res.Actions)

	case *bgp.BGPRouteRefresh:
		s.emit(ctx, bmf.KindBGPRefresh, octets, nil)
		return nil

	default:
		return nil
	}
}

// handleOpen runs the OpenSent checks: capability requirements, remote
// AS selection, hold-time negotiation.
func (s *Session) handleOpen(ctx context.Context, conn net.Conn, open *bgp.BGPOpen) error {
	if err := CheckCapabilities(open, s.cfg.Capabilities); err != nil {
		s.pendingNotif = bgp.NewBGPNotificationMessage(
			uint8(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR),
			uint8(bgp.BGP_ERROR_SUB_UNSUPPORTED_CAPABILITY),
			nil,
		)
		res := s.transition(ctx, EventOpenRejected, err.Error())
		if aerr := s.execActions(conn, res.Actions); aerr != nil {
			return aerr
		}
		return err
	}

	remoteAS := RemoteAS(open, s.cfg.Use4ByteASN)
	if s.cfg.RemoteAS != 0 && remoteAS != s.cfg.RemoteAS {
		s.pendingNotif = bgp.NewBGPNotificationMessage(
			uint8(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR),
			uint8(bgp.BGP_ERROR_SUB_BAD_PEER_AS),
			nil,
		)
		res := s.transition(ctx, EventOpenRejected,
			fmt.Sprintf("AS %d, expected %d", remoteAS, s.cfg.RemoteAS))
		if aerr := s.execActions(conn, res.Actions); aerr != nil {
			return aerr
		}
		return fmt.Errorf("bad peer AS %d", remoteAS)
	}

	s.remoteAS.Store(remoteAS)
	if id := open.ID.To4(); id != nil {
		s.remoteBGPID.Store(uint64(id[0])<<24 | uint64(id[1])<<16 |
			uint64(id[2])<<8 | uint64(id[3]))
	}
	s.negotiatedHold.Store(int64(NegotiateHoldTime(s.cfg.HoldTime, open.HoldTime)))

	res := s.transition(ctx, EventRecvOpen, "")
	return s.execActions(conn, res.Actions)
}

// transition applies an FSM event; every state change is wrapped as an
// internal message so downstream consumers see the full event stream.
func (s *Session) transition(ctx context.Context, ev Event, reason string) Result {
	res := ApplyEvent(s.State(), ev)
	if res.Changed {
		s.state.Store(uint32(res.NewState))
		s.logger.Info("session state changed",
			slog.String("old_state", res.OldState.String()),
			slog.String("new_state", res.NewState.String()),
			slog.String("event", ev.String()),
		)
		s.metrics.RecordStateTransition(
			s.cfg.RemoteAddr.String(),
			res.OldState.String(), res.NewState.String())
		s.emit(ctx, bmf.KindStateChange, nil, &bmf.StateChange{
			OldState: res.OldState.String(),
			NewState: res.NewState.String(),
			Reason:   reason,
		})
	}
	return res
}

// execActions performs the FSM side-effects on the transport.
func (s *Session) execActions(conn net.Conn, actions []Action) error {
	for _, a := range actions {
		switch a {
		case ActionSendOpen:
			if err := s.send(conn, s.buildOpen()); err != nil {
				return fmt.Errorf("send open: %w", err)
			}
		case ActionSendKeepalive:
			if err := s.send(conn, bgp.NewBGPKeepAliveMessage()); err != nil {
				return fmt.Errorf("send keepalive: %w", err)
			}
		case ActionSendNotification:
			if s.pendingNotif != nil {
				if err := s.send(conn, s.pendingNotif); err != nil {
					s.logger.Debug("failed to send notification",
						slog.String("error", err.Error()),
					)
				}
				s.pendingNotif = nil
			}
		case ActionCloseTransport:
			// The deferred close in runOnce owns the socket; nothing
			// more to do here.
		}
	}
	return nil
}

// buildOpen constructs our OPEN. A local AS above the 2-byte range is
// sent as AS_TRANS in the fixed field and in full in the four-octet-ASN
// capability (RFC 6793).
func (s *Session) buildOpen() *bgp.BGPMessage {
	as2 := uint32(bgp.AS_TRANS)
	if s.cfg.LocalAS <= 0xffff {
		as2 = s.cfg.LocalAS
	}
	hold := uint16(s.cfg.HoldTime / time.Second)
	return bgp.NewBGPOpenMessage(
		uint16(as2),
		hold,
		s.cfg.LocalBGPID.String(),
		localCapabilities(s.cfg.Capabilities, s.cfg.LocalAS),
	)
}

func (s *Session) send(conn net.Conn, m *bgp.BGPMessage) error {
	octets, err := m.Serialize()
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.Tick)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(octets); err != nil {
		return err
	}
	return nil
}

// emit wraps payload into an internal message and writes it to the
// peer queue.
func (s *Session) emit(ctx context.Context, kind bmf.Kind, octets []byte, st *bmf.StateChange) {
	msg := &bmf.Message{
		SessionID: s.cfg.SessionID,
		Seq:       s.seq.Add(1),
		Received:  time.Now(),
		Kind:      kind,
		Octets:    octets,
		State:     st,
	}
	if _, err := s.writer.Write(ctx, msg); err != nil {
		if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
			s.logger.Warn("failed to enqueue message",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Session) noteEstablished() {
	s.establishedAt.Store(time.Now().UnixNano())
	s.ribPhase.Store(true)
	s.logger.Info("session established",
		slog.Uint64("remote_as", uint64(s.remoteAS.Load())),
	)
}

func (s *Session) noteDown() {
	s.lastDownAt.Store(time.Now().UnixNano())
	s.resets.Add(1)
	s.state.Store(uint32(StateIdle))
}

// messageKindName maps the header type byte to the metric label.
func messageKindName(octets []byte) string {
	if len(octets) < 19 {
		return "short"
	}
	switch octets[18] {
	case bgp.BGP_MSG_OPEN:
		return "open"
	case bgp.BGP_MSG_UPDATE:
		return "update"
	case bgp.BGP_MSG_NOTIFICATION:
		return "notification"
	case bgp.BGP_MSG_KEEPALIVE:
		return "keepalive"
	case bgp.BGP_MSG_ROUTE_REFRESH:
		return "refresh"
	default:
		return "unknown"
	}
}

// isEndOfRIB reports an empty IPv4-unicast UPDATE or an MP End-of-RIB
// marker (RFC 4724 Section 2).
func isEndOfRIB(u *bgp.BGPUpdate) bool {
	if len(u.WithdrawnRoutes) != 0 || len(u.NLRI) != 0 {
		return false
	}
	if len(u.PathAttributes) == 0 {
		return true
	}
	if len(u.PathAttributes) == 1 {
		if mp, ok := u.PathAttributes[0].(*bgp.PathAttributeMpUnreachNLRI); ok {
			return len(mp.Value) == 0
		}
	}
	return false
}

// sleepCtx sleeps for d, returning false if ctx finished first.
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
