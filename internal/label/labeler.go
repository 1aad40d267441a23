package label

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sort"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

// Mode selects how a session's updates are handled by the labeler.
type Mode uint8

const (
	// ModeLabel classifies every update against the session tables.
	ModeLabel Mode = iota

	// ModeNoAction forwards raw updates without labeling.
	ModeNoAction

	// ModeRibOnly labels updates but marks the session so the
	// serializer emits them only on the RIB stream.
	ModeRibOnly
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "label":
		return ModeLabel, nil
	case "noaction", "no_action":
		return ModeNoAction, nil
	case "ribonly", "rib_only":
		return ModeRibOnly, nil
	default:
		return ModeLabel, fmt.Errorf("unknown label action %q", s)
	}
}

// ModeProvider reports the label action configured for a session.
// Sessions unknown to the provider default to ModeLabel.
type ModeProvider interface {
	LabelMode(sessionID int) Mode
}

// ErrNotUpdate indicates the octets do not contain a BGP UPDATE.
var ErrNotUpdate = errors.New("not a BGP UPDATE message")

// -------------------------------------------------------------------------
// Update classification
// -------------------------------------------------------------------------

// prefixRef is one NLRI reference extracted from an UPDATE, in wire
// order: withdrawals first, then announcements.
type prefixRef struct {
	afi      uint16
	safi     uint8
	prefix   netip.Prefix
	withdraw bool
}

// ApplyUpdate classifies the UPDATE octets against the session tables,
// mutating them per RFC 4271 semantics (announcement overwrites,
// withdraw removes) and returning one action per named prefix.
func (t *Tables) ApplyUpdate(octets []byte) ([]bmf.PrefixAction, error) {
	m, err := bgp.ParseBGPMessage(octets)
	if err != nil {
		return nil, fmt.Errorf("parse update: %w", err)
	}
	body, ok := m.Body.(*bgp.BGPUpdate)
	if !ok {
		return nil, ErrNotUpdate
	}

	refs, err := extractPrefixes(body)
	if err != nil {
		return nil, err
	}

	attrKey := canonicalAttrs(body.PathAttributes)

	actions := make([]bmf.PrefixAction, 0, len(refs))
	for _, ref := range refs {
		var act bmf.PrefixAction
		if ref.withdraw {
			act = t.applyWithdraw(ref)
		} else {
			act = t.applyAnnounce(ref, attrKey)
		}
		actions = append(actions, act)
	}
	return actions, nil
}

// applyAnnounce classifies one announced prefix.
func (t *Tables) applyAnnounce(ref prefixRef, attrKey []byte) bmf.PrefixAction {
	act := bmf.PrefixAction{
		Prefix: ref.prefix,
		AFI:    ref.afi,
		SAFI:   ref.safi,
	}
	existing := t.Prefixes.Lookup(ref.afi, ref.safi, ref.prefix)
	switch {
	case existing == nil:
		e := t.Attrs.Intern(attrKey)
		t.Attrs.Ref(e)
		t.Prefixes.Install(ref.afi, ref.safi, ref.prefix, e)
		act.Action = bmf.ActionNew
		act.AttrID = e.ID()
	case slices.Equal(existing.Key(), attrKey):
		act.Action = bmf.ActionDup
		act.AttrID = existing.ID()
	default:
		// Implicit withdraw plus new announcement.
		e := t.Attrs.Intern(attrKey)
		t.Attrs.Ref(e)
		t.Attrs.Unref(existing)
		t.Prefixes.Install(ref.afi, ref.safi, ref.prefix, e)
		act.Action = bmf.ActionDPath
		act.AttrID = e.ID()
	}
	return act
}

// applyWithdraw classifies one explicit withdrawal.
func (t *Tables) applyWithdraw(ref prefixRef) bmf.PrefixAction {
	act := bmf.PrefixAction{
		Prefix: ref.prefix,
		AFI:    ref.afi,
		SAFI:   ref.safi,
	}
	if attr := t.Prefixes.Remove(ref.afi, ref.safi, ref.prefix); attr != nil {
		t.Attrs.Unref(attr)
		act.Action = bmf.ActionWithdraw
	} else {
		act.Action = bmf.ActionSPW
	}
	return act
}

// extractPrefixes flattens the UPDATE's withdrawn routes, NLRI, and
// MP_REACH/MP_UNREACH attributes into a single list, withdrawals first.
func extractPrefixes(body *bgp.BGPUpdate) ([]prefixRef, error) {
	var refs []prefixRef

	for _, p := range body.WithdrawnRoutes {
		ref, err := toPrefixRef(p, true)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	for _, a := range body.PathAttributes {
		if mp, ok := a.(*bgp.PathAttributeMpUnreachNLRI); ok {
			for _, p := range mp.Value {
				ref, err := toPrefixRef(p, true)
				if err != nil {
					return nil, err
				}
				refs = append(refs, ref)
			}
		}
	}
	for _, a := range body.PathAttributes {
		if mp, ok := a.(*bgp.PathAttributeMpReachNLRI); ok {
			for _, p := range mp.Value {
				ref, err := toPrefixRef(p, false)
				if err != nil {
					return nil, err
				}
				refs = append(refs, ref)
			}
		}
	}
	for _, p := range body.NLRI {
		ref, err := toPrefixRef(p, false)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func toPrefixRef(p bgp.AddrPrefixInterface, withdraw bool) (prefixRef, error) {
	pfx, err := netip.ParsePrefix(p.String())
	if err != nil {
		return prefixRef{}, fmt.Errorf("parse NLRI %q: %w", p.String(), err)
	}
	return prefixRef{
		afi:      p.AFI(),
		safi:     p.SAFI(),
		prefix:   pfx,
		withdraw: withdraw,
	}, nil
}

// canonicalAttrs produces the canonical byte encoding of a path
// attribute list: attributes serialized in type order, with the
// NLRI-carrying MP attributes reduced to their next hop so that two
// updates differing only in the prefixes they name intern to the same
// entry.
func canonicalAttrs(attrs []bgp.PathAttributeInterface) []byte {
	sorted := make([]bgp.PathAttributeInterface, len(attrs))
	copy(sorted, attrs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GetType() < sorted[j].GetType()
	})

	var buf []byte
	for _, a := range sorted {
		switch at := a.(type) {
		case *bgp.PathAttributeMpReachNLRI:
			buf = append(buf, byte(bgp.BGP_ATTR_TYPE_MP_REACH_NLRI))
			buf = append(buf, at.Nexthop...)
		case *bgp.PathAttributeMpUnreachNLRI:
			// Carries only withdrawn prefixes.
		default:
			b, err := a.Serialize()
			if err != nil {
				continue
			}
			buf = append(buf, b...)
		}
	}
	return buf
}

// -------------------------------------------------------------------------
// Labeler task
// -------------------------------------------------------------------------

// Labeler is the pipeline stage between the peer queue and the label
// queue. It owns the per-session tables: they are created on first
// sight of a session, flushed when the session re-reaches Established,
// and dropped when the session reports Idle.
type Labeler struct {
	reader *queue.Reader
	writer *queue.Writer
	modes  ModeProvider
	logger *slog.Logger

	sessions map[int]*Tables
}

// NewLabeler creates a labeler reading from peerQueue and writing to
// labelQueue. modes may be nil, in which case every session is labeled.
func NewLabeler(
	peerQueue, labelQueue *queue.Queue,
	modes ModeProvider,
	logger *slog.Logger,
) (*Labeler, error) {
	r, err := queue.NewReader(peerQueue)
	if err != nil {
		return nil, fmt.Errorf("labeler reader: %w", err)
	}
	w, err := labelQueue.NewWriter()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("labeler writer: %w", err)
	}
	return &Labeler{
		reader:   r,
		writer:   w,
		modes:    modes,
		logger:   logger.With(slog.String("component", "labeler")),
		sessions: make(map[int]*Tables),
	}, nil
}

// Tables returns the table pair for a session, creating it on demand.
func (l *Labeler) Tables(sessionID int) *Tables {
	t, ok := l.sessions[sessionID]
	if !ok {
		t = NewTables(l.logger.With(slog.Int("session", sessionID)))
		l.sessions[sessionID] = t
	}
	return t
}

// Run drains the peer queue until ctx is done or the queue is closed
// and drained.
func (l *Labeler) Run(ctx context.Context) error {
	defer l.writer.Close()
	defer l.reader.Close()

	for {
		items, err := l.reader.Read(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("labeler read: %w", err)
		}
		for _, item := range items {
			if item == nil {
				continue
			}
			msg, ok := item.(*bmf.Message)
			if !ok {
				continue
			}
			if err := l.process(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// process handles one internal message from the peer queue.
func (l *Labeler) process(ctx context.Context, msg *bmf.Message) error {
	switch msg.Kind {
	case bmf.KindStateChange:
		if msg.State != nil && msg.State.NewState == "Established" {
			// The remote replays its RIB after session establishment.
			l.Tables(msg.SessionID).Flush()
		}
		if msg.State != nil && msg.State.NewState == "Idle" {
			delete(l.sessions, msg.SessionID)
		}
		return l.forward(ctx, msg)

	case bmf.KindBGPUpdate:
		if l.mode(msg.SessionID) == ModeNoAction {
			return l.forward(ctx, msg)
		}
		actions, err := l.Tables(msg.SessionID).ApplyUpdate(msg.Octets)
		if err != nil {
			l.logger.Warn("failed to label update",
				slog.Int("session", msg.SessionID),
				slog.String("error", err.Error()),
			)
			return l.forward(ctx, msg)
		}
		labeled := &bmf.Message{
			SessionID: msg.SessionID,
			Seq:       msg.Seq,
			Received:  msg.Received,
			Kind:      bmf.KindLabeled,
			Labeled: &bmf.LabeledUpdate{
				Octets:  msg.Octets,
				Actions: actions,
			},
		}
		return l.forward(ctx, labeled)

	default:
		return l.forward(ctx, msg)
	}
}

func (l *Labeler) mode(sessionID int) Mode {
	if l.modes == nil {
		return ModeLabel
	}
	return l.modes.LabelMode(sessionID)
}

func (l *Labeler) forward(ctx context.Context, msg *bmf.Message) error {
	if _, err := l.writer.Write(ctx, msg); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("labeler write: %w", err)
	}
	return nil
}
