// Package bmf defines the internal message format carried between the
// pipeline stages. Every record that enters the monitor -- a raw BGP
// message from a peer, a session state transition, a status report, or a
// labeled update produced by the labeling engine -- is wrapped in a
// Message and travels through the shared queues.
//
// Message is a tagged variant: Kind selects which of the payload fields
// is meaningful. Exactly one of Octets, State, Labeled is set for the
// corresponding kinds.
package bmf

import (
	"net/netip"
	"time"
)

// Kind identifies the payload carried by a Message.
type Kind uint8

const (
	// KindBGPUpdate is a raw BGP UPDATE message.
	KindBGPUpdate Kind = iota + 1

	// KindBGPOpen is a raw BGP OPEN message.
	KindBGPOpen

	// KindBGPNotification is a raw BGP NOTIFICATION message.
	KindBGPNotification

	// KindBGPKeepalive is a raw BGP KEEPALIVE message.
	KindBGPKeepalive

	// KindBGPRefresh is a raw BGP ROUTE-REFRESH message.
	KindBGPRefresh

	// KindStateChange records a session FSM transition.
	KindStateChange

	// KindStatus is a periodic status report for a session.
	KindStatus

	// KindLabeled is an UPDATE whose payload has been classified by the
	// labeling engine against the session's prefix table.
	KindLabeled
)

// String returns the human-readable name of the message kind.
func (k Kind) String() string {
	switch k {
	case KindBGPUpdate:
		return "Update"
	case KindBGPOpen:
		return "Open"
	case KindBGPNotification:
		return "Notification"
	case KindBGPKeepalive:
		return "Keepalive"
	case KindBGPRefresh:
		return "Refresh"
	case KindStateChange:
		return "StateChange"
	case KindStatus:
		return "Status"
	case KindLabeled:
		return "Labeled"
	default:
		return "Unknown"
	}
}

// Action classifies a single prefix of an UPDATE relative to the
// session's prefix table at the moment the UPDATE was processed.
type Action uint8

const (
	// ActionNew is an announcement of a prefix not previously present.
	ActionNew Action = iota + 1

	// ActionDup is an announcement of a present prefix with identical
	// attributes.
	ActionDup

	// ActionDPath is an announcement of a present prefix with different
	// attributes (implicit withdraw plus new announcement).
	ActionDPath

	// ActionWithdraw is an explicit withdraw of a present prefix.
	ActionWithdraw

	// ActionSPW is a spurious withdraw: the prefix was not present.
	ActionSPW
)

// String returns the wire label used in XML records for the action.
func (a Action) String() string {
	switch a {
	case ActionNew:
		return "NANN"
	case ActionDup:
		return "DANN"
	case ActionDPath:
		return "DPATH"
	case ActionWithdraw:
		return "WITH"
	case ActionSPW:
		return "SPATH"
	default:
		return "NULL"
	}
}

// Message is the unit of work flowing through the pipeline queues.
//
// A Message is created by the peer engine or the chain client on ingress
// and owned by whichever queue slot currently references it. The queue
// hands the original to the last reader of a slot and deep copies (via
// Copy) to every other reader; whoever receives it owns it from there.
type Message struct {
	// SessionID identifies the originating session.
	SessionID int

	// Seq is the per-session monotonically increasing sequence number.
	Seq uint32

	// Received is the wall-clock receive time. Second and millisecond
	// precision are both carried in XML records.
	Received time.Time

	// Kind selects the payload field below.
	Kind Kind

	// Octets is the raw BGP message for the KindBGP* kinds, including
	// the 19-byte header.
	Octets []byte

	// State is set for KindStateChange.
	State *StateChange

	// Labeled is set for KindLabeled.
	Labeled *LabeledUpdate
}

// StateChange records a session FSM transition.
type StateChange struct {
	// OldState and NewState are FSM state names.
	OldState string
	NewState string

	// Reason is a short operator-facing cause ("hold timer expired",
	// "capability mismatch", ...). May be empty.
	Reason string
}

// LabeledUpdate is the payload of a KindLabeled message: the original
// UPDATE octets plus the per-prefix classification produced by the
// labeling engine. A single UPDATE produces exactly one LabeledUpdate
// regardless of how many prefixes it names.
type LabeledUpdate struct {
	// Octets is the raw UPDATE including the BGP header.
	Octets []byte

	// Actions lists one entry per prefix named by the UPDATE, in wire
	// order: withdrawals first, then announcements.
	Actions []PrefixAction
}

// PrefixAction is the classification of one prefix of an UPDATE.
type PrefixAction struct {
	// Prefix is the NLRI prefix.
	Prefix netip.Prefix

	// AFI and SAFI identify the NLRI family.
	AFI  uint16
	SAFI uint8

	// Action is the label relative to the session's prefix table.
	Action Action

	// AttrID references the interned attribute entry installed for the
	// prefix. Zero for withdrawals and spurious withdrawals.
	AttrID uint64
}

// Clone returns a deep copy of the message. Queues use it to hand
// independent copies to all readers of a slot except the last.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Octets != nil {
		c.Octets = append([]byte(nil), m.Octets...)
	}
	if m.State != nil {
		st := *m.State
		c.State = &st
	}
	if m.Labeled != nil {
		l := &LabeledUpdate{
			Actions: append([]PrefixAction(nil), m.Labeled.Actions...),
		}
		if m.Labeled.Octets != nil {
			l.Octets = append([]byte(nil), m.Labeled.Octets...)
		}
		c.Labeled = l
	}
	return &c
}

// Size reports the approximate in-memory size of the message in bytes.
// Queues use it for occupancy accounting.
func (m *Message) Size() int {
	if m == nil {
		return 0
	}
	n := 64 + len(m.Octets)
	if m.State != nil {
		n += len(m.State.OldState) + len(m.State.NewState) + len(m.State.Reason)
	}
	if m.Labeled != nil {
		n += len(m.Labeled.Octets) + 32*len(m.Labeled.Actions)
	}
	return n
}

// Copy is the queue copy function for Message items.
func Copy(item any) any {
	m, ok := item.(*Message)
	if !ok {
		return item
	}
	return m.Clone()
}

// SizeOf is the queue size function for Message items.
func SizeOf(item any) int {
	m, ok := item.(*Message)
	if !ok {
		return 0
	}
	return m.Size()
}

// CopyBytes is the queue copy function for framed []byte records
// (the XML queues).
func CopyBytes(item any) any {
	b, ok := item.([]byte)
	if !ok {
		return item
	}
	return append([]byte(nil), b...)
}

// SizeOfBytes is the queue size function for framed []byte records.
func SizeOfBytes(item any) int {
	b, ok := item.([]byte)
	if !ok {
		return 0
	}
	return len(b)
}
