package xmlgen

import (
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
)

// ErrNoOrigin indicates a record carries no monitor identity; legacy
// senders emit such records.
var ErrNoOrigin = errors.New("record has no monitor id")

// Identity is the source session identity carried in every record.
type Identity struct {
	LocalAddr   string `xml:"LOCAL_ADDR"`
	RemoteAddr  string `xml:"REMOTE_ADDR"`
	LocalAS     uint32 `xml:"LOCAL_AS"`
	RemoteAS    uint32 `xml:"REMOTE_AS"`
	LocalBGPID  string `xml:"LOCAL_BGPID,omitempty"`
	RemoteBGPID string `xml:"REMOTE_BGPID,omitempty"`
}

// Monitor identifies the originating monitor instance; chained
// instances use it to suppress forwarding loops.
type Monitor struct {
	ID  string `xml:"id,attr"`
	Seq uint32 `xml:"seq,attr"`
}

// TimeElem carries the wall-clock receive time at second and
// millisecond precision.
type TimeElem struct {
	Timestamp   int64 `xml:"TIMESTAMP"`
	Millisecond int   `xml:"MSEC"`
}

// LabelElem is the classification of one prefix of the update.
type LabelElem struct {
	Action string `xml:"action,attr"`
	AFI    uint16 `xml:"afi,attr"`
	SAFI   uint8  `xml:"safi,attr"`
	Prefix string `xml:",chardata"`
}

// StateElem records a session FSM transition.
type StateElem struct {
	Old    string `xml:"OLD_STATE"`
	New    string `xml:"NEW_STATE"`
	Reason string `xml:"REASON,omitempty"`
}

// Record is one XML record as placed on the wire (inside the length
// frame). The monitor id and record sequence let downstream instances
// de-duplicate across a chain mesh; the octets carry the original BGP
// message in hex.
type Record struct {
	XMLName xml.Name   `xml:"BGP_MESSAGE"`
	Monitor Monitor    `xml:"MONITOR"`
	Time    TimeElem   `xml:"TIME"`
	Type    string     `xml:"TYPE"`
	Peering *Identity  `xml:"PEERING,omitempty"`
	State   *StateElem `xml:"STATUS_MSG,omitempty"`
	Octets  string     `xml:"OCTETS,omitempty"`
	Labels  []LabelElem `xml:"LABELS>LABEL,omitempty"`
}

// BuildRecord converts one internal message into a Record.
func BuildRecord(monitorID string, seq uint32, msg *bmf.Message, id *Identity) Record {
	rec := Record{
		Monitor: Monitor{ID: monitorID, Seq: seq},
		Time: TimeElem{
			Timestamp:   msg.Received.Unix(),
			Millisecond: msg.Received.Nanosecond() / 1e6,
		},
		Type:    msg.Kind.String(),
		Peering: id,
	}

	switch msg.Kind {
	case bmf.KindLabeled:
		rec.Octets = hex.EncodeToString(msg.Labeled.Octets)
		for _, a := range msg.Labeled.Actions {
			rec.Labels = append(rec.Labels, LabelElem{
				Action: a.Action.String(),
				AFI:    a.AFI,
				SAFI:   a.SAFI,
				Prefix: a.Prefix.String(),
			})
		}
	case bmf.KindStateChange:
		rec.State = &StateElem{
			Old:    msg.State.OldState,
			New:    msg.State.NewState,
			Reason: msg.State.Reason,
		}
	default:
		rec.Octets = hex.EncodeToString(msg.Octets)
	}
	return rec
}

// Encode marshals the record and wraps it in the length frame.
func (r Record) Encode() ([]byte, error) {
	payload, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	framed, err := Frame(payload)
	if err != nil {
		return nil, err
	}
	return framed, nil
}

// Origin is the (monitor-id, sequence) pair extracted from a received
// record for chain de-duplication.
type Origin struct {
	MonitorID string
	Seq       uint32
}

// ExtractOrigin parses the monitor identity out of an unframed record
// payload. Records without a parsable monitor element (legacy senders)
// return an error; the chain policy forwards such records if non-empty.
func ExtractOrigin(payload []byte) (Origin, error) {
	var rec struct {
		Monitor Monitor `xml:"MONITOR"`
	}
	if err := xml.Unmarshal(payload, &rec); err != nil {
		return Origin{}, fmt.Errorf("parse record origin: %w", err)
	}
	if rec.Monitor.ID == "" {
		return Origin{}, ErrNoOrigin
	}
	return Origin{MonitorID: rec.Monitor.ID, Seq: rec.Monitor.Seq}, nil
}
