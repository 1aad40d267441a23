package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// BGP message framing (RFC 4271 Section 4.1): a 16-byte all-ones
// marker, a 2-byte length in network order covering the whole message
// (19..4096), and a 1-byte type. The read is bounded by a deadline so
// the caller's periodic tick observes shutdown and reconfiguration.

// Framing errors.
var (
	// ErrBadMarker indicates the 16-byte marker was not all ones.
	ErrBadMarker = errors.New("bad message marker")

	// ErrBadLength indicates the length field was outside 19..4096.
	ErrBadLength = errors.New("bad message length")
)

// readMessage reads one framed BGP message from conn, returning the
// full octets including the header. A tick timeout surfaces as a
// net.Error with Timeout() true.
func readMessage(conn net.Conn, tick time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(tick)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	header := make([]byte, bgp.BGP_HEADER_LENGTH)
	if n, err := io.ReadFull(conn, header); err != nil {
		if n > 0 && isTimeout(err) {
			// A timeout that already consumed bytes would desynchronize
			// the stream; surface it as a transport failure instead of
			// a tick.
			return nil, fmt.Errorf("short header read (%d bytes): %w", n, io.ErrUnexpectedEOF)
		}
		return nil, err
	}

	for i := 0; i < 16; i++ {
		if header[i] != 0xff {
			return nil, ErrBadMarker
		}
	}
	length := int(header[16])<<8 | int(header[17])
	if length < bgp.BGP_HEADER_LENGTH || length > bgp.BGP_MAX_MESSAGE_LENGTH {
		return nil, fmt.Errorf("length %d: %w", length, ErrBadLength)
	}

	octets := make([]byte, length)
	copy(octets, header)
	if length > bgp.BGP_HEADER_LENGTH {
		if _, err := io.ReadFull(conn, octets[bgp.BGP_HEADER_LENGTH:]); err != nil {
			return nil, err
		}
	}
	return octets, nil
}
