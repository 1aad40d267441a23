// Package xmlgen converts internal messages into the length-prefixed
// XML records exchanged with subscribing clients and chained monitor
// instances, and frames/deframes those records on the wire.
package xmlgen

import (
	"errors"
	"fmt"
)

// Wire framing: every record is DDDDD<payload> where DDDDD is a 5-byte
// zero-padded decimal byte count including the count itself. Legacy
// senders may precede their stream with a literal "<xml>" preamble,
// which receivers consume silently.

// FrameHeaderLen is the size of the decimal length prefix.
const FrameHeaderLen = 5

// MaxRecordLen is the largest frameable record, including the header.
const MaxRecordLen = 99999

// LegacyPreamble is the optional stream prefix of legacy senders.
var LegacyPreamble = []byte("<xml>")

// Framing errors.
var (
	// ErrRecordTooLarge indicates the payload cannot be framed in a
	// 5-digit length.
	ErrRecordTooLarge = errors.New("record too large to frame")

	// ErrBadFrameHeader indicates the length prefix is not a 5-digit
	// decimal or describes an impossible length.
	ErrBadFrameHeader = errors.New("bad frame header")
)

// Frame prepends the length header to payload.
func Frame(payload []byte) ([]byte, error) {
	total := len(payload) + FrameHeaderLen
	if total > MaxRecordLen {
		return nil, fmt.Errorf("%d bytes: %w", total, ErrRecordTooLarge)
	}
	out := make([]byte, 0, total)
	out = append(out, []byte(fmt.Sprintf("%05d", total))...)
	return append(out, payload...), nil
}

// ParseFrameHeader decodes the 5-byte decimal length prefix, returning
// the total record length including the header.
func ParseFrameHeader(header []byte) (int, error) {
	if len(header) < FrameHeaderLen {
		return 0, fmt.Errorf("%d header bytes: %w", len(header), ErrBadFrameHeader)
	}
	total := 0
	for _, c := range header[:FrameHeaderLen] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-decimal length byte %q: %w", c, ErrBadFrameHeader)
		}
		total = total*10 + int(c-'0')
	}
	if total < FrameHeaderLen {
		return 0, fmt.Errorf("length %d: %w", total, ErrBadFrameHeader)
	}
	return total, nil
}
