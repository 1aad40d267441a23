package xmlgen

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("<BGP_MESSAGE>x</BGP_MESSAGE>")
	framed, err := Frame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(framed) != len(payload)+FrameHeaderLen {
		t.Fatalf("framed length = %d, want %d", len(framed), len(payload)+FrameHeaderLen)
	}
	total, err := ParseFrameHeader(framed)
	if err != nil {
		t.Fatal(err)
	}
	if total != len(framed) {
		t.Errorf("parsed total = %d, want %d", total, len(framed))
	}
	if !bytes.Equal(framed[FrameHeaderLen:], payload) {
		t.Error("payload corrupted by framing")
	}
}

func TestFrameHeaderZeroPadded(t *testing.T) {
	t.Parallel()

	framed, err := Frame([]byte("ab"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(framed[:FrameHeaderLen]); got != "00007" {
		t.Errorf("header = %q, want %q", got, "00007")
	}
}

func TestParseFrameHeaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
	}{
		{"short", "001"},
		{"non-decimal", "12a45"},
		{"impossible length", "00003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseFrameHeader([]byte(tt.header)); !errors.Is(err, ErrBadFrameHeader) {
				t.Errorf("ParseFrameHeader(%q) error = %v, want ErrBadFrameHeader", tt.header, err)
			}
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	t.Parallel()

	if _, err := Frame(make([]byte, MaxRecordLen)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Frame(oversized) error = %v, want ErrRecordTooLarge", err)
	}
}

func labeledMessage() *bmf.Message {
	return &bmf.Message{
		SessionID: 3,
		Seq:       12,
		Received:  time.Unix(1700000000, 250*1e6),
		Kind:      bmf.KindLabeled,
		Labeled: &bmf.LabeledUpdate{
			Octets: []byte{0xff, 0x00, 0x19},
			Actions: []bmf.PrefixAction{
				{
					Prefix: netip.MustParsePrefix("10.0.0.0/8"),
					AFI:    1,
					SAFI:   1,
					Action: bmf.ActionNew,
				},
			},
		},
	}
}

func TestBuildRecordLabeled(t *testing.T) {
	t.Parallel()

	id := &Identity{
		LocalAddr: "192.0.2.1", RemoteAddr: "192.0.2.10",
		LocalAS: 64496, RemoteAS: 64500,
	}
	rec := BuildRecord("monitor-a", 42, labeledMessage(), id)

	framed, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	payload := string(framed[FrameHeaderLen:])

	for _, want := range []string{
		`id="monitor-a"`,
		`seq="42"`,
		"<TIMESTAMP>1700000000</TIMESTAMP>",
		"<MSEC>250</MSEC>",
		"<REMOTE_AS>64500</REMOTE_AS>",
		"<OCTETS>ff0019</OCTETS>",
		`action="NANN"`,
		"10.0.0.0/8",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("record payload missing %q:\n%s", want, payload)
		}
	}
}

func TestBuildRecordStateChange(t *testing.T) {
	t.Parallel()

	msg := &bmf.Message{
		SessionID: 1,
		Received:  time.Unix(1700000000, 0),
		Kind:      bmf.KindStateChange,
		State:     &bmf.StateChange{OldState: "OpenConfirm", NewState: "Established"},
	}
	rec := BuildRecord("m", 1, msg, nil)
	framed, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	payload := string(framed[FrameHeaderLen:])
	if !strings.Contains(payload, "<NEW_STATE>Established</NEW_STATE>") {
		t.Errorf("state record missing transition:\n%s", payload)
	}
}

func TestExtractOrigin(t *testing.T) {
	t.Parallel()

	rec := BuildRecord("monitor-b", 7, labeledMessage(), nil)
	framed, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	origin, err := ExtractOrigin(framed[FrameHeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if origin.MonitorID != "monitor-b" || origin.Seq != 7 {
		t.Errorf("origin = %+v, want monitor-b/7", origin)
	}

	if _, err := ExtractOrigin([]byte("<BGP_MESSAGE></BGP_MESSAGE>")); !errors.Is(err, ErrNoOrigin) {
		t.Errorf("origin of anonymous record = %v, want ErrNoOrigin", err)
	}
}

type fakeDirectory struct {
	ribPhase atomic.Bool
	ribOnly  atomic.Bool
}

func (d *fakeDirectory) Identity(int) (Identity, bool) {
	return Identity{LocalAddr: "192.0.2.1", RemoteAddr: "192.0.2.10", LocalAS: 64496, RemoteAS: 64500}, true
}
func (d *fakeDirectory) RibPhase(int) bool { return d.ribPhase.Load() }
func (d *fakeDirectory) RibOnly(int) bool  { return d.ribOnly.Load() }

func TestSerializerRoutesByPhase(t *testing.T) {
	t.Parallel()

	logger := discardLogger()
	labelQ := queue.New(queue.LabelQueueName, 64, bmf.Copy, bmf.SizeOf, queue.PolicyFFJump, nil, queue.Config{}, logger)
	updateQ := queue.New(queue.XMLUQueueName, 64, bmf.CopyBytes, bmf.SizeOfBytes, queue.PolicyFFJump, nil, queue.Config{}, logger)
	ribQ := queue.New(queue.XMLRQueueName, 64, bmf.CopyBytes, bmf.SizeOfBytes, queue.PolicyFFJump, nil, queue.Config{}, logger)

	dir := &fakeDirectory{}
	dir.ribPhase.Store(true)
	s, err := NewSerializer("monitor-a", labelQ, updateQ, ribQ, dir, logger)
	if err != nil {
		t.Fatal(err)
	}

	updateR, err := queue.NewReader(updateQ)
	if err != nil {
		t.Fatal(err)
	}
	defer updateR.Close()
	ribR, err := queue.NewReader(ribQ)
	if err != nil {
		t.Fatal(err)
	}
	defer ribR.Close()

	w, err := labelQ.NewWriter()
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// First message lands while the session replays its RIB.
	if _, err := w.Write(ctx, labeledMessage()); err != nil {
		t.Fatal(err)
	}
	// Second message is in the streaming phase.
	dirSwap := make(chan struct{})
	go func() {
		<-dirSwap
		if _, err := w.Write(ctx, labeledMessage()); err != nil {
			t.Error(err)
		}
		w.Close()
		labelQ.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ribItems, err := ribR.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	framed := ribItems[0].([]byte)
	if _, err := ParseFrameHeader(framed); err != nil {
		t.Errorf("rib record not framed: %v", err)
	}

	dir.ribPhase.Store(false)
	close(dirSwap)

	updateItems, err := updateR.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseFrameHeader(updateItems[0].([]byte)); err != nil {
		t.Errorf("update record not framed: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("serializer run: %v", err)
	}
	updateQ.Close()
	ribQ.Close()
}
