package peer

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/label"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := discardLogger()
	q := queue.New(queue.PeerQueueName, 64, bmf.Copy, bmf.SizeOf, queue.PolicyFFJump, nil, queue.Config{}, logger)
	return NewManager(q, logger)
}

func TestManagerAddPeer(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	cfg := Config{
		RemoteAddr:  netip.MustParseAddr("192.0.2.10"),
		LocalAS:     64496,
		LabelAction: label.ModeRibOnly,
	}
	s, err := m.AddPeer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if s.SessionID() == 0 {
		t.Error("session id not allocated")
	}

	if _, err := m.AddPeer(cfg); !errors.Is(err, ErrPeerExists) {
		t.Errorf("duplicate AddPeer error = %v, want ErrPeerExists", err)
	}

	if got := m.LabelMode(s.SessionID()); got != label.ModeRibOnly {
		t.Errorf("LabelMode = %v, want ModeRibOnly", got)
	}
	if !m.RibOnly(s.SessionID()) {
		t.Error("RibOnly = false for ribonly session")
	}
	// Unknown sessions default to labeling.
	if got := m.LabelMode(999); got != label.ModeLabel {
		t.Errorf("LabelMode(unknown) = %v, want ModeLabel", got)
	}

	snaps := m.Snapshots()
	if len(snaps) != 1 || snaps[0].RemoteAddr != "192.0.2.10" {
		t.Errorf("Snapshots = %+v", snaps)
	}

	id, ok := m.Identity(s.SessionID())
	if !ok || id.RemoteAddr != "192.0.2.10" || id.LocalAS != 64496 {
		t.Errorf("Identity = %+v, %v", id, ok)
	}
}

func TestManagerRemoveAndEnable(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	addr := netip.MustParseAddr("192.0.2.11")
	if _, err := m.AddPeer(Config{RemoteAddr: addr, LocalAS: 64496}); err != nil {
		t.Fatal(err)
	}

	if err := m.EnablePeer(addr, false); err != nil {
		t.Fatal(err)
	}
	snaps := m.Snapshots()
	if len(snaps) != 1 || snaps[0].Enabled {
		t.Errorf("session still enabled after EnablePeer(false): %+v", snaps)
	}

	if err := m.RemovePeer(addr); err != nil {
		t.Fatal(err)
	}
	if err := m.RemovePeer(addr); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("second RemovePeer error = %v, want ErrPeerNotFound", err)
	}
	if len(m.Snapshots()) != 0 {
		t.Error("session table not empty after removal")
	}
}

func TestManagerRunStopsCleanly(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	// A disabled session idles on its tick until shutdown.
	s, err := m.AddPeer(Config{
		RemoteAddr: netip.MustParseAddr("192.0.2.12"),
		LocalAS:    64496,
		Tick:       10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.SetEnabled(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
}
