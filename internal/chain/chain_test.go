package chain

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/xmlgen"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestOwnerCacheFirstChainWins(t *testing.T) {
	t.Parallel()

	c := NewOwnerCache(0, 0, discardLogger())

	if !c.Decide("monitor-m", 1, 7) {
		t.Fatal("first delivery not forwarded")
	}
	// The owning chain keeps forwarding.
	if !c.Decide("monitor-m", 1, 8) {
		t.Error("owner's later record dropped")
	}
	// Copies on a different chain are dropped.
	if c.Decide("monitor-m", 2, 8) {
		t.Error("non-owner's copy forwarded")
	}
	// Ownership is per monitor-id.
	if !c.Decide("monitor-n", 2, 1) {
		t.Error("different monitor's record dropped")
	}
}

// Chain-loop scenario: records for one monitor interleave across two
// chains; exactly the records received on whichever chain created the
// entry are forwarded.
func TestOwnerCacheInterleaving(t *testing.T) {
	t.Parallel()

	c := NewOwnerCache(0, 0, discardLogger())

	type delivery struct {
		chain int
		seq   uint32
	}
	deliveries := []delivery{
		{chain: 3, seq: 7}, // chain 3 becomes owner
		{chain: 5, seq: 7},
		{chain: 3, seq: 8},
		{chain: 5, seq: 8},
		{chain: 5, seq: 9},
		{chain: 3, seq: 9},
	}
	var forwarded []delivery
	for _, d := range deliveries {
		if c.Decide("M", d.chain, d.seq) {
			forwarded = append(forwarded, d)
		}
	}
	if len(forwarded) != 3 {
		t.Fatalf("%d records forwarded, want 3", len(forwarded))
	}
	for _, d := range forwarded {
		if d.chain != 3 {
			t.Errorf("record from non-owner chain %d forwarded", d.chain)
		}
	}
}

func TestOwnerCacheConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	c := NewOwnerCache(0, 0, discardLogger())

	const chains = 8
	wins := make([]bool, chains)
	var wg sync.WaitGroup
	for i := 0; i < chains; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wins[id] = c.Decide("M", id, 1)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("%d chains won ownership, want exactly 1", winners)
	}
}

func TestOwnerCacheExpiry(t *testing.T) {
	t.Parallel()

	c := NewOwnerCache(10*time.Millisecond, time.Hour, discardLogger())

	if !c.Decide("M", 1, 1) {
		t.Fatal("first delivery not forwarded")
	}
	if c.Decide("M", 2, 1) {
		t.Fatal("non-owner forwarded before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if n := c.expire(time.Now()); n != 1 {
		t.Fatalf("expire removed %d entries, want 1", n)
	}

	// After expiry another chain can take ownership.
	if !c.Decide("M", 2, 2) {
		t.Error("new owner not accepted after expiry")
	}
}

func TestOwnerCacheTouchKeepsEntryAlive(t *testing.T) {
	t.Parallel()

	c := NewOwnerCache(30*time.Millisecond, time.Hour, discardLogger())
	c.Decide("M", 1, 1)

	// Forwarding refreshes the timestamp, so the entry survives sweeps.
	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		c.Decide("M", 1, uint32(i+2))
		if n := c.expire(time.Now()); n != 0 {
			t.Fatalf("sweep %d removed a touched entry", i)
		}
	}
}

// framedRecord builds one labeled record originating at monitorID.
func framedRecord(t *testing.T, monitorID string, seq uint32) []byte {
	t.Helper()
	msg := &bmf.Message{
		SessionID: 1,
		Received:  time.Unix(1700000000, 0),
		Kind:      bmf.KindLabeled,
		Labeled: &bmf.LabeledUpdate{
			Octets: []byte{0x01},
			Actions: []bmf.PrefixAction{{
				Prefix: netip.MustParsePrefix("10.0.0.0/8"),
				AFI:    1, SAFI: 1,
				Action: bmf.ActionNew,
			}},
		},
	}
	framed, err := xmlgen.BuildRecord(monitorID, seq, msg, nil).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return framed
}

// A chain stream: legacy preamble consumed, records deframed, ownership
// applied, survivors forwarded to the XML queue with framing intact.
func TestChainStreamForwards(t *testing.T) {
	t.Parallel()

	logger := discardLogger()
	updateQ := queue.New(queue.XMLUQueueName, 64, bmf.CopyBytes, bmf.SizeOfBytes, queue.PolicyFFJump, nil, queue.Config{}, logger)
	ribQ := queue.New(queue.XMLRQueueName, 64, bmf.CopyBytes, bmf.SizeOfBytes, queue.PolicyFFJump, nil, queue.Config{}, logger)

	r, err := queue.NewReader(updateQ)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	// The RIB stream connects to its own idle listener.
	ribLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ribLn.Close()
	_, ribPortStr, _ := net.SplitHostPort(ribLn.Addr().String())
	ribPort, _ := strconv.Atoi(ribPortStr)

	cache := NewOwnerCache(0, 0, logger)
	// Another chain already owns monitor-x: its records must be dropped.
	cache.Decide("monitor-x", 99, 1)

	cfg := Config{
		ChainID:              1,
		Addr:                 "127.0.0.1",
		UpdatePort:           uint16(port),
		RibPort:              uint16(ribPort),
		ConnectRetryInterval: 10 * time.Millisecond,
		Tick:                 50 * time.Millisecond,
	}
	ch, err := NewChain(cfg, cache, updateQ, ribQ, logger)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := [][]byte{
		framedRecord(t, "monitor-a", 1), // forwarded (new owner)
		framedRecord(t, "monitor-x", 2), // dropped (owned elsewhere)
		framedRecord(t, "monitor-a", 3), // forwarded
	}

	// The update stream gets the records; the RIB stream idles.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				c.Write(xmlgen.LegacyPreamble)
				for _, rec := range records {
					c.Write(rec)
				}
				<-ctx.Done()
			}(conn)
		}
	}()
	go func() {
		for {
			conn, err := ribLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				<-ctx.Done()
				c.Close()
			}(conn)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.Run(ctx)
	}()

	readRecord := func() []byte {
		t.Helper()
		rctx, rcancel := context.WithTimeout(ctx, 3*time.Second)
		defer rcancel()
		items, err := r.Read(rctx)
		if err != nil {
			t.Fatalf("read forwarded record: %v", err)
		}
		return items[0].([]byte)
	}

	first := readRecord()
	origin, err := xmlgen.ExtractOrigin(first[xmlgen.FrameHeaderLen:])
	if err != nil {
		t.Fatalf("forwarded record unparsable: %v", err)
	}
	if origin.MonitorID != "monitor-a" || origin.Seq != 1 {
		t.Errorf("first forwarded origin = %+v, want monitor-a/1", origin)
	}

	second := readRecord()
	origin, err = xmlgen.ExtractOrigin(second[xmlgen.FrameHeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if origin.MonitorID != "monitor-a" || origin.Seq != 3 {
		t.Errorf("second forwarded origin = %+v, want monitor-a/3 (monitor-x dropped)", origin)
	}

	cancel()
	<-done

	snap := ch.Snapshot()
	if got := snap.Update.Received + snap.Rib.Received; got < 3 {
		t.Errorf("records received = %d, want >= 3", got)
	}
}
