package fanout

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/acl"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/xmlgen"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newQueues(t *testing.T) (updateQ, ribQ *queue.Queue) {
	t.Helper()
	logger := discardLogger()
	updateQ = queue.New(queue.XMLUQueueName, 64, bmf.CopyBytes, bmf.SizeOfBytes, queue.PolicyFFJump, nil, queue.Config{}, logger)
	ribQ = queue.New(queue.XMLRQueueName, 64, bmf.CopyBytes, bmf.SizeOfBytes, queue.PolicyFFJump, nil, queue.Config{}, logger)
	return updateQ, ribQ
}

func startServer(t *testing.T, ctx context.Context, srv *Server, cfg ListenerConfig, ln net.Listener) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln, cfg) }()
	t.Cleanup(func() {
		if err := <-errCh; err != nil {
			t.Errorf("listener exited: %v", err)
		}
	})
}

func freeAddr(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func TestClientReceivesRecords(t *testing.T) {
	t.Parallel()

	updateQ, ribQ := newQueues(t)
	acls := acl.NewSet()
	srv := NewServer(updateQ, ribQ, acls, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := freeAddr(t)
	cfg := ListenerConfig{Stream: StreamUpdate, MaxClients: 4}
	startServer(t, ctx, srv, cfg, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Records published before the worker attaches its queue reader are
	// not replayed; wait for the subscription.
	waitFor(t, "client table", func() bool { return len(srv.Clients()) == 1 })
	waitFor(t, "queue reader", func() bool { return updateQ.Snapshot().Readers == 1 })

	w, err := updateQ.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	payload, err := xmlgen.Frame([]byte("<BGP_MESSAGE>hi</BGP_MESSAGE>"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(ctx, payload); err != nil {
		t.Fatal(err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	header := make([]byte, xmlgen.FrameHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	total, err := xmlgen.ParseFrameHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	rest := make([]byte, total-xmlgen.FrameHeaderLen)
	if _, err := io.ReadFull(conn, rest); err != nil {
		t.Fatalf("read record: %v", err)
	}
	if string(rest) != "<BGP_MESSAGE>hi</BGP_MESSAGE>" {
		t.Errorf("record = %q", rest)
	}
}

func TestACLDeniedClientClosed(t *testing.T) {
	t.Parallel()

	updateQ, ribQ := newQueues(t)
	acls := acl.NewSet()
	acls.Add(&acl.ACL{Name: "nobody"}) // empty list denies all
	srv := NewServer(updateQ, ribQ, acls, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := freeAddr(t)
	cfg := ListenerConfig{Stream: StreamUpdate, ACL: "nobody", MaxClients: 4}
	startServer(t, ctx, srv, cfg, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("read on denied connection = %v, want EOF", err)
	}
	if n := len(srv.Clients()); n != 0 {
		t.Errorf("client table has %d entries, want 0", n)
	}
}

func TestOverLimitClientClosed(t *testing.T) {
	t.Parallel()

	updateQ, ribQ := newQueues(t)
	srv := NewServer(updateQ, ribQ, acl.NewSet(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := freeAddr(t)
	cfg := ListenerConfig{Stream: StreamUpdate, MaxClients: 1}
	startServer(t, ctx, srv, cfg, ln)

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitFor(t, "first client", func() bool { return len(srv.Clients()) == 1 })

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if err := second.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err != io.EOF {
		t.Errorf("read on over-limit connection = %v, want EOF", err)
	}
	if n := len(srv.Clients()); n != 1 {
		t.Errorf("client table has %d entries, want 1", n)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
