package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func copyInt(item any) any { return item }

func sizeInt(any) int { return 8 }

func newTestQueue(t *testing.T, capacity int, policy Policy, group *Group) *Queue {
	t.Helper()
	return New("test", capacity, copyInt, sizeInt, policy, group, Config{}, discardLogger())
}

// slotRefcountSum is the left side of the queue invariant:
// the sum of slot refcounts over [head, tail).
func slotRefcountSum(q *Queue) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sum int64
	for i := q.head; i < q.tail; i++ {
		sum += int64(q.items[i&q.mask].count)
	}
	return sum
}

// readerPendingSum is the right side of the invariant:
// the sum of (tail - position) over active readers.
func readerPendingSum(q *Queue) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sum int64
	for i := range q.readers {
		if q.readers[i].used {
			sum += q.tail - q.readers[i].next
		}
	}
	return sum
}

func mustWrite(t *testing.T, w *Writer, item any) Status {
	t.Helper()
	st, err := w.Write(context.Background(), item)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return st
}

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int64
	}{
		{0, DefaultCapacity + 3192}, // 5000 -> 8192
		{1, 1},
		{2, 2},
		{5, 8},
		{4096, 4096},
		{5000, 8192},
	}
	for _, tt := range tests {
		q := newTestQueue(t, tt.in, PolicyFFJump, nil)
		if q.capacity != tt.want {
			t.Errorf("capacity(%d) = %d, want %d", tt.in, q.capacity, tt.want)
		}
	}
}

func TestLastReaderGetsOriginal(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 16, PolicyFFJump, nil)
	type payload struct{ n int }
	q.copyFn = func(item any) any {
		p := *(item.(*payload))
		return &p
	}

	r1, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r1.Close()
	r2, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	orig := &payload{n: 7}
	mustWrite(t, w, orig)

	items1, err := r1.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if items1[0] == any(orig) {
		t.Error("first reader received the original, want a copy")
	}
	items2, err := r2.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if items2[0] != any(orig) {
		t.Error("last reader received a copy, want the original")
	}
	if q.Occupancy() != 0 {
		t.Errorf("occupancy = %d after all readers consumed, want 0", q.Occupancy())
	}
}

func TestRefcountInvariant(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 64, PolicyFFJump, nil)
	readers := make([]*Reader, 3)
	for i := range readers {
		r, err := NewReader(q)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		readers[i] = r
	}
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	check := func() {
		t.Helper()
		if got, want := slotRefcountSum(q), readerPendingSum(q); got != want {
			t.Fatalf("slot refcount sum = %d, reader pending sum = %d", got, want)
		}
	}

	ctx := context.Background()
	for i := 0; i < 40; i++ {
		mustWrite(t, w, i)
		check()
		// Readers consume at staggered rates.
		if i%2 == 0 {
			if _, err := readers[0].Read(ctx); err != nil {
				t.Fatal(err)
			}
			check()
		}
		if i%4 == 0 {
			if _, err := readers[1].Read(ctx); err != nil {
				t.Fatal(err)
			}
			check()
		}
	}
}

// Destroying a reader must release exactly the slots it was pinning:
// a reader with 10 pending items on Q1 and 5 on Q2 advances each head by
// that amount when it is the last reader of those items.
func TestReaderDetachReleasesPending(t *testing.T) {
	t.Parallel()

	g := NewGroup()
	q1 := New("q1", 32, copyInt, sizeInt, PolicyFFJump, g, Config{}, discardLogger())
	q2 := New("q2", 32, copyInt, sizeInt, PolicyFFJump, g, Config{}, discardLogger())

	r, err := NewReader(q1, q2)
	if err != nil {
		t.Fatal(err)
	}

	w1, err := q1.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w1.Close()
	w2, err := q2.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	for i := 0; i < 10; i++ {
		mustWrite(t, w1, i)
	}
	for i := 0; i < 5; i++ {
		mustWrite(t, w2, i)
	}

	before := slotRefcountSum(q1) + slotRefcountSum(q2)
	if before != 15 {
		t.Fatalf("pinned slots before detach = %d, want 15", before)
	}

	r.Close()

	if occ := q1.Occupancy(); occ != 0 {
		t.Errorf("q1 occupancy after detach = %d, want 0", occ)
	}
	if occ := q2.Occupancy(); occ != 0 {
		t.Errorf("q2 occupancy after detach = %d, want 0", occ)
	}
	if sum := slotRefcountSum(q1) + slotRefcountSum(q2); sum != 0 {
		t.Errorf("slot refcount sum after detach = %d, want 0", sum)
	}
}

func TestGroupReadWakesOnAnyQueue(t *testing.T) {
	t.Parallel()

	g := NewGroup()
	q1 := New("q1", 16, copyInt, sizeInt, PolicyFFJump, g, Config{}, discardLogger())
	q2 := New("q2", 16, copyInt, sizeInt, PolicyFFJump, g, Config{}, discardLogger())

	r, err := NewReader(q1, q2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	w2, err := q2.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	done := make(chan []any, 1)
	go func() {
		items, err := r.Read(context.Background())
		if err != nil {
			done <- nil
			return
		}
		done <- items
	}()

	time.Sleep(20 * time.Millisecond)
	mustWrite(t, w2, "hello")

	select {
	case items := <-done:
		if items == nil {
			t.Fatal("Read failed")
		}
		if items[0] != nil {
			t.Errorf("q1 item = %v, want nil", items[0])
		}
		if items[1] != "hello" {
			t.Errorf("q2 item = %v, want hello", items[1])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not wake on write to grouped queue")
	}
}

func TestReadContextCancel(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 16, PolicyFFJump, nil)
	r, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Read after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not observe context cancellation")
	}
}

func TestCloseDrainsThenReports(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 16, PolicyFFJump, nil)
	r, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		mustWrite(t, w, i)
	}
	w.Close()
	q.Close()

	if _, err := w.Write(context.Background(), 99); err == nil {
		t.Error("Write on closed writer succeeded, want error")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		items, err := r.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d after close: %v", i, err)
		}
		if items[0] != i {
			t.Errorf("Read %d = %v, want %d", i, items[0], i)
		}
	}
	if _, err := r.Read(ctx); err != ErrQueueClosed {
		t.Errorf("Read on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestWriteWithNoReadersDrops(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 16, PolicyFFJump, nil)
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	mustWrite(t, w, 1)
	if occ := q.Occupancy(); occ != 0 {
		t.Errorf("occupancy = %d with no readers, want 0 (dropped)", occ)
	}
	if st := q.Snapshot(); st.Written != 1 {
		t.Errorf("written = %d, want 1", st.Written)
	}
}

func TestMixedGroupRejected(t *testing.T) {
	t.Parallel()

	q1 := newTestQueue(t, 16, PolicyFFJump, nil)
	q2 := newTestQueue(t, 16, PolicyFFJump, nil)
	if _, err := NewReader(q1, q2); err != ErrMixedGroups {
		t.Errorf("NewReader across groups = %v, want ErrMixedGroups", err)
	}
}

func TestFFJumpFullQueueJumpsSlowReader(t *testing.T) {
	t.Parallel()

	// A short pacing interval keeps the over-budget writer delays from
	// dominating the test.
	cfg := Config{PacingInterval: 5 * time.Millisecond}
	q := New("test", 8, copyInt, sizeInt, PolicyFFJump, nil, cfg, discardLogger())
	r, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 8; i++ {
		if st := mustWrite(t, w, i); st != StatusOK {
			t.Fatalf("write %d status = %v, want StatusOK", i, st)
		}
	}
	// The 9th write finds the queue full: the reader at head jumps to
	// tail, releasing all 8 slots, and the write is accepted.
	if st := mustWrite(t, w, 8); st != StatusFullAccepted {
		t.Fatalf("write on full queue status = %v, want StatusFullAccepted", st)
	}

	items, err := r.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if items[0] != 8 {
		t.Errorf("item after jump = %v, want 8 (intermediate items dropped)", items[0])
	}
	if occ := q.Occupancy(); occ != 0 {
		t.Errorf("occupancy = %d, want 0", occ)
	}
}

func TestBacklogAdvancesOneSlotPerWrite(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 8, PolicyBacklog, nil)
	r, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Backlog calls the queue full one slot early: the first 7 writes
	// are clean, every later write steps the head reader one slot.
	for i := 0; i < 7; i++ {
		if st := mustWrite(t, w, i); st != StatusOK {
			t.Fatalf("write %d status = %v, want StatusOK", i, st)
		}
	}
	for i := 7; i < 10; i++ {
		if st := mustWrite(t, w, i); st != StatusFullAccepted {
			t.Fatalf("write %d status = %v, want StatusFullAccepted", i, st)
		}
	}

	// Three items (0, 1, 2) were skipped; the next read returns 3.
	items, err := r.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if items[0] != 3 {
		t.Errorf("first item after backlog = %v, want 3", items[0])
	}
}

func TestIdealReaderFullQueueSteps(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 8, PolicyIdealReader, nil)
	r, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 8; i++ {
		mustWrite(t, w, i)
	}
	if st := mustWrite(t, w, 8); st != StatusFullAccepted {
		t.Fatalf("write on full queue status = %v, want StatusFullAccepted", st)
	}
	if occ := q.Occupancy(); occ > 8 {
		t.Errorf("occupancy = %d, want <= capacity", occ)
	}
}

// A slow client must never reject writes: the pacing policy drops
// messages for the laggard instead. One fast writer against one slow
// reader on a small ff_jump queue.
func TestSlowReaderNeverRejectsWrites(t *testing.T) {
	t.Parallel()

	cfg := Config{PacingInterval: 10 * time.Millisecond}
	q := New("slow", 64, copyInt, sizeInt, PolicyFFJump, nil, cfg, discardLogger())
	r, err := NewReader(q)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w, err := q.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readDone := make(chan int64)
	go func() {
		var n int64
		for {
			if _, err := r.Read(ctx); err != nil {
				readDone <- n
				return
			}
			n++
			time.Sleep(time.Millisecond)
		}
	}()

	const total = 120
	for i := 0; i < total; i++ {
		if _, err := w.Write(ctx, i); err != nil {
			t.Fatalf("write %d rejected: %v", i, err)
		}
		if occ := q.Occupancy(); occ > 64 {
			t.Fatalf("occupancy %d exceeds capacity", occ)
		}
	}

	cancel()
	read := <-readDone
	if read == 0 {
		t.Error("slow reader made no progress")
	}
}
