package xmlgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

// Directory resolves session identity and phase at serialization time.
// The pipeline wires the peer manager in behind this interface.
type Directory interface {
	// Identity returns the session identity, false if unknown.
	Identity(sessionID int) (Identity, bool)

	// RibPhase reports whether the session is replaying its RIB.
	RibPhase(sessionID int) bool

	// RibOnly reports whether the session is configured rib-only.
	RibOnly(sessionID int) bool
}

// Serializer is the pipeline stage between the label queue and the two
// XML output queues. Records for sessions in their RIB-transfer phase,
// and all records of rib-only sessions, go to the RIB stream; everything
// else goes to the update stream.
type Serializer struct {
	monitorID string
	reader    *queue.Reader
	updateW   *queue.Writer
	ribW      *queue.Writer
	dir       Directory
	logger    *slog.Logger

	seq atomic.Uint32
}

// NewSerializer creates a serializer reading labelQueue and writing
// framed records to updateQueue and ribQueue.
func NewSerializer(
	monitorID string,
	labelQueue, updateQueue, ribQueue *queue.Queue,
	dir Directory,
	logger *slog.Logger,
) (*Serializer, error) {
	r, err := queue.NewReader(labelQueue)
	if err != nil {
		return nil, fmt.Errorf("serializer reader: %w", err)
	}
	uw, err := updateQueue.NewWriter()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("serializer update writer: %w", err)
	}
	rw, err := ribQueue.NewWriter()
	if err != nil {
		r.Close()
		uw.Close()
		return nil, fmt.Errorf("serializer rib writer: %w", err)
	}
	return &Serializer{
		monitorID: monitorID,
		reader:    r,
		updateW:   uw,
		ribW:      rw,
		dir:       dir,
		logger:    logger.With(slog.String("component", "serializer")),
	}, nil
}

// Run drains the label queue until ctx is done or the queue is closed
// and drained.
func (s *Serializer) Run(ctx context.Context) error {
	defer s.ribW.Close()
	defer s.updateW.Close()
	defer s.reader.Close()

	for {
		items, err := s.reader.Read(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serializer read: %w", err)
		}
		for _, item := range items {
			if item == nil {
				continue
			}
			msg, ok := item.(*bmf.Message)
			if !ok {
				continue
			}
			if err := s.serialize(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// serialize converts one internal message and writes it to the stream
// its source session is in.
func (s *Serializer) serialize(ctx context.Context, msg *bmf.Message) error {
	var id *Identity
	if ident, ok := s.dir.Identity(msg.SessionID); ok {
		id = &ident
	}

	rec := BuildRecord(s.monitorID, s.seq.Add(1), msg, id)
	framed, err := rec.Encode()
	if err != nil {
		s.logger.Warn("failed to encode record",
			slog.Int("session", msg.SessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	w := s.updateW
	if s.dir.RibOnly(msg.SessionID) || s.dir.RibPhase(msg.SessionID) {
		w = s.ribW
	}
	if _, err := w.Write(ctx, framed); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("serializer write: %w", err)
	}
	return nil
}
