// Package pipeline owns the monitor's four named queues and the tasks
// that connect them: peers and chains write in at one end, the labeler
// and serializer shuttle messages through, and subscribing clients
// drain the XML queues at the other.
//
//	peers -> PeerQueue -> labeler -> LabelQueue -> serializer -> XMLUQueue/XMLRQueue -> clients
//	chains --------------------------------------------------------^
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/bmf"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/label"
	monmetrics "github.com/NLNOG/ring-bgpmon-core-sub000/internal/metrics"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/peer"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/xmlgen"
)

// statsInterval is how often queue snapshots are folded into metrics.
const statsInterval = 10 * time.Second

// Options configures the pipeline.
type Options struct {
	// MonitorID is stamped into every serialized record.
	MonitorID string

	// QueueCapacity applies to all four queues (0 = default).
	QueueCapacity int

	// Policy is the pacing policy for all four queues.
	Policy queue.Policy

	// QueueConfig carries the pacing parameters.
	QueueConfig queue.Config

	// Modes resolves per-session label actions (nil = label all).
	Modes label.ModeProvider

	// Directory resolves session identity and phase for the
	// serializer.
	Directory xmlgen.Directory

	// Collector receives periodic queue snapshots; may be nil.
	Collector *monmetrics.Collector

	Logger *slog.Logger
}

// Pipeline is the assembled stage graph. The four queues are created at
// start-up with fixed names and share one wait group.
type Pipeline struct {
	PeerQ  *queue.Queue
	LabelQ *queue.Queue
	XMLUQ  *queue.Queue
	XMLRQ  *queue.Queue

	labeler    *label.Labeler
	serializer *xmlgen.Serializer
	collector  *monmetrics.Collector
	logger     *slog.Logger
}

// New creates the queues and the stage tasks. Nothing runs until Run.
func New(opts Options) (*Pipeline, error) {
	logger := opts.Logger.With(slog.String("component", "pipeline"))
	group := queue.NewGroup()

	peerQ := queue.New(queue.PeerQueueName, opts.QueueCapacity,
		bmf.Copy, bmf.SizeOf, opts.Policy, group, opts.QueueConfig, opts.Logger)
	labelQ := queue.New(queue.LabelQueueName, opts.QueueCapacity,
		bmf.Copy, bmf.SizeOf, opts.Policy, group, opts.QueueConfig, opts.Logger)
	xmluQ := queue.New(queue.XMLUQueueName, opts.QueueCapacity,
		bmf.CopyBytes, bmf.SizeOfBytes, opts.Policy, group, opts.QueueConfig, opts.Logger)
	xmlrQ := queue.New(queue.XMLRQueueName, opts.QueueCapacity,
		bmf.CopyBytes, bmf.SizeOfBytes, opts.Policy, group, opts.QueueConfig, opts.Logger)

	labeler, err := label.NewLabeler(peerQ, labelQ, opts.Modes, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("create labeler: %w", err)
	}
	serializer, err := xmlgen.NewSerializer(
		opts.MonitorID, labelQ, xmluQ, xmlrQ, opts.Directory, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("create serializer: %w", err)
	}

	return &Pipeline{
		PeerQ:      peerQ,
		LabelQ:     labelQ,
		XMLUQ:      xmluQ,
		XMLRQ:      xmlrQ,
		labeler:    labeler,
		serializer: serializer,
		collector:  opts.Collector,
		logger:     logger,
	}, nil
}

// Run drives the stage tasks until ctx is done, then tears the queues
// down in pipeline order: ingress writers first (closed by their
// owners), each queue closed once its upstream stage has drained, and
// downstream readers released by the closures.
func (p *Pipeline) Run(ctx context.Context) error {
	labelerDone := make(chan error, 1)
	serializerDone := make(chan error, 1)

	go func() { labelerDone <- p.labeler.Run(ctx) }()
	go func() { serializerDone <- p.serializer.Run(ctx) }()

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go p.statsLoop(statsCtx)

	<-ctx.Done()
	p.logger.Info("pipeline draining")

	p.PeerQ.Close()
	labelerErr := <-labelerDone

	p.LabelQ.Close()
	serializerErr := <-serializerDone

	p.XMLUQ.Close()
	p.XMLRQ.Close()

	if labelerErr != nil {
		return fmt.Errorf("labeler: %w", labelerErr)
	}
	if serializerErr != nil {
		return fmt.Errorf("serializer: %w", serializerErr)
	}
	return nil
}

// statsLoop periodically folds queue snapshots into the collector.
func (p *Pipeline) statsLoop(ctx context.Context) {
	if p.collector == nil {
		return
	}
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, st := range p.QueueStats() {
				p.collector.ObserveQueue(st)
			}
		}
	}
}

// QueueStats snapshots all four queues for the status API.
func (p *Pipeline) QueueStats() []queue.Stats {
	return []queue.Stats{
		p.PeerQ.Snapshot(),
		p.LabelQ.Snapshot(),
		p.XMLUQ.Snapshot(),
		p.XMLRQ.Snapshot(),
	}
}

// ManagerDirectory adapts the peer manager to the serializer's
// directory interface.
type ManagerDirectory struct {
	M *peer.Manager
}

// Identity implements xmlgen.Directory.
func (d ManagerDirectory) Identity(sessionID int) (xmlgen.Identity, bool) {
	id, ok := d.M.Identity(sessionID)
	if !ok {
		return xmlgen.Identity{}, false
	}
	return xmlgen.Identity{
		LocalAddr:   id.LocalAddr,
		RemoteAddr:  id.RemoteAddr,
		LocalAS:     id.LocalAS,
		RemoteAS:    id.RemoteAS,
		LocalBGPID:  id.LocalBGPID,
		RemoteBGPID: id.RemoteBGPID,
	}, true
}

// RibPhase implements xmlgen.Directory.
func (d ManagerDirectory) RibPhase(sessionID int) bool { return d.M.RibPhase(sessionID) }

// RibOnly implements xmlgen.Directory.
func (d ManagerDirectory) RibOnly(sessionID int) bool { return d.M.RibOnly(sessionID) }
