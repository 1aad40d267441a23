// bgpmond -- BGP route-monitoring daemon. Accepts BGP sessions from
// routers, optionally chains to upstream monitor instances, labels each
// update against the per-peer routing table, and fans the resulting XML
// record streams out to subscribing clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	gobgp "github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/acl"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/chain"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/config"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/fanout"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/label"
	monmetrics "github.com/NLNOG/ring-bgpmon-core-sub000/internal/metrics"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/peer"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/pipeline"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/server"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/version"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/xmlgen"
)

func main() {
	var (
		configPath   string
		scratchDir   string
		recoveryPort int
	)

	root := &cobra.Command{
		Use:           "bgpmond",
		Short:         "BGP route-monitoring daemon",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, scratchDir, recoveryPort)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "bgpmond.xml",
		"path to the configuration document (XML or YAML)")
	root.Flags().StringVar(&scratchDir, "scratch-dir", "",
		"override the scratch directory")
	root.Flags().IntVar(&recoveryPort, "recovery-port", 0,
		"override the status listener port (recovery from a broken config)")

	if err := root.Execute(); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("bgpmond failed",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

func run(configPath, scratchDir string, recoveryPort int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if scratchDir != "" {
		cfg.Monitor.ScratchDir = scratchDir
	}
	if recoveryPort != 0 {
		cfg.Status.Addr = fmt.Sprintf(":%d", recoveryPort)
	}
	if cfg.Monitor.ScratchDir != "" {
		if err := os.MkdirAll(cfg.Monitor.ScratchDir, 0o750); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("bgpmond starting",
		slog.String("version", version.Version),
		slog.String("monitor_id", cfg.Monitor.ID),
		slog.String("status_addr", cfg.Status.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := monmetrics.NewCollector(reg)

	return runDaemon(cfg, configPath, collector, reg, logger, logLevel)
}

// hooks defers the manager lookup so the pipeline stages can be built
// before the manager that feeds them.
type hooks struct {
	m *peer.Manager
}

func (h *hooks) LabelMode(sessionID int) label.Mode {
	if h.m == nil {
		return label.ModeLabel
	}
	return h.m.LabelMode(sessionID)
}

func (h *hooks) RibPhase(sessionID int) bool { return h.m != nil && h.m.RibPhase(sessionID) }
func (h *hooks) RibOnly(sessionID int) bool  { return h.m != nil && h.m.RibOnly(sessionID) }

func (h *hooks) Identity(sessionID int) (xmlgen.Identity, bool) {
	if h.m == nil {
		return xmlgen.Identity{}, false
	}
	return pipeline.ManagerDirectory{M: h.m}.Identity(sessionID)
}

func runDaemon(
	cfg *config.Config,
	configPath string,
	collector *monmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
) error {
	policy, err := queue.ParsePolicy(cfg.Queues.Policy)
	if err != nil {
		return fmt.Errorf("queue policy: %w", err)
	}

	h := &hooks{}
	p, err := pipeline.New(pipeline.Options{
		MonitorID:     cfg.Monitor.ID,
		QueueCapacity: cfg.Queues.Capacity,
		Policy:        policy,
		QueueConfig: queue.Config{
			PacingOnThresh:       cfg.Queues.PacingOnThresh,
			PacingOffThresh:      cfg.Queues.PacingOffThresh,
			Alpha:                cfg.Queues.Alpha,
			MinWritesPerInterval: cfg.Queues.MinWrites,
			PacingInterval:       cfg.Queues.PacingInterval,
		},
		Modes:     h,
		Directory: h,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	mgr := peer.NewManager(p.PeerQ, logger, peer.WithManagerMetrics(collector))
	h.m = mgr
	if err := addPeers(cfg, mgr); err != nil {
		return err
	}

	acls := buildACLs(cfg, logger)
	cache := chain.NewOwnerCache(0, 0, logger)
	chains, err := buildChains(cfg, cache, p, collector, logger)
	if err != nil {
		return err
	}

	fan := fanout.NewServer(p.XMLUQ, p.XMLRQ, acls, logger,
		fanout.WithClientGauge(collector))

	statusSrv := server.NewStatus(cfg.Status.Addr, server.Sources{
		Neighbors: mgr.Snapshots,
		Queues:    p.QueueStats,
		Chains: func() []chain.Status {
			out := make([]chain.Status, 0, len(chains))
			for _, c := range chains {
				out = append(out, c.Snapshot())
			}
			return out
		},
		Clients: fan.Clients,
	}, logger)
	metricsSrv := server.NewMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gCtx) })
	g.Go(func() error { return mgr.Run(gCtx) })
	g.Go(func() error { return cache.Run(gCtx) })

	if cfg.BGP.ListenAddr != "" && hasPassivePeers(cfg) {
		g.Go(func() error { return mgr.Listen(gCtx, cfg.BGP.ListenAddr) })
	}
	for _, c := range chains {
		c := c
		g.Go(func() error { return c.Run(gCtx) })
	}

	g.Go(func() error {
		return fan.Listen(gCtx, fanout.ListenerConfig{
			Addr:       cfg.Listeners.Update.Addr,
			Stream:     fanout.StreamUpdate,
			ACL:        cfg.Listeners.Update.ACL,
			MaxClients: cfg.Listeners.Update.MaxClients,
		})
	})
	g.Go(func() error {
		return fan.Listen(gCtx, fanout.ListenerConfig{
			Addr:       cfg.Listeners.Rib.Addr,
			Stream:     fanout.StreamRib,
			ACL:        cfg.Listeners.Rib.ACL,
			MaxClients: cfg.Listeners.Rib.MaxClients,
		})
	})

	g.Go(func() error {
		logger.Info("status server listening", slog.String("addr", cfg.Status.Addr))
		return server.ListenAndServe(gCtx, statusSrv)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return server.ListenAndServe(gCtx, metricsSrv)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })
	startSIGHUPHandler(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	err = g.Wait()
	logger.Info("bgpmond stopped")
	return err
}

// addPeers reconciles the configured peers into the manager.
func addPeers(cfg *config.Config, mgr *peer.Manager) error {
	for i, pc := range cfg.Peers.Peer {
		peerCfg, err := buildPeerConfig(pc, cfg.BGP)
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		s, err := mgr.AddPeer(peerCfg)
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if pc.Disabled {
			s.SetEnabled(false)
		}
	}
	return nil
}

// buildPeerConfig translates one configuration peer into the session
// blueprint.
func buildPeerConfig(pc config.PeerConfig, bgpCfg config.BGPConfig) (peer.Config, error) {
	addr, err := netip.ParseAddr(pc.Addr)
	if err != nil {
		return peer.Config{}, fmt.Errorf("peer addr %q: %w", pc.Addr, err)
	}

	var localAddr, bgpID netip.Addr
	if pc.LocalAddr != "" {
		if localAddr, err = netip.ParseAddr(pc.LocalAddr); err != nil {
			return peer.Config{}, fmt.Errorf("peer local addr %q: %w", pc.LocalAddr, err)
		}
	}
	if bgpCfg.BGPID != "" {
		if bgpID, err = netip.ParseAddr(bgpCfg.BGPID); err != nil {
			return peer.Config{}, fmt.Errorf("bgp id %q: %w", bgpCfg.BGPID, err)
		}
	}

	caps, err := buildRequirements(pc)
	if err != nil {
		return peer.Config{}, err
	}
	mode, err := label.ParseMode(pc.LabelAction)
	if err != nil {
		return peer.Config{}, err
	}

	hold := pc.HoldTime
	if hold == 0 {
		hold = bgpCfg.HoldTime
	}

	return peer.Config{
		RemoteAddr:           addr,
		RemotePort:           pc.Port,
		LocalAddr:            localAddr,
		LocalAS:              bgpCfg.LocalAS,
		LocalBGPID:           bgpID,
		RemoteAS:             pc.RemoteAS,
		HoldTime:             hold,
		Capabilities:         caps,
		Use4ByteASN:          pc.Use4ByteASN,
		LabelAction:          mode,
		MD5Password:          pc.MD5Password,
		Passive:              pc.Passive,
		ConnectRetryInterval: pc.RetryInterval,
	}, nil
}

// buildRequirements translates the space-separated capability code
// lists into requirement entries.
func buildRequirements(pc config.PeerConfig) ([]peer.Requirement, error) {
	var reqs []peer.Requirement
	require, err := config.ParseCaps(pc.RequireCaps)
	if err != nil {
		return nil, fmt.Errorf("require_caps: %w", err)
	}
	for _, code := range require {
		reqs = append(reqs, peer.Requirement{
			Code: gobgp.BGPCapabilityCode(code),
			Mode: peer.CapRequire,
		})
	}
	refuse, err := config.ParseCaps(pc.RefuseCaps)
	if err != nil {
		return nil, fmt.Errorf("refuse_caps: %w", err)
	}
	for _, code := range refuse {
		reqs = append(reqs, peer.Requirement{
			Code: gobgp.BGPCapabilityCode(code),
			Mode: peer.CapRefuse,
		})
	}
	return reqs, nil
}

// buildChains creates the configured chain clients.
func buildChains(
	cfg *config.Config,
	cache *chain.OwnerCache,
	p *pipeline.Pipeline,
	collector *monmetrics.Collector,
	logger *slog.Logger,
) ([]*chain.Chain, error) {
	chains := make([]*chain.Chain, 0, len(cfg.Chains.Chain))
	for i, cc := range cfg.Chains.Chain {
		c, err := chain.NewChain(chain.Config{
			ChainID:              i + 1,
			Addr:                 cc.Addr,
			UpdatePort:           cc.UpdatePort,
			RibPort:              cc.RibPort,
			ConnectRetryInterval: cc.RetryInterval,
		}, cache, p.XMLUQ, p.XMLRQ, logger, chain.WithChainMetrics(collector))
		if err != nil {
			return nil, fmt.Errorf("chains[%d]: %w", i, err)
		}
		if cc.Disabled {
			c.SetEnabled(false)
		}
		chains = append(chains, c)
	}
	return chains, nil
}

// buildACLs loads the configured access lists.
func buildACLs(cfg *config.Config, logger *slog.Logger) *acl.Set {
	set := acl.NewSet()
	for _, ac := range cfg.ACLs.ACL {
		a := &acl.ACL{Name: ac.Name}
		for _, rc := range ac.Rule {
			action, err := acl.ParseRuleAction(rc.Action)
			if err != nil {
				logger.Warn("skipping acl rule",
					slog.String("acl", ac.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			rule := acl.Rule{Action: action}
			if rc.Prefix == "any" || rc.Prefix == "" {
				rule.Any = true
			} else if prefix, err := netip.ParsePrefix(rc.Prefix); err == nil {
				rule.Prefix = prefix
			} else if addr, err := netip.ParseAddr(rc.Prefix); err == nil {
				rule.Prefix = netip.PrefixFrom(addr, addr.BitLen())
			} else {
				logger.Warn("skipping acl rule with bad prefix",
					slog.String("acl", ac.Name),
					slog.String("prefix", rc.Prefix),
				)
				continue
			}
			a.Rules = append(a.Rules, rule)
		}
		set.Add(a)
	}
	return set
}

func hasPassivePeers(cfg *config.Config) bool {
	for _, pc := range cfg.Peers.Peer {
		if pc.Passive {
			return true
		}
	}
	return false
}

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// -------------------------------------------------------------------------
// Systemd Integration
// -------------------------------------------------------------------------

// notifyReady sends READY=1 once initialization completes.
func notifyReady(logger *slog.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
	}
}

// runWatchdog pings the systemd watchdog at half its interval.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("watchdog notify failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// startSIGHUPHandler reloads the log level from the configuration file
// on SIGHUP. Structural changes (peers, chains, listeners) require a
// restart.
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigCh:
				cfg, err := config.Load(configPath)
				if err != nil {
					logger.Error("reload failed, keeping running config",
						slog.String("error", err.Error()),
					)
					continue
				}
				logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
				logger.Info("configuration reloaded",
					slog.String("log_level", cfg.Log.Level),
				)
			}
		}
	})
}
