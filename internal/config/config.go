// Package config manages the monitor's configuration using koanf/v2.
//
// The native document format is XML (parsed by the local koanf parser
// in this package); YAML deployments are supported by extension, and
// environment variables override either. Defaults are layered first,
// then the file, then the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete monitor configuration.
type Config struct {
	Monitor   MonitorConfig   `koanf:"monitor"`
	Log       LogConfig       `koanf:"log"`
	Status    StatusConfig    `koanf:"status"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	BGP       BGPConfig       `koanf:"bgp"`
	Queues    QueuesConfig    `koanf:"queues"`
	Peers     PeerList        `koanf:"peers"`
	Chains    ChainList       `koanf:"chains"`
	Listeners ListenersConfig `koanf:"listeners"`
	ACLs      ACLList         `koanf:"acls"`
	Login     LoginConfig     `koanf:"login"`
}

// MonitorConfig identifies this instance.
type MonitorConfig struct {
	// ID is the globally unique monitor identifier stamped into every
	// record; chained instances use it for loop suppression.
	ID string `koanf:"id"`

	// ScratchDir is the working directory for temporary state.
	ScratchDir string `koanf:"scratch_dir"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// StatusConfig holds the HTTP status API configuration.
type StatusConfig struct {
	// Addr is the listen address, e.g. ":9179".
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// BGPConfig holds the shared BGP session parameters.
type BGPConfig struct {
	// ListenAddr accepts inbound sessions from passive peers.
	ListenAddr string `koanf:"listen_addr"`

	// LocalAS and BGPID identify this monitor in its OPENs.
	LocalAS uint32 `koanf:"local_as"`
	BGPID   string `koanf:"bgp_id"`

	// HoldTime is the default offered hold time.
	HoldTime time.Duration `koanf:"hold_time"`
}

// QueuesConfig holds the shared queue and pacing parameters.
type QueuesConfig struct {
	Capacity        int           `koanf:"capacity"`
	Policy          string        `koanf:"policy"`
	PacingOnThresh  float64       `koanf:"pacing_on_thresh"`
	PacingOffThresh float64       `koanf:"pacing_off_thresh"`
	Alpha           float64       `koanf:"alpha"`
	MinWrites       int           `koanf:"min_writes"`
	PacingInterval  time.Duration `koanf:"pacing_interval"`
}

// PeerConfig describes one monitored router.
type PeerConfig struct {
	Addr        string        `koanf:"addr"`
	Port        uint16        `koanf:"port"`
	LocalAddr   string        `koanf:"local_addr"`
	RemoteAS    uint32        `koanf:"remote_as"`
	HoldTime    time.Duration `koanf:"hold_time"`
	Disabled    bool          `koanf:"disabled"`
	Passive     bool          `koanf:"passive"`
	LabelAction string        `koanf:"label_action"`
	MD5Password string        `koanf:"md5_password"`

	// RequireCaps and RefuseCaps are space-separated capability codes.
	RequireCaps string `koanf:"require_caps"`
	RefuseCaps  string `koanf:"refuse_caps"`

	// Use4ByteASN selects the four-octet-ASN capability TLV as the AS
	// source when the remote advertises it.
	Use4ByteASN bool `koanf:"use_4byte_asn"`

	RetryInterval time.Duration `koanf:"retry_interval"`
}

// PeerList wraps the repeated peer elements.
type PeerList struct {
	Peer []PeerConfig `koanf:"peer"`
}

// ChainConfig describes one upstream monitor instance.
type ChainConfig struct {
	Addr          string        `koanf:"addr"`
	UpdatePort    uint16        `koanf:"update_port"`
	RibPort       uint16        `koanf:"rib_port"`
	Disabled      bool          `koanf:"disabled"`
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// ChainList wraps the repeated chain elements.
type ChainList struct {
	Chain []ChainConfig `koanf:"chain"`
}

// ListenerConfig describes one subscriber listener.
type ListenerConfig struct {
	Addr       string `koanf:"addr"`
	ACL        string `koanf:"acl"`
	MaxClients int    `koanf:"max_clients"`
}

// ListenersConfig holds the update and RIB subscriber listeners.
type ListenersConfig struct {
	Update ListenerConfig `koanf:"update"`
	Rib    ListenerConfig `koanf:"rib"`
}

// ACLRule is one ordered rule: an action of permit, deny, label, or
// ribonly plus a prefix or "any".
type ACLRule struct {
	Action string `koanf:"action"`
	Prefix string `koanf:"prefix"`
}

// ACLConfig is one named ordered rule list.
type ACLConfig struct {
	Name string    `koanf:"name"`
	Rule []ACLRule `koanf:"rule"`
}

// ACLList wraps the repeated acl elements.
type ACLList struct {
	ACL []ACLConfig `koanf:"acl"`
}

// LoginConfig carries the CLI access passwords.
type LoginConfig struct {
	AccessPassword string `koanf:"access_password"`
	EnablePassword string `koanf:"enable_password"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock parameters.
func DefaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			ID:         "bgpmond",
			ScratchDir: "/var/tmp/bgpmond",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Status: StatusConfig{
			Addr: ":9179",
		},
		Metrics: MetricsConfig{
			Addr: ":9180",
			Path: "/metrics",
		},
		BGP: BGPConfig{
			ListenAddr: ":1790",
			HoldTime:   180 * time.Second,
		},
		Queues: QueuesConfig{
			Capacity:        5000,
			Policy:          "ffjump",
			PacingOnThresh:  0.50,
			PacingOffThresh: 0.25,
			Alpha:           0.25,
			MinWrites:       1,
			PacingInterval:  time.Second,
		},
		Listeners: ListenersConfig{
			Update: ListenerConfig{Addr: ":50001", MaxClients: 100},
			Rib:    ListenerConfig{Addr: ":50002", MaxClients: 100},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for overrides, mapped as
// BGPMOND_LOG_LEVEL -> log.level.
const envPrefix = "BGPMOND_"

// Load reads the configuration document at path (XML by default, YAML
// for .yml/.yaml), overlays environment variable overrides, and merges
// on top of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	parser := selectParser(path)
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}
	return cfg, nil
}

// selectParser picks the file parser by extension.
func selectParser(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Parser()
	default:
		return newXMLParser()
	}
}

// envKeyMapper transforms BGPMOND_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults sets the default layer as flat koanf keys.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"monitor.id":                   d.Monitor.ID,
		"monitor.scratch_dir":          d.Monitor.ScratchDir,
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
		"status.addr":                  d.Status.Addr,
		"metrics.addr":                 d.Metrics.Addr,
		"metrics.path":                 d.Metrics.Path,
		"bgp.listen_addr":              d.BGP.ListenAddr,
		"bgp.hold_time":                d.BGP.HoldTime.String(),
		"queues.capacity":              d.Queues.Capacity,
		"queues.policy":                d.Queues.Policy,
		"queues.pacing_on_thresh":      d.Queues.PacingOnThresh,
		"queues.pacing_off_thresh":     d.Queues.PacingOffThresh,
		"queues.alpha":                 d.Queues.Alpha,
		"queues.min_writes":            d.Queues.MinWrites,
		"queues.pacing_interval":       d.Queues.PacingInterval.String(),
		"listeners.update.addr":        d.Listeners.Update.Addr,
		"listeners.update.max_clients": d.Listeners.Update.MaxClients,
		"listeners.rib.addr":           d.Listeners.Rib.Addr,
		"listeners.rib.max_clients":    d.Listeners.Rib.MaxClients,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMonitorID indicates the monitor identifier is empty.
	ErrEmptyMonitorID = errors.New("monitor.id must not be empty")

	// ErrInvalidPeerAddr indicates a peer has an unparsable address.
	ErrInvalidPeerAddr = errors.New("peer address is invalid")

	// ErrInvalidLocalAS indicates peers are configured without a
	// usable local AS.
	ErrInvalidLocalAS = errors.New("bgp.local_as must be nonzero when peers are configured")

	// ErrDuplicatePeer indicates two peers share one address.
	ErrDuplicatePeer = errors.New("duplicate peer address")

	// ErrInvalidChainAddr indicates a chain has no address.
	ErrInvalidChainAddr = errors.New("chain address is empty")

	// ErrInvalidChainPorts indicates a chain is missing a stream port.
	ErrInvalidChainPorts = errors.New("chain update and rib ports must be nonzero")

	// ErrUnnamedACL indicates an acl element without a name.
	ErrUnnamedACL = errors.New("acl must be named")
)

// Validate checks the configuration for logical errors, returning the
// first found.
func Validate(cfg *Config) error {
	if cfg.Monitor.ID == "" {
		return ErrEmptyMonitorID
	}
	if len(cfg.Peers.Peer) > 0 && cfg.BGP.LocalAS == 0 {
		return ErrInvalidLocalAS
	}

	seen := make(map[string]struct{}, len(cfg.Peers.Peer))
	for i, p := range cfg.Peers.Peer {
		if _, err := netip.ParseAddr(p.Addr); err != nil {
			return fmt.Errorf("peers[%d] addr %q: %w", i, p.Addr, ErrInvalidPeerAddr)
		}
		if _, dup := seen[p.Addr]; dup {
			return fmt.Errorf("peers[%d] addr %q: %w", i, p.Addr, ErrDuplicatePeer)
		}
		seen[p.Addr] = struct{}{}
	}

	for i, c := range cfg.Chains.Chain {
		if c.Addr == "" {
			return fmt.Errorf("chains[%d]: %w", i, ErrInvalidChainAddr)
		}
		if c.UpdatePort == 0 || c.RibPort == 0 {
			return fmt.Errorf("chains[%d]: %w", i, ErrInvalidChainPorts)
		}
	}

	for i, a := range cfg.ACLs.ACL {
		if a.Name == "" {
			return fmt.Errorf("acls[%d]: %w", i, ErrUnnamedACL)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Save
// -------------------------------------------------------------------------

// Save writes the configuration back out as an XML document; the CLI's
// explicit save overwrites the running configuration file.
func Save(cfg *Config, path string) error {
	k := koanf.New(".")
	if err := k.Load(structsProvider{cfg: cfg}, nil); err != nil {
		return fmt.Errorf("flatten config: %w", err)
	}
	out, err := newXMLParser().Marshal(k.Raw())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// structsProvider feeds the Config struct back into koanf for Save.
type structsProvider struct {
	cfg *Config
}

func (p structsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("structs provider does not support ReadBytes")
}

func (p structsProvider) Read() (map[string]interface{}, error) {
	c := p.cfg
	peers := make([]interface{}, 0, len(c.Peers.Peer))
	for _, pc := range c.Peers.Peer {
		peers = append(peers, map[string]interface{}{
			"addr": pc.Addr, "port": pc.Port, "remote_as": pc.RemoteAS,
			"disabled": pc.Disabled, "passive": pc.Passive,
			"label_action": pc.LabelAction,
			"require_caps": pc.RequireCaps, "refuse_caps": pc.RefuseCaps,
			"use_4byte_asn": pc.Use4ByteASN,
		})
	}
	chains := make([]interface{}, 0, len(c.Chains.Chain))
	for _, cc := range c.Chains.Chain {
		chains = append(chains, map[string]interface{}{
			"addr": cc.Addr, "update_port": cc.UpdatePort,
			"rib_port": cc.RibPort, "disabled": cc.Disabled,
		})
	}
	acls := make([]interface{}, 0, len(c.ACLs.ACL))
	for _, ac := range c.ACLs.ACL {
		rules := make([]interface{}, 0, len(ac.Rule))
		for _, r := range ac.Rule {
			rules = append(rules, map[string]interface{}{
				"action": r.Action, "prefix": r.Prefix,
			})
		}
		acls = append(acls, map[string]interface{}{
			"name": ac.Name, "rule": rules,
		})
	}
	return map[string]interface{}{
		"monitor": map[string]interface{}{
			"id": c.Monitor.ID, "scratch_dir": c.Monitor.ScratchDir,
		},
		"log": map[string]interface{}{
			"level": c.Log.Level, "format": c.Log.Format,
		},
		"status":  map[string]interface{}{"addr": c.Status.Addr},
		"metrics": map[string]interface{}{"addr": c.Metrics.Addr, "path": c.Metrics.Path},
		"bgp": map[string]interface{}{
			"listen_addr": c.BGP.ListenAddr,
			"local_as":    c.BGP.LocalAS,
			"bgp_id":      c.BGP.BGPID,
			"hold_time":   c.BGP.HoldTime.String(),
		},
		"queues": map[string]interface{}{
			"capacity": c.Queues.Capacity, "policy": c.Queues.Policy,
			"pacing_on_thresh":  c.Queues.PacingOnThresh,
			"pacing_off_thresh": c.Queues.PacingOffThresh,
			"alpha":             c.Queues.Alpha,
			"min_writes":        c.Queues.MinWrites,
			"pacing_interval":   c.Queues.PacingInterval.String(),
		},
		"peers":  map[string]interface{}{"peer": peers},
		"chains": map[string]interface{}{"chain": chains},
		"listeners": map[string]interface{}{
			"update": map[string]interface{}{
				"addr": c.Listeners.Update.Addr, "acl": c.Listeners.Update.ACL,
				"max_clients": c.Listeners.Update.MaxClients,
			},
			"rib": map[string]interface{}{
				"addr": c.Listeners.Rib.Addr, "acl": c.Listeners.Rib.ACL,
				"max_clients": c.Listeners.Rib.MaxClients,
			},
		},
		"acls": map[string]interface{}{"acl": acls},
	}, nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to slog.Level.
// Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseCaps splits a space-separated capability code list.
func ParseCaps(s string) ([]uint8, error) {
	fields := strings.Fields(s)
	out := make([]uint8, 0, len(fields))
	for _, f := range fields {
		var code int
		if _, err := fmt.Sscanf(f, "%d", &code); err != nil || code < 0 || code > 255 {
			return nil, fmt.Errorf("capability code %q is not a byte value", f)
		}
		out = append(out, uint8(code))
	}
	return out, nil
}
