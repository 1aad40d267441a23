package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// Capability negotiation (RFC 5492). Each peer carries a list of
// requirements that the remote OPEN is matched against in OpenSent: a
// required capability that is missing, or a refused capability that is
// present, aborts the session with an "unsupported capability"
// NOTIFICATION.

// CapMode is the requirement placed on one capability code.
type CapMode uint8

const (
	// CapAllow accepts the capability whether or not it is advertised.
	CapAllow CapMode = iota

	// CapRequire aborts the session if the capability is missing.
	CapRequire

	// CapRefuse aborts the session if the capability is present.
	CapRefuse
)

// String returns the configuration name of the mode.
func (m CapMode) String() string {
	switch m {
	case CapAllow:
		return "allow"
	case CapRequire:
		return "require"
	case CapRefuse:
		return "refuse"
	default:
		return "unknown"
	}
}

// ParseCapMode maps a configuration string to a CapMode.
func ParseCapMode(s string) (CapMode, error) {
	switch s {
	case "", "allow":
		return CapAllow, nil
	case "require":
		return CapRequire, nil
	case "refuse":
		return CapRefuse, nil
	default:
		return CapAllow, fmt.Errorf("unknown capability mode %q", s)
	}
}

// Requirement binds a capability code to a mode.
type Requirement struct {
	Code bgp.BGPCapabilityCode
	Mode CapMode
}

// ErrUnsupportedCapability indicates the remote OPEN violated a
// capability requirement. The session sends a NOTIFICATION with the
// OPEN error subcode "unsupported capability" (RFC 5492 Section 5).
var ErrUnsupportedCapability = errors.New("unsupported capability")

// openCapabilities flattens the OPEN's optional parameters into the set
// of advertised capabilities, keeping the first occurrence per code.
func openCapabilities(open *bgp.BGPOpen) map[bgp.BGPCapabilityCode]bgp.ParameterCapabilityInterface {
	caps := make(map[bgp.BGPCapabilityCode]bgp.ParameterCapabilityInterface)
	for _, p := range open.OptParams {
		opc, ok := p.(*bgp.OptionParameterCapability)
		if !ok {
			continue
		}
		for _, c := range opc.Capability {
			if _, seen := caps[c.Code()]; !seen {
				caps[c.Code()] = c
			}
		}
	}
	return caps
}

// CheckCapabilities matches the received OPEN against the configured
// requirements.
func CheckCapabilities(open *bgp.BGPOpen, reqs []Requirement) error {
	caps := openCapabilities(open)
	for _, r := range reqs {
		_, present := caps[r.Code]
		switch r.Mode {
		case CapRequire:
			if !present {
				return fmt.Errorf("capability %d required but not advertised: %w",
					r.Code, ErrUnsupportedCapability)
			}
		case CapRefuse:
			if present {
				return fmt.Errorf("capability %d refused but advertised: %w",
					r.Code, ErrUnsupportedCapability)
			}
		case CapAllow:
		}
	}
	return nil
}

// RemoteAS extracts the remote AS number from the OPEN. When the
// configuration requests 4-byte ASN handling and the remote advertises
// the four-octet-ASN capability (code 65), the AS is taken from the
// capability TLV; otherwise from the 2-byte field of the OPEN.
func RemoteAS(open *bgp.BGPOpen, use4Byte bool) uint32 {
	if use4Byte {
		caps := openCapabilities(open)
		if c, ok := caps[bgp.BGP_CAP_FOUR_OCTET_AS_NUMBER]; ok {
			if four, ok := c.(*bgp.CapFourOctetASNumber); ok {
				return four.CapValue
			}
		}
	}
	return uint32(open.MyAS)
}

// NegotiateHoldTime implements RFC 4271 Section 4.2: the session hold
// time is the minimum of ours and theirs; zero disables KEEPALIVE and
// hold-time expiry entirely.
func NegotiateHoldTime(configured time.Duration, received uint16) time.Duration {
	remote := time.Duration(received) * time.Second
	if remote == 0 || configured == 0 {
		return 0
	}
	return min(configured, remote)
}

// localCapabilities builds the capability parameters we advertise,
// derived from the requirements: everything not refused is announced.
func localCapabilities(reqs []Requirement, localAS uint32) []bgp.OptionParameterInterface {
	var caps []bgp.ParameterCapabilityInterface
	refused := make(map[bgp.BGPCapabilityCode]bool)
	for _, r := range reqs {
		if r.Mode == CapRefuse {
			refused[r.Code] = true
		}
	}
	if !refused[bgp.BGP_CAP_MULTIPROTOCOL] {
		caps = append(caps, bgp.NewCapMultiProtocol(bgp.RF_IPv4_UC))
		caps = append(caps, bgp.NewCapMultiProtocol(bgp.RF_IPv6_UC))
	}
	if !refused[bgp.BGP_CAP_ROUTE_REFRESH] {
		caps = append(caps, bgp.NewCapRouteRefresh())
	}
	if !refused[bgp.BGP_CAP_FOUR_OCTET_AS_NUMBER] {
		caps = append(caps, bgp.NewCapFourOctetASNumber(localAS))
	}
	if len(caps) == 0 {
		return nil
	}
	return []bgp.OptionParameterInterface{bgp.NewOptionParameterCapability(caps)}
}
