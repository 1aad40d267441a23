// Package acl implements the ordered access-control lists used to admit
// subscribing clients and to attach per-source policy (label, rib-only)
// to accepted connections. Rules are evaluated in order; the first rule
// whose prefix contains the address decides. No match means deny.
package acl

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// RuleAction is the disposition of a matching rule.
type RuleAction uint8

const (
	// Deny rejects the connection.
	Deny RuleAction = iota

	// Permit admits the connection.
	Permit

	// PermitLabel admits the connection and requests labeled output.
	PermitLabel

	// PermitRibOnly admits the connection restricted to the RIB stream.
	PermitRibOnly
)

// String returns the configuration name of the action.
func (a RuleAction) String() string {
	switch a {
	case Deny:
		return "deny"
	case Permit:
		return "permit"
	case PermitLabel:
		return "label"
	case PermitRibOnly:
		return "ribonly"
	default:
		return "unknown"
	}
}

// ParseRuleAction maps a configuration string to a RuleAction.
func ParseRuleAction(s string) (RuleAction, error) {
	switch s {
	case "deny":
		return Deny, nil
	case "permit":
		return Permit, nil
	case "label":
		return PermitLabel, nil
	case "ribonly", "rib_only":
		return PermitRibOnly, nil
	default:
		return Deny, fmt.Errorf("unknown acl action %q", s)
	}
}

// Rule matches one prefix (or any address) to an action.
type Rule struct {
	// Action is applied when the rule matches.
	Action RuleAction

	// Prefix is the matched range. Invalid prefix plus Any false never
	// matches.
	Prefix netip.Prefix

	// Any matches every address regardless of Prefix.
	Any bool
}

// Matches reports whether the rule covers addr.
func (r Rule) Matches(addr netip.Addr) bool {
	if r.Any {
		return true
	}
	return r.Prefix.IsValid() && r.Prefix.Contains(addr.Unmap())
}

// ACL is one named ordered rule list.
type ACL struct {
	Name  string
	Rules []Rule
}

// Eval returns the action for addr: the first matching rule decides,
// and an address no rule covers is denied.
func (a *ACL) Eval(addr netip.Addr) RuleAction {
	for _, r := range a.Rules {
		if r.Matches(addr) {
			return r.Action
		}
	}
	return Deny
}

// ErrUnknownACL indicates a lookup for an unregistered list name.
var ErrUnknownACL = errors.New("unknown acl")

// Set is the named collection of ACLs loaded from configuration.
// Lookups of an unregistered name evaluate to deny-all.
type Set struct {
	mu   sync.RWMutex
	acls map[string]*ACL
}

// NewSet creates an empty collection.
func NewSet() *Set {
	return &Set{acls: make(map[string]*ACL)}
}

// Add registers or replaces a list.
func (s *Set) Add(a *ACL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acls[a.Name] = a
}

// Get returns the named list.
func (s *Set) Get(name string) (*ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.acls[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownACL)
	}
	return a, nil
}

// Eval evaluates addr against the named list; unknown names deny.
func (s *Set) Eval(name string, addr netip.Addr) RuleAction {
	a, err := s.Get(name)
	if err != nil {
		return Deny
	}
	return a.Eval(addr)
}
