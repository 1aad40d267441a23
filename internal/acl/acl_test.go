package acl

import (
	"net/netip"
	"testing"
)

func TestEvalFirstMatchWins(t *testing.T) {
	t.Parallel()

	a := &ACL{
		Name: "clients",
		Rules: []Rule{
			{Action: Deny, Prefix: netip.MustParsePrefix("192.0.2.128/25")},
			{Action: Permit, Prefix: netip.MustParsePrefix("192.0.2.0/24")},
			{Action: PermitRibOnly, Prefix: netip.MustParsePrefix("198.51.100.0/24")},
		},
	}

	tests := []struct {
		addr string
		want RuleAction
	}{
		{"192.0.2.129", Deny},   // first rule shadows the permit
		{"192.0.2.5", Permit},   // second rule
		{"198.51.100.7", PermitRibOnly},
		{"203.0.113.1", Deny},   // no match: default deny
	}
	for _, tt := range tests {
		if got := a.Eval(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("Eval(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestAnyRule(t *testing.T) {
	t.Parallel()

	a := &ACL{Name: "open", Rules: []Rule{{Action: Permit, Any: true}}}
	if got := a.Eval(netip.MustParseAddr("203.0.113.200")); got != Permit {
		t.Errorf("Eval with any rule = %v, want Permit", got)
	}
}

func TestEmptyACLDenies(t *testing.T) {
	t.Parallel()

	a := &ACL{Name: "empty"}
	if got := a.Eval(netip.MustParseAddr("192.0.2.1")); got != Deny {
		t.Errorf("Eval on empty acl = %v, want Deny", got)
	}
}

func TestMappedV4Matches(t *testing.T) {
	t.Parallel()

	a := &ACL{Name: "v4", Rules: []Rule{
		{Action: Permit, Prefix: netip.MustParsePrefix("192.0.2.0/24")},
	}}
	mapped := netip.AddrFrom16(netip.MustParseAddr("192.0.2.9").As16())
	if got := a.Eval(mapped); got != Permit {
		t.Errorf("Eval(v4-mapped) = %v, want Permit", got)
	}
}

func TestSetUnknownDenies(t *testing.T) {
	t.Parallel()

	s := NewSet()
	if got := s.Eval("nope", netip.MustParseAddr("192.0.2.1")); got != Deny {
		t.Errorf("Eval unknown acl = %v, want Deny", got)
	}

	s.Add(&ACL{Name: "open", Rules: []Rule{{Action: Permit, Any: true}}})
	if got := s.Eval("open", netip.MustParseAddr("192.0.2.1")); got != Permit {
		t.Errorf("Eval known acl = %v, want Permit", got)
	}
}

func TestParseRuleAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    RuleAction
		wantErr bool
	}{
		{"permit", Permit, false},
		{"deny", Deny, false},
		{"label", PermitLabel, false},
		{"ribonly", PermitRibOnly, false},
		{"rib_only", PermitRibOnly, false},
		{"allow", Deny, true},
	}
	for _, tt := range tests {
		got, err := ParseRuleAction(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseRuleAction(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseRuleAction(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
