package naming

import "testing"

func TestDeriveRuleIDDeterministic(t *testing.T) {
	p := New("")
	a := p.DeriveRuleID("NET-42")
	b := New(DefaultPrefix).DeriveRuleID("NET-42")
	if a != b {
		t.Fatalf("expected stable rule id, got %q and %q", a, b)
	}
	if a != "jit_rw_override-NET-42" {
		t.Fatalf("unexpected rule id %q", a)
	}
	if p.DeriveRuleID("NET-43") == a {
		t.Fatal("distinct keys must not share a rule id")
	}
}

func TestManagedAndInverse(t *testing.T) {
	p := New("jit*[x]-")
	id := p.DeriveRuleID("OPS-7")
	if !p.Managed(id) {
		t.Fatalf("expected %q to be managed", id)
	}
	if p.Managed("jitzz[x]-OPS-7") {
		t.Fatal("prefix metacharacters must be matched literally")
	}
	if p.Managed("Default") {
		t.Fatal("unrelated rule reported as managed")
	}
	key, ok := p.WorkItemKey(id)
	if !ok || key != "OPS-7" {
		t.Fatalf("expected OPS-7, got %q ok=%v", key, ok)
	}
	if _, ok := p.WorkItemKey("Default"); ok {
		t.Fatal("expected unmanaged name to have no key")
	}
}

func TestPatternsMarkLegacyRules(t *testing.T) {
	p, err := NewWithPatterns("", []string{LegacyPattern, "ops-{rw,ro}-*"})
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	tests := []struct {
		name    string
		managed bool
		key     string
	}{
		{name: "jit_rw_override-NET-1", managed: true, key: "NET-1"},
		{name: "Ada_rw_override-10.0.0.1", managed: true},
		{name: "ops-ro-core", managed: true},
		{name: "ops-admin-core", managed: false},
		{name: "rw_override-10.0.0.1", managed: false},
		{name: "Default", managed: false},
	}
	for _, tt := range tests {
		if got := p.Managed(tt.name); got != tt.managed {
			t.Errorf("Managed(%q) = %v, want %v", tt.name, got, tt.managed)
		}
		key, ok := p.WorkItemKey(tt.name)
		if key != tt.key || ok != (tt.key != "") {
			t.Errorf("WorkItemKey(%q) = %q, %v", tt.name, key, ok)
		}
	}

	if _, err := NewWithPatterns("", []string{"ops-[rw"}); err == nil {
		t.Fatal("expected a compile error for an unterminated class")
	}
	if _, err := NewWithPatterns("", []string{" "}); err == nil {
		t.Fatal("expected an error for an empty pattern")
	}
}

func TestNilPolicyUsesDefault(t *testing.T) {
	var p *Policy
	if got := p.DeriveRuleID("A-1"); got != DefaultPrefix+"A-1" {
		t.Fatalf("unexpected id %q", got)
	}
}
