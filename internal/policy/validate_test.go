package policy

import (
	"testing"
	"time"
)

func TestValidateCEL(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{expr: "", wantErr: false},
		{expr: "size(addresses) <= 3", wantErr: false},
		{expr: `work_item.startsWith("NET-") && !immediate`, wantErr: false},
		{expr: "size(addresses)", wantErr: true},
		{expr: "unknown_var == 1", wantErr: true},
		{expr: "(((", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateCEL(tt.expr)
		if tt.wantErr && err == nil {
			t.Fatalf("expected error for %q", tt.expr)
		}
		if !tt.wantErr && err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.expr, err)
		}
	}
}

func TestAdmissionAllow(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	end := start.Add(4 * time.Hour)
	longEnd := start.Add(12 * time.Hour)

	a, err := NewAdmission("size(addresses) <= 2 && (!expires || duration_seconds <= 28800)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.Expr() == "" {
		t.Fatal("expected expression to be retained")
	}

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{name: "open_ended", in: Input{Addresses: []string{"10.0.0.1"}, Now: now}, want: true},
		{name: "short_window", in: Input{Addresses: []string{"10.0.0.1"}, Start: &start, End: &end, Now: now}, want: true},
		{name: "long_window", in: Input{Addresses: []string{"10.0.0.1"}, Start: &start, End: &longEnd, Now: now}, want: false},
		{name: "too_many_devices", in: Input{Addresses: []string{"a", "b", "c"}, Now: now}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Allow(tt.in)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Allow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmptyAdmissionAllowsEverything(t *testing.T) {
	a, err := NewAdmission("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err := a.Allow(Input{})
	if err != nil || !ok {
		t.Fatalf("expected allow, ok=%v err=%v", ok, err)
	}
	var nilAdmission *Admission
	if ok, _ := nilAdmission.Allow(Input{}); !ok {
		t.Fatal("nil admission must allow")
	}
}
