package scope_test

import (
	"context"
	"testing"

	"github.com/emergent-company/pace/scope"
)

func TestCapture_RoundTrip(t *testing.T) {
	ctx := scope.With(context.Background(), scope.Scope{OrgID: "acme", ScopeID: "tenant-7"})

	orgID, scopeID := scope.Capture(ctx)
	if orgID != "acme" || scopeID != "tenant-7" {
		t.Errorf("captured = %q/%q, want acme/tenant-7", orgID, scopeID)
	}
}

func TestCapture_EmptyContext(t *testing.T) {
	orgID, scopeID := scope.Capture(context.Background())
	if orgID != "" || scopeID != "" {
		t.Errorf("captured = %q/%q, want empty", orgID, scopeID)
	}
}

func TestRestore(t *testing.T) {
	tests := []struct {
		name    string
		orgID   string
		scopeID string
		want    bool
	}{
		{"both set", "acme", "tenant-7", true},
		{"org only", "acme", "", true},
		{"scope only", "", "tenant-7", true},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := scope.Restore(context.Background(), tt.orgID, tt.scopeID)
			s, ok := scope.From(ctx)
			if ok != tt.want {
				t.Fatalf("From ok = %v, want %v", ok, tt.want)
			}
			if ok && (s.OrgID != tt.orgID || s.ScopeID != tt.scopeID) {
				t.Errorf("scope = %+v, want %q/%q", s, tt.orgID, tt.scopeID)
			}
		})
	}
}
