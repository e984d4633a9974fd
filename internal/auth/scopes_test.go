package auth

import "testing"

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"all valid", []string{"registry:write", "jobs:write"}, false},
		{"admin", []string{"admin"}, false},
		{"empty list", []string{}, false},
		{"unknown scope", []string{"registry:write", "modules:read"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required Scope
		want     bool
	}{
		{"exact match", []string{"jobs:write"}, ScopeJobsWrite, true},
		{"admin grants token:write", []string{"admin"}, ScopeTokenWrite, true},
		{"admin grants api_keys:manage", []string{"admin"}, ScopeAPIKeysManage, true},
		{"wrong scope", []string{"jobs:write"}, ScopeAgentsWrite, false},
		{"no scopes", []string{}, ScopeRegistryWrite, false},
		{"one of many matches", []string{"token:write", "registry:write"}, ScopeRegistryWrite, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.scopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.scopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestHasAnyAndAllScopes(t *testing.T) {
	have := []string{"registry:write", "jobs:write"}

	if !HasAnyScope(have, []Scope{ScopeTokenWrite, ScopeJobsWrite}) {
		t.Error("HasAnyScope() = false, want true")
	}
	if HasAnyScope(have, []Scope{ScopeTokenWrite, ScopeAdmin}) {
		t.Error("HasAnyScope() = true, want false")
	}
	if !HasAllScopes(have, []Scope{ScopeRegistryWrite, ScopeJobsWrite}) {
		t.Error("HasAllScopes() = false, want true")
	}
	if HasAllScopes(have, []Scope{ScopeRegistryWrite, ScopeAgentsWrite}) {
		t.Error("HasAllScopes() = true, want false")
	}
}

func TestValidateScopeString(t *testing.T) {
	if err := ValidateScopeString("agents:write"); err != nil {
		t.Errorf("ValidateScopeString(agents:write) error = %v", err)
	}
	if err := ValidateScopeString("agents:read"); err == nil {
		t.Error("ValidateScopeString(agents:read) expected error")
	}
}

func TestDefaultScopesExcludePrivileged(t *testing.T) {
	defaults := GetDefaultScopes()
	if err := ValidateScopes(defaults); err != nil {
		t.Fatalf("default scopes invalid: %v", err)
	}
	for _, s := range defaults {
		if s == string(ScopeAdmin) || s == string(ScopeTokenWrite) || s == string(ScopeAPIKeysManage) {
			t.Errorf("default scopes contain privileged scope %q", s)
		}
	}
}

func TestSessionScopes(t *testing.T) {
	session := GetSessionScopes()
	for _, s := range []Scope{ScopeRegistryWrite, ScopeAgentsWrite, ScopeJobsWrite, ScopeTokenWrite} {
		if !HasScope(session, s) {
			t.Errorf("session scopes do not grant %q", s)
		}
	}
	for _, s := range []Scope{ScopeAPIKeysManage, ScopeAdmin} {
		if HasScope(session, s) {
			t.Errorf("session scopes grant privileged %q", s)
		}
	}
}

func TestAllScopesUnique(t *testing.T) {
	seen := make(map[Scope]bool)
	for _, s := range AllScopes() {
		if seen[s] {
			t.Errorf("duplicate scope %q", s)
		}
		seen[s] = true
	}
}
