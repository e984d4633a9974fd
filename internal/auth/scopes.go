// Package auth - scopes.go defines the permission scopes an API key can carry
// and provides HasScope, HasAnyScope, and HasAllScopes helper functions for scope checking.
// Session tokens obtained through wallet login carry the market write scopes
// but never api_keys:manage or admin; those are granted by the operator.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// ScopeRegistryWrite covers organizations, service and type repository
	// registrations, and records.
	ScopeRegistryWrite Scope = "registry:write"

	// ScopeAgentsWrite covers agent creation, updates and job completion.
	ScopeAgentsWrite Scope = "agents:write"

	// ScopeJobsWrite covers opening and funding jobs.
	ScopeJobsWrite Scope = "jobs:write"

	// ScopeTokenWrite covers approvals, transfers and minting.
	ScopeTokenWrite Scope = "token:write"

	// API key management scope
	ScopeAPIKeysManage Scope = "api_keys:manage"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeRegistryWrite,
		ScopeAgentsWrite,
		ScopeJobsWrite,
		ScopeTokenWrite,
		ScopeAPIKeysManage,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if a caller has a required scope
// Supports wildcard admin scope
func HasScope(callerScopes []string, required Scope) bool {
	for _, scope := range callerScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a caller has at least one of the required scopes
func HasAnyScope(callerScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(callerScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a caller has all of the required scopes
func HasAllScopes(callerScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(callerScopes, required) {
			return false
		}
	}
	return true
}

// GetDefaultScopes returns default scopes for a new API key
func GetDefaultScopes() []string {
	return []string{
		string(ScopeRegistryWrite),
		string(ScopeAgentsWrite),
		string(ScopeJobsWrite),
	}
}

// GetSessionScopes returns the scopes granted to a wallet login session.
// Login is open to any key pair, so nothing here reaches other accounts.
func GetSessionScopes() []string {
	return []string{
		string(ScopeRegistryWrite),
		string(ScopeAgentsWrite),
		string(ScopeJobsWrite),
		string(ScopeTokenWrite),
	}
}

// ValidateScopeString validates a single scope string
func ValidateScopeString(scope string) error {
	if !ValidScopes()[scope] {
		return errors.New("invalid scope")
	}
	return nil
}
