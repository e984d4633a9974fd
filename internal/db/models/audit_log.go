package models

import "time"

// AuditLog represents an audit log entry for tracking caller actions
type AuditLog struct {
	ID           string                 `json:"id"`
	Actor        *string                `json:"actor,omitempty"` // Account address; nil for anonymous requests
	Action       string                 `json:"action"`          // "POST /api/v1/agents", "ledger.JobFunded"
	ResourceType *string                `json:"resource_type,omitempty"`
	ResourceID   *string                `json:"resource_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"` // JSONB: additional context
	IPAddress    *string                `json:"ip_address,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
