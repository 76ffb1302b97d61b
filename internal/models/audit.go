package models

import "time"

// Compliance regimes an audit event can be tagged with.
const (
	ComplianceGDPR  = "GDPR"
	ComplianceCCPA  = "CCPA"
	ComplianceHIPAA = "HIPAA"
	CompliancePCI   = "PCI_DSS"
	ComplianceSOX   = "SOX"
)

// Audit event families.
const (
	AuditAuthentication = "authentication"
	AuditDataAccess     = "data_access"
	AuditSecurity       = "security"
)

type AuditEvent struct {
	ID             string         `json:"id" db:"id"`
	Category       string         `json:"category" db:"category"`
	EventType      string         `json:"event_type" db:"event_type"`
	UserID         string         `json:"user_id,omitempty" db:"user_id"`
	Email          string         `json:"email,omitempty" db:"email"`
	Description    string         `json:"description" db:"description"`
	IPAddress      string         `json:"ip_address,omitempty" db:"ip_address"`
	ResourceType   string         `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty" db:"resource_id"`
	Action         string         `json:"action,omitempty" db:"action"`
	OldValues      map[string]any `json:"old_values,omitempty" db:"old_values"`
	NewValues      map[string]any `json:"new_values,omitempty" db:"new_values"`
	Success        bool           `json:"success" db:"success"`
	Severity       ThreatLevel    `json:"severity" db:"severity"`
	Timestamp      time.Time      `json:"timestamp" db:"occurred_at"`
	ComplianceTags []string       `json:"compliance_tags" db:"compliance_tags"`
	AdditionalData map[string]any `json:"additional_data,omitempty" db:"additional_data"`
}

// StreamEntry is the lightweight copy pushed to real-time consumers.
type StreamEntry struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Success   bool      `json:"success"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *AuditEvent) Stream() StreamEntry {
	return StreamEntry{
		ID:        e.ID,
		EventType: e.EventType,
		UserID:    e.UserID,
		IPAddress: e.IPAddress,
		Success:   e.Success,
		Severity:  string(e.Severity),
		Timestamp: e.Timestamp,
	}
}

type AuditFilter struct {
	UserID    string
	EventType string
	IPAddress string
	Since     time.Time
	Until     time.Time
	Limit     int
}
