package models

import "time"

type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertAcknowledged, AlertResolved:
		return true
	}
	return false
}

type SecurityAlert struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Severity           ThreatLevel    `json:"severity"`
	Category           ThreatCategory `json:"category"`
	Rule               string         `json:"rule"`
	SourceIP           string         `json:"source_ip,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	Status             AlertStatus    `json:"status"`
	AssignedTo         string         `json:"assigned_to,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	RelatedAlerts      []string       `json:"related_alerts"`
	Indicators         []string       `json:"indicators"`
	RecommendedActions []string       `json:"recommended_actions"`
	Confidence         float64        `json:"confidence"`
	Timestamp          time.Time      `json:"timestamp"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ThrottleTarget is the key notifications are deduplicated on.
func (a *SecurityAlert) ThrottleTarget() string {
	switch {
	case a.SourceIP != "":
		return a.SourceIP
	case a.UserID != "":
		return a.UserID
	}
	return string(a.Category)
}

type AlertFilter struct {
	Status   AlertStatus
	Category ThreatCategory
	SourceIP string
	Limit    int
}
