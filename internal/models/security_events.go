package models

import "time"

// Event types fed to threat analysis.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailed    = "login_failed"
	EventLogout         = "logout"
	EventPasswordChange = "password_change"
	EventMFAFailed      = "mfa_failed"
	EventAPIRequest     = "api_request"
)

type SecurityEvent struct {
	ID                string         `json:"id"`
	EventType         string         `json:"event_type"`
	UserID            string         `json:"user_id,omitempty"`
	Email             string         `json:"email,omitempty"`
	IPAddress         string         `json:"ip_address"`
	UserAgent         string         `json:"user_agent,omitempty"`
	Location          string         `json:"location,omitempty"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	Success           bool           `json:"success"`
	SessionDuration   time.Duration  `json:"session_duration,omitempty"`
	Payload           string         `json:"payload,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type ThreatCategory string

const (
	ThreatBruteForce        ThreatCategory = "brute_force"
	ThreatAccountTakeover   ThreatCategory = "account_takeover"
	ThreatMalware           ThreatCategory = "malware"
	ThreatAnomalousBehavior ThreatCategory = "anomalous_behavior"
	ThreatSuspiciousRequest ThreatCategory = "suspicious_request"
)

type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders levels so rules can compare severities.
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatLow:
		return 1
	case ThreatMedium:
		return 2
	case ThreatHigh:
		return 3
	case ThreatCritical:
		return 4
	}
	return 0
}

func ParseThreatLevel(s string) (ThreatLevel, bool) {
	l := ThreatLevel(s)
	return l, l.Rank() > 0
}

// Automated response tags carried on an indicator.
const (
	ResponseBlockIP     = "block_ip"
	ResponseLockAccount = "lock_account"
)

type ThreatIndicator struct {
	Category           ThreatCategory `json:"category"`
	Level              ThreatLevel    `json:"level"`
	Confidence         float64        `json:"confidence"`
	SourceIP           string         `json:"source_ip"`
	UserID             string         `json:"user_id,omitempty"`
	Description        string         `json:"description"`
	Indicators         []string       `json:"indicators"`
	RecommendedActions []string       `json:"recommended_actions"`
	AutomatedResponse  string         `json:"automated_response,omitempty"`
	Rule               string         `json:"rule"`
	DetectedAt         time.Time      `json:"detected_at"`
}
