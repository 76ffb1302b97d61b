package models

// Notification channel kinds.
const (
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
	ChannelKafka   = "kafka"
)

type NotificationRule struct {
	Name             string           `json:"name"`
	Categories       []ThreatCategory `json:"categories"`
	MinSeverity      ThreatLevel      `json:"min_severity"`
	Channels         []string         `json:"channels"`
	ThrottleMinutes  int              `json:"throttle_minutes"`
	MaxAlertsPerHour int              `json:"max_alerts_per_hour"`
}

// Matches reports whether the alert falls under this rule. An empty category list matches all.
func (r NotificationRule) Matches(a *SecurityAlert) bool {
	if a.Severity.Rank() < r.MinSeverity.Rank() {
		return false
	}
	if len(r.Categories) == 0 {
		return true
	}
	for _, c := range r.Categories {
		if c == a.Category {
			return true
		}
	}
	return false
}
