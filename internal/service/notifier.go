package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/models"
)

// NotificationChannel delivers one alert to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, rule string, alert *models.SecurityAlert) error
}

// AlertIndexer makes alerts searchable outside the relational store.
type AlertIndexer interface {
	IndexAlert(ctx context.Context, alert *models.SecurityAlert) error
}

type alertPayload struct {
	Rule  string                `json:"rule"`
	Alert *models.SecurityAlert `json:"alert"`
}

// WebhookChannel POSTs the alert as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Name() string { return models.ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, rule string, alert *models.SecurityAlert) error {
	return postJSON(ctx, c.client, c.url, alertPayload{Rule: rule, Alert: alert})
}

// SlackChannel posts to an incoming-webhook URL using Slack's attachment format.
type SlackChannel struct {
	url    string
	client *http.Client
}

func NewSlackChannel(url string, timeout time.Duration) *SlackChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *SlackChannel) Name() string { return models.ChannelSlack }

var slackColors = map[models.ThreatLevel]string{
	models.ThreatLow:      "#439FE0",
	models.ThreatMedium:   "warning",
	models.ThreatHigh:     "danger",
	models.ThreatCritical: "#8B0000",
}

func (c *SlackChannel) Send(ctx context.Context, rule string, alert *models.SecurityAlert) error {
	fields := []map[string]any{
		{"title": "Severity", "value": strings.ToUpper(string(alert.Severity)), "short": true},
		{"title": "Category", "value": string(alert.Category), "short": true},
	}
	if alert.SourceIP != "" {
		fields = append(fields, map[string]any{"title": "Source IP", "value": alert.SourceIP, "short": true})
	}
	if alert.UserID != "" {
		fields = append(fields, map[string]any{"title": "User", "value": alert.UserID, "short": true})
	}
	if alert.CorrelationID != "" {
		fields = append(fields, map[string]any{"title": "Correlation", "value": alert.CorrelationID, "short": false})
	}

	body := map[string]any{
		"text": fmt.Sprintf(":rotating_light: %s", alert.Title),
		"attachments": []map[string]any{{
			"color":  slackColors[alert.Severity],
			"text":   alert.Description,
			"fields": fields,
			"footer": "rule " + rule,
			"ts":     alert.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, c.client, c.url, body)
}

func postJSON(ctx context.Context, hc *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return models.Unavailable("notification post", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends a plain-text and HTML alert through SMTP.
type EmailChannel struct {
	from   string
	to     []string
	dialer *gomail.Dialer
}

func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	return &EmailChannel{
		from:   cfg.From,
		to:     cfg.To,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (c *EmailChannel) Name() string { return models.ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, rule string, alert *models.SecurityAlert) error {
	if len(c.to) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", c.to...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title))
	m.SetBody("text/plain", alertText(rule, alert))
	m.AddAlternative("text/html", alertHTML(rule, alert))

	// gomail has no context support; run the dial in the background and
	// stop waiting when ctx ends.
	errCh := make(chan error, 1)
	go func() { errCh <- c.dialer.DialAndSend(m) }()
	select {
	case err := <-errCh:
		if err != nil {
			return models.Unavailable("smtp send", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func alertText(rule string, a *models.SecurityAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n", a.Title, a.Description)
	fmt.Fprintf(&b, "Rule: %s\nSeverity: %s\nCategory: %s\n", rule, a.Severity, a.Category)
	if a.SourceIP != "" {
		fmt.Fprintf(&b, "Source IP: %s\n", a.SourceIP)
	}
	if a.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", a.UserID)
	}
	if len(a.RecommendedActions) > 0 {
		fmt.Fprintf(&b, "\nRecommended actions:\n- %s\n", strings.Join(a.RecommendedActions, "\n- "))
	}
	fmt.Fprintf(&b, "\nAlert ID: %s\n", a.ID)
	return b.String()
}

func alertHTML(rule string, a *models.SecurityAlert) string {
	return fmt.Sprintf(`
		<html>
		<body>
			<h2>%s</h2>
			<p>%s</p>
			<p><b>Rule:</b> %s<br><b>Severity:</b> %s<br><b>Category:</b> %s</p>
			<p>Alert ID: %s</p>
		</body>
		</html>
	`, htmlEscape(a.Title), htmlEscape(a.Description), htmlEscape(rule), a.Severity, a.Category, a.ID)
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")

func htmlEscape(s string) string { return htmlReplacer.Replace(s) }

// KafkaAlertChannel publishes alerts for downstream SIEM consumers.
type KafkaAlertChannel struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaAlertChannel(producer *client.KafkaProducer, topic string) *KafkaAlertChannel {
	return &KafkaAlertChannel{producer: producer, topic: topic}
}

func (c *KafkaAlertChannel) Name() string { return models.ChannelKafka }

func (c *KafkaAlertChannel) Send(ctx context.Context, rule string, alert *models.SecurityAlert) error {
	return c.producer.PublishJSON(ctx, c.topic, alert.ThrottleTarget(), alertPayload{Rule: rule, Alert: alert}, map[string]string{
		"rule":     rule,
		"severity": string(alert.Severity),
		"category": string(alert.Category),
	})
}

// RateLimitedChannel bounds outbound dispatch so an alert storm cannot
// flood a destination.
type RateLimitedChannel struct {
	NotificationChannel
	limiter *rate.Limiter
}

func NewRateLimitedChannel(ch NotificationChannel, perSecond float64, burst int) *RateLimitedChannel {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedChannel{
		NotificationChannel: ch,
		limiter:             rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (c *RateLimitedChannel) Send(ctx context.Context, rule string, alert *models.SecurityAlert) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s channel rate limited: %w", c.Name(), err)
	}
	return c.NotificationChannel.Send(ctx, rule, alert)
}

// ESAlertIndexer writes alerts into an Elasticsearch index.
type ESAlertIndexer struct {
	es    *client.ESClient
	index string
}

func NewESAlertIndexer(es *client.ESClient, index string) *ESAlertIndexer {
	if index == "" {
		index = "security-alerts"
	}
	return &ESAlertIndexer{es: es, index: index}
}

// alertMapping keeps identifiers exact-match and the prose fields analyzed.
var alertMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":             map[string]string{"type": "keyword"},
			"title":          map[string]string{"type": "text"},
			"description":    map[string]string{"type": "text"},
			"severity":       map[string]string{"type": "keyword"},
			"category":       map[string]string{"type": "keyword"},
			"rule":           map[string]string{"type": "keyword"},
			"source_ip":      map[string]string{"type": "keyword"},
			"user_id":        map[string]string{"type": "keyword"},
			"status":         map[string]string{"type": "keyword"},
			"correlation_id": map[string]string{"type": "keyword"},
			"indicators":     map[string]string{"type": "text"},
			"confidence":     map[string]string{"type": "float"},
			"timestamp":      map[string]string{"type": "date"},
			"updated_at":     map[string]string{"type": "date"},
		},
	},
}

// EnsureIndex creates the alert index with its mapping on first start.
func (x *ESAlertIndexer) EnsureIndex(ctx context.Context) error {
	return x.es.EnsureIndex(ctx, x.index, alertMapping)
}

func (x *ESAlertIndexer) IndexAlert(ctx context.Context, alert *models.SecurityAlert) error {
	return x.es.IndexDocument(ctx, x.index, alert.ID, alert)
}

// SearchAlerts runs a match query over the indexed alerts.
func (x *ESAlertIndexer) SearchAlerts(ctx context.Context, text string, size int) ([]models.SecurityAlert, error) {
	if size <= 0 || size > 100 {
		size = 20
	}
	query := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{{"timestamp": map[string]string{"order": "desc"}}},
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":   text,
				"fields":  []string{"title", "description", "source_ip", "user_id", "indicators"},
				"lenient": true,
			},
		},
	}
	return client.SearchHits[models.SecurityAlert](ctx, x.es, x.index, query)
}
