package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-core/internal/config"
	"security-core/internal/metrics"
	"security-core/internal/models"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/util"
)

// AlertStore persists alerts, implemented by postgres.Store.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *models.SecurityAlert) error
	GetAlert(ctx context.Context, id string) (*models.SecurityAlert, error)
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, assignedTo string, at time.Time) (*models.SecurityAlert, error)
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.SecurityAlert, error)
}

type AlertService struct {
	store    AlertStore
	cache    *redisrepo.AlertCache
	indexer  AlertIndexer
	channels map[string]NotificationChannel
	rules    []models.NotificationRule
	cfg      config.AlertingConfig
	metrics  *metrics.Registry
	logger   *zap.Logger
	now      func() time.Time
}

func NewAlertService(
	cfg *config.Config,
	store AlertStore,
	cache *redisrepo.AlertCache,
	indexer AlertIndexer,
	reg *metrics.Registry,
	logger *zap.Logger,
	channels ...NotificationChannel,
) *AlertService {
	ac := cfg.Alerting
	if ac.CorrelationWindow <= 0 {
		ac.CorrelationWindow = time.Hour
	}
	if ac.RecentAlertsLimit <= 0 {
		ac.RecentAlertsLimit = 500
	}
	if ac.ChannelTimeout <= 0 {
		ac.ChannelTimeout = 10 * time.Second
	}
	rules := ac.Rules
	if len(rules) == 0 {
		rules = config.DefaultNotificationRules()
	}

	byName := make(map[string]NotificationChannel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}

	return &AlertService{
		store:    store,
		cache:    cache,
		indexer:  indexer,
		channels: byName,
		rules:    rules,
		cfg:      ac,
		metrics:  reg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *AlertService) Rules() []models.NotificationRule {
	return s.rules
}

// ProcessThreatIndicator turns an indicator into an OPEN alert. The alert is
// always returned; a persistence failure is reported alongside it and the
// remaining steps still run.
func (s *AlertService) ProcessThreatIndicator(ctx context.Context, ind *models.ThreatIndicator) (*models.SecurityAlert, error) {
	if ind == nil {
		return nil, fmt.Errorf("%w: indicator required", models.ErrValidation)
	}

	now := s.now()
	alert := &models.SecurityAlert{
		ID:                 util.NewULID(),
		Title:              alertTitle(ind),
		Description:        ind.Description,
		Severity:           ind.Level,
		Category:           ind.Category,
		Rule:               ind.Rule,
		SourceIP:           ind.SourceIP,
		UserID:             ind.UserID,
		Status:             models.AlertOpen,
		RelatedAlerts:      []string{},
		Indicators:         append([]string{}, ind.Indicators...),
		RecommendedActions: append([]string{}, ind.RecommendedActions...),
		Confidence:         ind.Confidence,
		Timestamp:          now,
		UpdatedAt:          now,
	}

	s.CorrelateAlert(ctx, alert)

	var storeErr error
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		storeErr = fmt.Errorf("failed to persist alert: %w", err)
		s.logger.Error("failed to persist alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	if err := s.cache.PushRecent(ctx, alert, int64(s.cfg.RecentAlertsLimit)); err != nil {
		s.logger.Warn("failed to cache recent alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	s.index(ctx, alert)
	s.metrics.AlertsCreated.WithLabelValues(string(alert.Category), string(alert.Severity)).Inc()

	s.logger.Info("security alert created",
		zap.String("alert_id", alert.ID),
		zap.String("category", string(alert.Category)),
		zap.String("severity", string(alert.Severity)),
		zap.String("correlation_id", alert.CorrelationID))

	for _, rule := range s.rules {
		if !rule.Matches(alert) {
			continue
		}
		send, err := s.ShouldSendAlert(ctx, rule, alert)
		if err != nil {
			s.logger.Error("alert throttle check failed", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if !send {
			s.logger.Debug("alert notification throttled", zap.String("rule", rule.Name), zap.String("alert_id", alert.ID))
			continue
		}
		if err := s.SendAlertNotifications(ctx, rule, alert); err != nil {
			s.logger.Warn("some alert notifications failed", zap.String("rule", rule.Name), zap.Error(err))
			if errors.Is(err, ErrNothingDelivered) && rule.ThrottleMinutes > 0 {
				if err := s.cache.ReleaseThrottle(ctx, rule.Name, alert.ThrottleTarget()); err != nil {
					s.logger.Error("alert throttle not released", zap.String("rule", rule.Name), zap.Error(err))
				}
			}
		}
	}

	return alert, storeErr
}

func alertTitle(ind *models.ThreatIndicator) string {
	category := strings.ReplaceAll(string(ind.Category), "_", " ")
	if ind.SourceIP != "" {
		return fmt.Sprintf("%s detected from %s", category, ind.SourceIP)
	}
	if ind.UserID != "" {
		return fmt.Sprintf("%s detected for user %s", category, ind.UserID)
	}
	return category + " detected"
}

// CorrelateAlert links alert to recent alerts sharing its source IP or
// category. Lookup failures leave the alert uncorrelated.
func (s *AlertService) CorrelateAlert(ctx context.Context, alert *models.SecurityAlert) {
	recent, err := s.cache.Recent(ctx, int64(s.cfg.RecentAlertsLimit))
	if err != nil {
		s.logger.Warn("alert correlation skipped", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}

	cutoff := alert.Timestamp.Add(-s.cfg.CorrelationWindow)
	var (
		related       []string
		correlationID string
		oldest        *models.SecurityAlert
	)
	// recent is newest first
	for _, r := range recent {
		if r.ID == alert.ID || r.Timestamp.Before(cutoff) {
			continue
		}
		sameIP := alert.SourceIP != "" && r.SourceIP == alert.SourceIP
		if !sameIP && r.Category != alert.Category {
			continue
		}
		related = append(related, r.ID)
		if correlationID == "" && r.CorrelationID != "" {
			correlationID = r.CorrelationID
		}
		oldest = r
	}
	if len(related) == 0 {
		return
	}
	if correlationID == "" {
		correlationID = oldest.ID
	}
	alert.CorrelationID = correlationID
	alert.RelatedAlerts = related
}

// ShouldSendAlert claims the rule's notification slot for the alert's target
// and enforces the rule's hourly ceiling.
func (s *AlertService) ShouldSendAlert(ctx context.Context, rule models.NotificationRule, alert *models.SecurityAlert) (bool, error) {
	if rule.ThrottleMinutes > 0 {
		window := time.Duration(rule.ThrottleMinutes) * time.Minute
		ok, err := s.cache.AcquireThrottle(ctx, rule.Name, alert.ThrottleTarget(), window)
		if err != nil || !ok {
			return false, err
		}
	}
	if rule.MaxAlertsPerHour > 0 {
		count, err := s.cache.IncrHourly(ctx, rule.Name, s.now())
		if err != nil {
			return false, err
		}
		if count > int64(rule.MaxAlertsPerHour) {
			s.logger.Warn("alert rule hourly ceiling reached",
				zap.String("rule", rule.Name),
				zap.Int("max_per_hour", rule.MaxAlertsPerHour))
			return false, nil
		}
	}
	return true, nil
}

// ErrNothingDelivered is joined into the SendAlertNotifications error when
// every attempted channel failed.
var ErrNothingDelivered = errors.New("no channel delivered the notification")

// SendAlertNotifications dispatches to every channel of rule concurrently.
// One channel failing does not affect the others; all failures are joined.
func (s *AlertService) SendAlertNotifications(ctx context.Context, rule models.NotificationRule, alert *models.SecurityAlert) error {
	var (
		g         errgroup.Group
		mu        sync.Mutex
		errs      []error
		delivered int
	)
	for _, name := range rule.Channels {
		ch, ok := s.channels[name]
		if !ok {
			s.metrics.Notifications.WithLabelValues(name, "unconfigured").Inc()
			s.logger.Warn("notification channel not configured", zap.String("channel", name), zap.String("rule", rule.Name))
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ChannelTimeout)
			defer cancel()

			if err := ch.Send(cctx, rule.Name, alert); err != nil {
				s.metrics.Notifications.WithLabelValues(name, "failure").Inc()
				s.logger.Error("alert notification failed",
					zap.String("channel", name),
					zap.String("alert_id", alert.ID),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				return nil
			}
			s.metrics.Notifications.WithLabelValues(name, "success").Inc()
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if delivered == 0 && len(errs) > 0 {
		errs = append(errs, ErrNothingDelivered)
	}
	return errors.Join(errs...)
}

// UpdateAlertStatus moves an alert through its triage states.
func (s *AlertService) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, assignedTo string) (*models.SecurityAlert, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: alert id required", models.ErrValidation)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", models.ErrValidation, status)
	}

	alert, err := s.store.UpdateAlertStatus(ctx, id, status, assignedTo, s.now())
	if err != nil {
		return nil, err
	}
	s.index(ctx, alert)

	s.logger.Info("alert status updated",
		zap.String("alert_id", id),
		zap.String("status", string(status)),
		zap.String("assigned_to", alert.AssignedTo))
	return alert, nil
}

func (s *AlertService) GetAlert(ctx context.Context, id string) (*models.SecurityAlert, error) {
	return s.store.GetAlert(ctx, id)
}

func (s *AlertService) ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.SecurityAlert, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", models.ErrValidation, f.Status)
	}
	return s.store.ListAlerts(ctx, f)
}

// RecentAlerts reads the capped recent-alert list without touching the relational store.
func (s *AlertService) RecentAlerts(ctx context.Context, limit int) ([]*models.SecurityAlert, error) {
	return s.cache.Recent(ctx, int64(limit))
}

func (s *AlertService) index(ctx context.Context, alert *models.SecurityAlert) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexAlert(ctx, alert); err != nil {
		s.logger.Warn("failed to index alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
}
