package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/metrics"
	"security-core/internal/models"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/util"
)

// Rule names carried on indicators and used by alert throttling.
const (
	RuleKnownBadIP        = "known_bad_ip"
	RuleBruteForce        = "brute_force"
	RulePasswordSpray     = "password_spray"
	RuleAccountTakeover   = "account_takeover"
	RuleSuspiciousRequest = "suspicious_request"
	RuleAnomaly           = "anomalous_behavior"
)

// ThreatService evaluates security events against the detection rules and
// executes the automated response an indicator recommends.
type ThreatService struct {
	cache   *redisrepo.ThreatCache
	creds   *CredentialService
	audit   *AuditService
	cfg     config.ThreatConfig
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	scorerMu sync.RWMutex
	scorer   AnomalyScorer
}

func NewThreatService(
	cfg *config.Config,
	cache *redisrepo.ThreatCache,
	creds *CredentialService,
	audit *AuditService,
	scorer AnomalyScorer,
	reg *metrics.Registry,
	logger *zap.Logger,
) *ThreatService {
	tc := cfg.Threat
	if tc.BruteForceThreshold <= 0 {
		tc.BruteForceThreshold = 5
	}
	if tc.BruteForceWindow <= 0 {
		tc.BruteForceWindow = 15 * time.Minute
	}
	if tc.SprayThreshold <= 0 {
		tc.SprayThreshold = 10
	}
	if tc.SprayWindow <= 0 {
		tc.SprayWindow = time.Hour
	}
	if tc.TakeoverThreshold <= 0 {
		tc.TakeoverThreshold = 0.5
	}
	if tc.TakeoverLockConfidence <= 0 {
		tc.TakeoverLockConfidence = 0.8
	}
	if tc.LastLoginTTL <= 0 {
		tc.LastLoginTTL = 90 * 24 * time.Hour
	}
	if tc.AnomalyThreshold <= 0 {
		tc.AnomalyThreshold = 3
	}
	return &ThreatService{
		cache:   cache,
		creds:   creds,
		audit:   audit,
		scorer:  scorer,
		cfg:     tc,
		metrics: reg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetScorer swaps the anomaly model. nil disables the anomaly rule.
func (s *ThreatService) SetScorer(scorer AnomalyScorer) {
	s.scorerMu.Lock()
	s.scorer = scorer
	s.scorerMu.Unlock()
}

func (s *ThreatService) Scorer() AnomalyScorer {
	s.scorerMu.RLock()
	defer s.scorerMu.RUnlock()
	return s.scorer
}

// SeedBadIPs loads the configured threat-intel list into the shared set.
func (s *ThreatService) SeedBadIPs(ctx context.Context) error {
	if len(s.cfg.BadIPs) == 0 {
		return nil
	}
	if err := s.cache.AddBadIPs(ctx, s.cfg.BadIPs...); err != nil {
		return err
	}
	s.logger.Info("bad ip list seeded", zap.Int("count", len(s.cfg.BadIPs)))
	return nil
}

func (s *ThreatService) AddBadIPs(ctx context.Context, ips ...string) error {
	return s.cache.AddBadIPs(ctx, ips...)
}

type threatRule func(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error)

// AnalyzeEvent runs every rule and returns the highest-confidence indicator,
// the earlier rule winning ties. Rules that fail on the store are reported in
// the returned error while the others still run, so both results may be set.
func (s *ThreatService) AnalyzeEvent(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: event required", models.ErrValidation)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	rules := []threatRule{
		s.checkKnownBadIP,
		s.checkBruteForce,
		s.checkPasswordSpray,
		s.checkAccountTakeover,
		s.checkSuspiciousRequest,
		s.checkAnomaly,
	}

	var (
		best *models.ThreatIndicator
		errs []error
	)
	for _, rule := range rules {
		ind, err := rule(ctx, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ind != nil && (best == nil || ind.Confidence > best.Confidence) {
			best = ind
		}
	}

	if best != nil {
		best.DetectedAt = s.now()
		s.metrics.ThreatsDetected.WithLabelValues(string(best.Category), string(best.Level)).Inc()
	}
	return best, errors.Join(errs...)
}

// ProcessEvent analyzes e and executes the recommended response. Response
// failures are logged and audited, never returned.
func (s *ThreatService) ProcessEvent(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	ind, err := s.AnalyzeEvent(ctx, e)
	if err != nil {
		s.logger.Error("threat analysis incomplete",
			zap.String("event_type", e.EventType),
			zap.String("ip", e.IPAddress),
			zap.Error(err))
	}
	if ind == nil {
		return nil, err
	}

	s.logger.Warn("threat detected",
		zap.String("rule", ind.Rule),
		zap.String("category", string(ind.Category)),
		zap.String("level", string(ind.Level)),
		zap.Float64("confidence", ind.Confidence),
		zap.String("ip", ind.SourceIP),
		zap.String("user_id", ind.UserID))

	if respErr := s.ExecuteAutomatedResponse(ctx, ind); respErr != nil {
		s.logger.Error("automated response failed",
			zap.String("action", ind.AutomatedResponse),
			zap.String("ip", ind.SourceIP),
			zap.String("user_id", ind.UserID),
			zap.Error(respErr))
	}
	return ind, err
}

// ExecuteAutomatedResponse performs the indicator's response and records the outcome in the audit trail.
func (s *ThreatService) ExecuteAutomatedResponse(ctx context.Context, ind *models.ThreatIndicator) error {
	var err error
	switch ind.AutomatedResponse {
	case "":
		return nil
	case models.ResponseBlockIP:
		err = s.creds.BlockIP(ctx, ind.SourceIP, s.cfg.IPBlockDuration, ind.Rule)
	case models.ResponseLockAccount:
		err = s.creds.LockAccount(ctx, ind.UserID, s.cfg.AccountLockDuration, ind.Rule)
	default:
		err = fmt.Errorf("unknown automated response %q", ind.AutomatedResponse)
	}

	outcome := "success"
	data := map[string]any{
		"action":     ind.AutomatedResponse,
		"rule":       ind.Rule,
		"user_id":    ind.UserID,
		"confidence": ind.Confidence,
	}
	if err != nil {
		outcome = "failure"
		data["error"] = err.Error()
	}
	data["outcome"] = outcome
	s.metrics.AutomatedResponses.WithLabelValues(ind.AutomatedResponse, outcome).Inc()

	desc := fmt.Sprintf("automated response %s for %s (%s)", ind.AutomatedResponse, ind.Rule, outcome)
	if _, auditErr := s.audit.LogSecurityEvent(ctx, "automated_response", desc, ind.SourceIP, ind.Level, data); auditErr != nil {
		s.logger.Error("failed to audit automated response", zap.Error(auditErr))
	}
	return err
}

func (s *ThreatService) checkKnownBadIP(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	if e.IPAddress == "" {
		return nil, nil
	}
	bad, err := s.cache.IsBadIP(ctx, e.IPAddress)
	if err != nil || !bad {
		return nil, err
	}
	return &models.ThreatIndicator{
		Category:           models.ThreatMalware,
		Level:              models.ThreatHigh,
		Confidence:         0.9,
		SourceIP:           e.IPAddress,
		UserID:             e.UserID,
		Description:        "request from known malicious ip",
		Indicators:         []string{"threat_intel_match:" + e.IPAddress},
		RecommendedActions: []string{"block ip", "review recent activity from ip"},
		AutomatedResponse:  models.ResponseBlockIP,
		Rule:               RuleKnownBadIP,
	}, nil
}

// checkBruteForce counts before it evaluates, so the breaching attempt is included.
func (s *ThreatService) checkBruteForce(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	if e.EventType != models.EventLoginFailed || e.IPAddress == "" {
		return nil, nil
	}
	count, err := s.cache.IncrFailedLogin(ctx, e.IPAddress, s.cfg.BruteForceWindow)
	if err != nil {
		return nil, err
	}
	threshold := int64(s.cfg.BruteForceThreshold)
	if count < threshold {
		return nil, nil
	}
	return &models.ThreatIndicator{
		Category:           models.ThreatBruteForce,
		Level:              models.ThreatHigh,
		Confidence:         math.Min(0.99, 0.8+0.02*float64(count-threshold)),
		SourceIP:           e.IPAddress,
		UserID:             e.UserID,
		Description:        fmt.Sprintf("%d failed logins from %s within %s", count, e.IPAddress, s.cfg.BruteForceWindow),
		Indicators:         []string{fmt.Sprintf("failed_attempts:%d", count)},
		RecommendedActions: []string{"block ip", "require captcha"},
		AutomatedResponse:  models.ResponseBlockIP,
		Rule:               RuleBruteForce,
	}, nil
}

func (s *ThreatService) checkPasswordSpray(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	if e.EventType != models.EventLoginFailed || e.IPAddress == "" {
		return nil, nil
	}
	username := e.Email
	if username == "" {
		username = e.UserID
	}
	if username == "" {
		return nil, nil
	}
	distinct, err := s.cache.AddLoginUsername(ctx, e.IPAddress, username, s.cfg.SprayWindow)
	if err != nil {
		return nil, err
	}
	if distinct <= int64(s.cfg.SprayThreshold) {
		return nil, nil
	}
	return &models.ThreatIndicator{
		Category:           models.ThreatBruteForce,
		Level:              models.ThreatHigh,
		Confidence:         0.85,
		SourceIP:           e.IPAddress,
		Description:        fmt.Sprintf("%d distinct usernames tried from %s", distinct, e.IPAddress),
		Indicators:         []string{fmt.Sprintf("distinct_usernames:%d", distinct)},
		RecommendedActions: []string{"block ip", "notify affected users"},
		AutomatedResponse:  models.ResponseBlockIP,
		Rule:               RulePasswordSpray,
	}, nil
}

// checkAccountTakeover compares a successful login with the last known one
// and then records this login as the new baseline.
func (s *ThreatService) checkAccountTakeover(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	if e.EventType != models.EventLoginSuccess || e.UserID == "" {
		return nil, nil
	}

	last, err := s.cache.LastLogin(ctx, e.UserID)
	if err != nil {
		return nil, err
	}

	var (
		confidence float64
		indicators []string
	)
	if last != nil {
		if e.Location != "" && last.Location != "" && e.Location != last.Location {
			confidence += 0.4
			indicators = append(indicators, fmt.Sprintf("location_change:%s->%s", last.Location, e.Location))
		}
		if e.DeviceFingerprint != "" && last.DeviceFingerprint != "" && e.DeviceFingerprint != last.DeviceFingerprint {
			confidence += 0.3
			indicators = append(indicators, "new_device")
		}
		if e.IPAddress != "" && last.IPAddress != "" && e.IPAddress != last.IPAddress {
			confidence += 0.1
			indicators = append(indicators, "new_ip:"+e.IPAddress)
		}
		if confidence > 0 {
			changed, err := s.cache.PasswordChangedRecently(ctx, e.UserID)
			if err != nil {
				s.logger.Warn("password change lookup failed", zap.String("user_id", e.UserID), zap.Error(err))
			} else if changed {
				confidence += 0.3
				indicators = append(indicators, "recent_password_change")
			}
		}
	}
	confidence = math.Min(confidence, 1)

	if err := s.cache.SetLastLogin(ctx, e.UserID, redisrepo.LoginInfo{
		IPAddress:         e.IPAddress,
		Location:          e.Location,
		DeviceFingerprint: e.DeviceFingerprint,
		UserAgent:         e.UserAgent,
		At:                e.Timestamp,
	}, s.cfg.LastLoginTTL); err != nil {
		s.logger.Warn("failed to record last login", zap.String("user_id", e.UserID), zap.Error(err))
	}

	if confidence < s.cfg.TakeoverThreshold {
		return nil, nil
	}

	ind := &models.ThreatIndicator{
		Category:           models.ThreatAccountTakeover,
		Level:              levelForConfidence(confidence),
		Confidence:         confidence,
		SourceIP:           e.IPAddress,
		UserID:             e.UserID,
		Description:        "login deviates from the account's known location and device",
		Indicators:         indicators,
		RecommendedActions: []string{"verify with account owner", "force password reset"},
		Rule:               RuleAccountTakeover,
	}
	if confidence >= s.cfg.TakeoverLockConfidence {
		ind.AutomatedResponse = models.ResponseLockAccount
	}
	return ind, nil
}

func (s *ThreatService) checkSuspiciousRequest(_ context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	if e.Payload == "" {
		return nil, nil
	}
	matched := util.MatchSuspicious(e.Payload)
	if len(matched) == 0 {
		return nil, nil
	}
	return &models.ThreatIndicator{
		Category:           models.ThreatSuspiciousRequest,
		Level:              models.ThreatMedium,
		Confidence:         math.Min(0.95, 0.6+0.1*float64(len(matched))),
		SourceIP:           e.IPAddress,
		UserID:             e.UserID,
		Description:        "request payload matches injection patterns",
		Indicators:         matched,
		RecommendedActions: []string{"inspect request", "review waf rules"},
		Rule:               RuleSuspiciousRequest,
	}, nil
}

func (s *ThreatService) checkAnomaly(ctx context.Context, e *models.SecurityEvent) (*models.ThreatIndicator, error) {
	scorer := s.Scorer()
	if scorer == nil {
		return nil, nil
	}
	score, err := scorer.Score(ctx, e)
	if err != nil {
		s.logger.Warn("anomaly scoring failed", zap.Error(err))
		return nil, nil
	}
	if score < s.cfg.AnomalyThreshold {
		return nil, nil
	}

	// 0.5 at the threshold, approaching 0.95 as the score doubles it
	confidence := math.Min(0.95, 0.5+0.45*(score-s.cfg.AnomalyThreshold)/s.cfg.AnomalyThreshold)
	return &models.ThreatIndicator{
		Category:           models.ThreatAnomalousBehavior,
		Level:              levelForConfidence(confidence),
		Confidence:         confidence,
		SourceIP:           e.IPAddress,
		UserID:             e.UserID,
		Description:        "event deviates from the behavioural baseline",
		Indicators:         []string{fmt.Sprintf("anomaly_score:%.2f", score)},
		RecommendedActions: []string{"review session activity"},
		Rule:               RuleAnomaly,
	}, nil
}

func levelForConfidence(c float64) models.ThreatLevel {
	switch {
	case c >= 0.9:
		return models.ThreatCritical
	case c >= 0.7:
		return models.ThreatHigh
	case c >= 0.5:
		return models.ThreatMedium
	}
	return models.ThreatLow
}
