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
	"security-core/internal/models"
)

// AnomalyScorer rates how unusual an event is. Scores are non-negative and
// comparable with the configured anomaly threshold.
type AnomalyScorer interface {
	Score(ctx context.Context, event *models.SecurityEvent) (float64, error)
}

// EventFeatures is the numeric vector the default scorer works on:
// success, session seconds, hour of day, user-agent length, payload length.
func EventFeatures(e *models.SecurityEvent) []float64 {
	success := 0.0
	if e.Success {
		success = 1
	}
	return []float64{
		success,
		e.SessionDuration.Seconds(),
		float64(e.Timestamp.UTC().Hour()),
		float64(len(e.UserAgent)),
		float64(len(e.Payload)),
	}
}

// ZScoreScorer scores an event by its largest per-feature z-score against a
// trained baseline. An untrained scorer returns 0 for every event.
type ZScoreScorer struct {
	mu    sync.RWMutex
	mean  []float64
	std   []float64
	ready bool
}

func NewZScoreScorer() *ZScoreScorer {
	return &ZScoreScorer{}
}

// Train replaces the baseline with the mean and standard deviation of samples.
func (z *ZScoreScorer) Train(samples [][]float64) error {
	if len(samples) < 2 {
		return errors.New("at least two samples required")
	}
	dims := len(samples[0])
	mean := make([]float64, dims)
	std := make([]float64, dims)

	for _, s := range samples {
		if len(s) != dims {
			return errors.New("samples must share one dimension")
		}
		for i, v := range s {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(samples))
	}
	for _, s := range samples {
		for i, v := range s {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(samples)-1))
	}

	z.mu.Lock()
	z.mean, z.std, z.ready = mean, std, true
	z.mu.Unlock()
	return nil
}

// TrainEvents is Train over EventFeatures.
func (z *ZScoreScorer) TrainEvents(events []*models.SecurityEvent) error {
	samples := make([][]float64, len(events))
	for i, e := range events {
		samples[i] = EventFeatures(e)
	}
	return z.Train(samples)
}

func (z *ZScoreScorer) Score(_ context.Context, e *models.SecurityEvent) (float64, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if !z.ready {
		return 0, nil
	}

	features := EventFeatures(e)
	if len(features) != len(z.mean) {
		return 0, errors.New("feature dimension mismatch")
	}

	var worst float64
	for i, v := range features {
		d := math.Abs(v - z.mean[i])
		if d == 0 {
			continue
		}
		if z.std[i] == 0 {
			// constant in training, any deviation is extreme
			return math.Inf(1), nil
		}
		worst = math.Max(worst, d/z.std[i])
	}
	return worst, nil
}

// auditFeatures maps an audit row onto the EventFeatures layout. Rows written
// by the login path and the event consumer carry user agent, session and
// payload sizes in their additional data.
func auditFeatures(e *models.AuditEvent) []float64 {
	success := 0.0
	if e.Success {
		success = 1
	}
	userAgent, _ := e.AdditionalData["user_agent"].(string)
	return []float64{
		success,
		numeric(e.AdditionalData["session_seconds"]),
		float64(e.Timestamp.UTC().Hour()),
		float64(len(userAgent)),
		numeric(e.AdditionalData["payload_bytes"]),
	}
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// AnomalyTrainer rebuilds the anomaly baseline from recent authentication
// audit history and installs it on the threat service.
type AnomalyTrainer struct {
	audit      *AuditService
	threats    *ThreatService
	window     time.Duration
	minSamples int
	eventTypes []string
	logger     *zap.Logger
	now        func() time.Time
}

func NewAnomalyTrainer(cfg *config.Config, audit *AuditService, threats *ThreatService, logger *zap.Logger) *AnomalyTrainer {
	window := cfg.Threat.AnomalyTrainWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	minSamples := cfg.Threat.AnomalyMinSamples
	if minSamples < 2 {
		minSamples = 50
	}
	return &AnomalyTrainer{
		audit:      audit,
		threats:    threats,
		window:     window,
		minSamples: minSamples,
		eventTypes: []string{models.EventLoginSuccess, models.EventLoginFailed},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Retrain returns the number of samples used. With fewer than the minimum the
// anomaly rule is switched off rather than left scoring every event as 0.
func (t *AnomalyTrainer) Retrain(ctx context.Context) (int, error) {
	since := t.now().Add(-t.window)

	var samples [][]float64
	for _, eventType := range t.eventTypes {
		rows, err := t.audit.Query(ctx, models.AuditFilter{EventType: eventType, Since: since, Limit: 1000})
		if err != nil {
			return 0, fmt.Errorf("failed to load %s history: %w", eventType, err)
		}
		for _, row := range rows {
			samples = append(samples, auditFeatures(row))
		}
	}

	if len(samples) < t.minSamples {
		t.threats.SetScorer(nil)
		t.logger.Warn("anomaly rule disabled, not enough history",
			zap.Int("samples", len(samples)),
			zap.Int("required", t.minSamples))
		return len(samples), nil
	}

	scorer := NewZScoreScorer()
	if err := scorer.Train(samples); err != nil {
		return 0, fmt.Errorf("failed to train anomaly baseline: %w", err)
	}
	t.threats.SetScorer(scorer)
	t.logger.Info("anomaly baseline trained", zap.Int("samples", len(samples)), zap.Duration("window", t.window))
	return len(samples), nil
}

// Run retrains every interval until ctx ends.
func (t *AnomalyTrainer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Retrain(ctx); err != nil {
				t.logger.Error("anomaly retrain failed, keeping previous baseline", zap.Error(err))
			}
		}
	}
}
