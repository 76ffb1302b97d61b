package service

import (
	"context"
	"fmt"
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

// AuditStore is the durable audit trail, implemented by postgres.Store.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error)
}

// AuditSink receives a copy of every recorded event after the durable write.
type AuditSink interface {
	Name() string
	Write(ctx context.Context, e *models.AuditEvent) error
}

// DataAccess describes a read or mutation of a protected resource.
type DataAccess struct {
	EventType      string
	UserID         string
	IPAddress      string
	ResourceType   string
	ResourceID     string
	Action         string
	OldValues      map[string]any
	NewValues      map[string]any
	ComplianceTags []string
}

type AuditService struct {
	store   AuditStore
	stream  *redisrepo.EventStream
	sinks   []AuditSink
	cfg     config.AuditConfig
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	fallback []*models.AuditEvent

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewAuditService(
	cfg *config.Config,
	store AuditStore,
	stream *redisrepo.EventStream,
	reg *metrics.Registry,
	logger *zap.Logger,
	sinks ...AuditSink,
) *AuditService {
	ac := cfg.Audit
	if ac.WriteTimeout <= 0 {
		ac.WriteTimeout = 2 * time.Second
	}
	if ac.FallbackSize <= 0 {
		ac.FallbackSize = 10000
	}
	if ac.FlushInterval <= 0 {
		ac.FlushInterval = 5 * time.Second
	}
	if ac.SinkTimeout <= 0 {
		ac.SinkTimeout = 2 * time.Second
	}
	return &AuditService{
		store:   store,
		stream:  stream,
		sinks:   sinks,
		cfg:     ac,
		metrics: reg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *AuditService) LogAuthenticationEvent(ctx context.Context, eventType, userID, email, ip string, success bool, additional map[string]any) (*models.AuditEvent, error) {
	severity := models.ThreatLow
	if !success {
		severity = models.ThreatMedium
	}
	e := &models.AuditEvent{
		Category:       models.AuditAuthentication,
		EventType:      eventType,
		UserID:         userID,
		Email:          email,
		Description:    fmt.Sprintf("authentication %s", eventType),
		IPAddress:      ip,
		Success:        success,
		Severity:       severity,
		AdditionalData: additional,
	}
	if userID != "" {
		e.ComplianceTags = []string{models.ComplianceGDPR}
	}
	return e, s.Record(ctx, e)
}

// LogDataAccessEvent always carries GDPR, so user id is mandatory.
func (s *AuditService) LogDataAccessEvent(ctx context.Context, in DataAccess) (*models.AuditEvent, error) {
	tags := append([]string{models.ComplianceGDPR}, in.ComplianceTags...)
	e := &models.AuditEvent{
		Category:       models.AuditDataAccess,
		EventType:      in.EventType,
		UserID:         in.UserID,
		Description:    fmt.Sprintf("%s %s %s", in.Action, in.ResourceType, in.ResourceID),
		IPAddress:      in.IPAddress,
		ResourceType:   in.ResourceType,
		ResourceID:     in.ResourceID,
		Action:         in.Action,
		OldValues:      in.OldValues,
		NewValues:      in.NewValues,
		Success:        true,
		Severity:       models.ThreatLow,
		ComplianceTags: dedupe(tags),
	}
	return e, s.Record(ctx, e)
}

func (s *AuditService) LogSecurityEvent(ctx context.Context, eventType, description, ip string, severity models.ThreatLevel, additional map[string]any) (*models.AuditEvent, error) {
	if severity == "" {
		severity = models.ThreatMedium
	}
	e := &models.AuditEvent{
		Category:       models.AuditSecurity,
		EventType:      eventType,
		Description:    description,
		IPAddress:      ip,
		Success:        true,
		Severity:       severity,
		AdditionalData: additional,
	}
	return e, s.Record(ctx, e)
}

// ValidateCompliance enforces the field requirements of each compliance tag.
func (s *AuditService) ValidateCompliance(e *models.AuditEvent) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event type required", models.ErrValidation)
	}
	if e.Category == models.AuditDataAccess && e.ResourceType == "" {
		return fmt.Errorf("%w: data access event requires resource_type", models.ErrComplianceViolation)
	}
	for _, tag := range e.ComplianceTags {
		switch tag {
		case models.ComplianceGDPR, models.ComplianceCCPA, models.ComplianceHIPAA:
			if e.UserID == "" {
				return fmt.Errorf("%w: %s event requires user_id", models.ErrComplianceViolation, tag)
			}
		case models.CompliancePCI, models.ComplianceSOX:
			if e.IPAddress == "" {
				return fmt.Errorf("%w: %s event requires ip_address", models.ErrComplianceViolation, tag)
			}
		default:
			return fmt.Errorf("%w: unknown compliance tag %q", models.ErrComplianceViolation, tag)
		}
	}
	return nil
}

// Record validates, durably stores and then propagates e. A failed durable
// write parks the event in the fallback buffer; only validation errors are
// returned to the caller.
func (s *AuditService) Record(ctx context.Context, e *models.AuditEvent) error {
	if err := s.ValidateCompliance(e); err != nil {
		s.metrics.AuditWrites.WithLabelValues("rejected").Inc()
		return err
	}
	if e.ID == "" {
		e.ID = util.NewULID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	if err := s.writeDurable(ctx, e); err != nil {
		s.buffer(e, err)
	} else {
		s.metrics.AuditWrites.WithLabelValues("stored").Inc()
	}

	s.propagate(ctx, e)
	return nil
}

func (s *AuditService) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	return s.store.QueryAuditEvents(ctx, f)
}

// writeDurable makes two bounded attempts.
func (s *AuditService) writeDurable(ctx context.Context, e *models.AuditEvent) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		err = s.store.InsertAuditEvent(wctx, e)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (s *AuditService) buffer(e *models.AuditEvent, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fallback) >= s.cfg.FallbackSize {
		dropped := s.fallback[0]
		s.fallback = s.fallback[1:]
		s.metrics.AuditWrites.WithLabelValues("dropped").Inc()
		s.logger.Error("audit fallback buffer full, oldest event dropped",
			zap.String("event_id", dropped.ID),
			zap.String("event_type", dropped.EventType),
			zap.String("user_id", dropped.UserID),
			zap.String("ip", dropped.IPAddress))
	}
	s.fallback = append(s.fallback, e)
	s.metrics.AuditWrites.WithLabelValues("buffered").Inc()
	s.metrics.AuditBuffered.Set(float64(len(s.fallback)))

	s.logger.Warn("audit write failed, event buffered",
		zap.String("event_id", e.ID),
		zap.String("event_type", e.EventType),
		zap.Int("buffered", len(s.fallback)),
		zap.Error(cause))
}

// Pending reports how many events wait in the fallback buffer.
func (s *AuditService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fallback)
}

// Flush retries buffered events once and returns how many were stored.
func (s *AuditService) Flush(ctx context.Context) int {
	s.mu.Lock()
	batch := s.fallback
	s.fallback = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var failed []*models.AuditEvent
	for i, e := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		if err := s.writeDurable(ctx, e); err != nil {
			failed = append(failed, e)
			continue
		}
		s.metrics.AuditWrites.WithLabelValues("stored").Inc()
	}

	s.mu.Lock()
	s.fallback = append(failed, s.fallback...)
	s.metrics.AuditBuffered.Set(float64(len(s.fallback)))
	s.mu.Unlock()

	stored := len(batch) - len(failed)
	if stored > 0 {
		s.logger.Info("audit fallback flushed", zap.Int("stored", stored), zap.Int("remaining", len(failed)))
	}
	return stored
}

// Start runs the fallback flusher until Stop.
func (s *AuditService) Start() {
	s.startOnce.Do(s.run)
}

func (s *AuditService) run() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the flusher and makes a final flush attempt bounded by ctx.
func (s *AuditService) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}
		s.Flush(ctx)
		if n := s.Pending(); n > 0 {
			s.logger.Error("audit events still buffered at shutdown", zap.Int("count", n))
		}
	})
}

// propagate pushes the stream copy and fans out to sinks. Failures are logged only.
func (s *AuditService) propagate(ctx context.Context, e *models.AuditEvent) {
	base := context.WithoutCancel(ctx)

	if s.stream != nil {
		if err := s.stream.Push(base, e.Stream()); err != nil {
			s.logger.Warn("audit stream push failed", zap.String("event_id", e.ID), zap.Error(err))
		}
	}

	if len(s.sinks) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(base, s.cfg.SinkTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range s.sinks {
		g.Go(func() error {
			if err := sink.Write(sctx, e); err != nil {
				s.logger.Warn("audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("event_id", e.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
