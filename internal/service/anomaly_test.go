package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

var trainingAgents = []string{
	"Mozilla/5.0 (X11; Linux x86_64)",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4)",
}

// seedLoginHistory writes n authentication audit rows spread over office hours.
func seedLoginHistory(t *testing.T, env *testEnv, n int) {
	t.Helper()
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	for i := 0; i < n; i++ {
		eventType := models.EventLoginSuccess
		if i%4 == 0 {
			eventType = models.EventLoginFailed
		}
		require.NoError(t, env.store.InsertAuditEvent(context.Background(), &models.AuditEvent{
			ID:        fmt.Sprintf("hist-%d", i),
			Category:  models.AuditAuthentication,
			EventType: eventType,
			Success:   eventType == models.EventLoginSuccess,
			Timestamp: day.Add(time.Duration(9+i%4) * time.Hour),
			AdditionalData: map[string]any{
				"user_agent":      trainingAgents[i%2],
				"session_seconds": float64(1200 + 60*(i%5)),
			},
		}))
	}
}

func TestAnomalyTrainer_TooLittleHistoryDisablesRule(t *testing.T) {
	env := newTestEnv(t)
	seedLoginHistory(t, env, 3)
	env.svc.Threats.SetScorer(NewZScoreScorer())

	n, err := env.svc.Anomaly.Retrain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Nil(t, env.svc.Threats.Scorer())
}

func TestAnomalyTrainer_TrainsFromAuditHistory(t *testing.T) {
	env := newTestEnv(t)
	seedLoginHistory(t, env, 60)
	ctx := context.Background()

	n, err := env.svc.Anomaly.Retrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, n)
	require.NotNil(t, env.svc.Threats.Scorer())

	at := time.Now().UTC().Truncate(24 * time.Hour).Add(10 * time.Hour)
	normal := &models.SecurityEvent{EventType: models.EventAPIRequest, Success: true,
		SessionDuration: 22 * time.Minute, Timestamp: at, UserAgent: trainingAgents[0]}
	ind, err := env.svc.Threats.AnalyzeEvent(ctx, normal)
	require.NoError(t, err)
	assert.Nil(t, ind)

	odd := &models.SecurityEvent{EventType: models.EventAPIRequest, Success: true,
		SessionDuration: 10 * time.Hour, Timestamp: at, UserAgent: trainingAgents[0]}
	ind, err = env.svc.Threats.AnalyzeEvent(ctx, odd)
	require.NoError(t, err)
	require.NotNil(t, ind)
	assert.Equal(t, models.ThreatAnomalousBehavior, ind.Category)
}

func TestAnomalyTrainer_StartTrainsAndRunRetrains(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.svc.Start(ctx)
	defer env.svc.Stop(context.Background())
	assert.Nil(t, env.svc.Threats.Scorer(), "no history yet")

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.svc.Anomaly.Run(ctx, 10*time.Millisecond)
	}()

	seedLoginHistory(t, env, 60)
	require.Eventually(t, func() bool { return env.svc.Threats.Scorer() != nil }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestAuditFeaturesMatchEventFeatures(t *testing.T) {
	at := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	row := &models.AuditEvent{Success: true, Timestamp: at, AdditionalData: map[string]any{
		"user_agent": "curl/8.4.0", "session_seconds": 90.0, "payload_bytes": 12,
	}}
	event := &models.SecurityEvent{Success: true, Timestamp: at, UserAgent: "curl/8.4.0",
		SessionDuration: 90 * time.Second, Payload: "0123456789ab"}

	assert.Equal(t, EventFeatures(event), auditFeatures(row))
}
