package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/encryption"
	"security-core/internal/hashing"
	"security-core/internal/metrics"
	"security-core/internal/models"
	"security-core/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

// memStore is an in-memory Store for service tests.
type memStore struct {
	mu sync.Mutex

	permissions map[string]*models.Permission
	roles       map[int64]*models.Role
	userRoles   map[string]map[int64]struct{}
	nextID      int64

	audit       []*models.AuditEvent
	failInserts int
	alerts      map[string]*models.SecurityAlert
}

func newMemStore() *memStore {
	return &memStore{
		permissions: map[string]*models.Permission{},
		roles:       map[int64]*models.Role{},
		userRoles:   map[string]map[int64]struct{}{},
		alerts:      map[string]*models.SecurityAlert{},
	}
}

func (m *memStore) CreatePermission(_ context.Context, name, resource, action, description string) (*models.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[name]; ok {
		return nil, models.ErrDuplicateName
	}
	m.nextID++
	p := &models.Permission{ID: m.nextID, Name: name, Resource: resource, Action: action, Description: description}
	m.permissions[name] = p
	return p, nil
}

func (m *memStore) ListPermissions(context.Context) ([]*models.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) CreateRole(_ context.Context, name, description string, perms []string) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return nil, models.ErrDuplicateName
		}
	}
	for _, p := range perms {
		if _, ok := m.permissions[p]; !ok {
			return nil, fmt.Errorf("%w: unknown permission %q", models.ErrValidation, p)
		}
	}
	m.nextID++
	r := &models.Role{ID: m.nextID, Name: name, Description: description, Permissions: append([]string{}, perms...)}
	m.roles[r.ID] = r
	return r, nil
}

func (m *memStore) GetRole(_ context.Context, id int64) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListRoles(context.Context) ([]*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) AssignRole(_ context.Context, userID string, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return models.ErrNotFound
	}
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = map[int64]struct{}{}
	}
	m.userRoles[userID][roleID] = struct{}{}
	return nil
}

func (m *memStore) RemoveRole(_ context.Context, userID string, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userRoles[userID], roleID)
	return nil
}

func (m *memStore) UserPermissionNames(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.userRoles[userID] {
		out = append(out, m.roles[id].Permissions...)
	}
	return out, nil
}

func (m *memStore) UserRoles(_ context.Context, userID string) ([]*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Role
	for id := range m.userRoles[userID] {
		out = append(out, m.roles[id])
	}
	return out, nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return models.Unavailable("insert audit event", errors.New("connection refused"))
	}
	for _, existing := range m.audit {
		if existing.ID == e.ID {
			return nil
		}
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) QueryAuditEvents(_ context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range m.audit {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) auditTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, e := range m.audit {
		out = append(out, e.EventType)
	}
	return out
}

func (m *memStore) InsertAlert(_ context.Context, a *models.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *memStore) GetAlert(_ context.Context, id string) (*models.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) UpdateAlertStatus(_ context.Context, id string, status models.AlertStatus, assignedTo string, at time.Time) (*models.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	a.Status = status
	if assignedTo != "" {
		a.AssignedTo = assignedTo
	}
	a.UpdatedAt = at
	cp := *a
	return &cp, nil
}

func (m *memStore) ListAlerts(_ context.Context, f models.AlertFilter) ([]*models.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SecurityAlert
	for _, a := range m.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Category != "" && a.Category != f.Category {
			continue
		}
		if f.SourceIP != "" && a.SourceIP != f.SourceIP {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// memUsers is an in-memory scylla.UserStore.
type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]string
	// onGetByID runs before each GetUserByID
	onGetByID func()
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*models.User{}, byEmail: map[string]string{}}
}

func (u *memUsers) CreateUser(_ context.Context, user *models.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	email := strings.ToLower(user.Email)
	if _, ok := u.byEmail[email]; ok {
		return models.ErrDuplicateName
	}
	if user.UserID == "" {
		user.UserID = util.NewUUID()
	}
	user.Email = email
	user.CreatedAt = time.Now().UTC()
	cp := *user
	u.byID[user.UserID] = &cp
	u.byEmail[email] = user.UserID
	return nil
}

func (u *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	if u.onGetByID != nil {
		u.onGetByID()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u *memUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u.mu.Lock()
	id, ok := u.byEmail[strings.ToLower(email)]
	u.mu.Unlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return u.GetUserByID(ctx, id)
}

func (u *memUsers) UpdateLastLogin(_ context.Context, id, ip string, at time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	user.LastLogin = &at
	user.LastLoginIP = ip
	return nil
}

func (u *memUsers) UpdatePasswordHash(_ context.Context, id, hash string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	user.PasswordHash = hash
	return nil
}

func (u *memUsers) SetActive(_ context.Context, id string, active bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	user.IsActive = active
	return nil
}

// webhookRecorder counts alert payloads posted to it.
type webhookRecorder struct {
	mu       sync.Mutex
	payloads []alertPayload
	server   *httptest.Server
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p alertPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, p)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (w *webhookRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: "development"}
	cfg.Hashing.Argon2MemoryCost = 64
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.MinPasswordLength = 8
	cfg.Auth.JWTSecret = "test-secret-that-is-long-enough-123456"
	cfg.Auth.JWTIssuer = "security-core"
	cfg.Auth.MFAIssuer = "JobPlatform"
	cfg.Threat.BruteForceThreshold = 5
	cfg.Threat.BruteForceWindow = 15 * time.Minute
	cfg.Threat.SprayThreshold = 10
	cfg.Threat.SprayWindow = time.Hour
	cfg.Threat.IPBlockDuration = time.Hour
	cfg.Threat.AccountLockDuration = 30 * time.Minute
	cfg.Alerting.ChannelTimeout = 2 * time.Second
	cfg.Alerting.Rules = []models.NotificationRule{{
		Name:             "high_severity",
		MinSeverity:      models.ThreatHigh,
		Channels:         []string{models.ChannelWebhook},
		ThrottleMinutes:  15,
		MaxAlertsPerHour: 100,
	}}
	cfg.Audit.WriteTimeout = time.Second
	cfg.Audit.FlushInterval = time.Hour
	return cfg
}

type testEnv struct {
	cfg     *config.Config
	mr      *miniredis.Miniredis
	redis   *client.RedisClient
	store   *memStore
	users   *memUsers
	webhook *webhookRecorder
	metrics *metrics.Registry
	svc     *ServiceFactory
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.NewRedisClientFromConn(rdb)

	encryptor, err := encryption.NewEncryptionManager(cfg, nil)
	require.NoError(t, err)

	env := &testEnv{
		cfg:     cfg,
		mr:      mr,
		redis:   rc,
		store:   newMemStore(),
		users:   newMemUsers(),
		webhook: newWebhookRecorder(t),
		metrics: metrics.New(),
	}
	env.svc = NewServiceFactory(Dependencies{
		Config:    cfg,
		Redis:     rc,
		Store:     env.store,
		Users:     env.users,
		Hasher:    hashing.NewHasher(cfg),
		Encryptor: encryptor,
		Metrics:   env.metrics,
		Logger:    zap.NewNop(),
		Channels:  []NotificationChannel{NewWebhookChannel(env.webhook.server.URL, time.Second)},
	})
	return env
}

func (e *testEnv) register(t *testing.T, email, password string) *models.User {
	t.Helper()
	user, err := e.svc.Auth.Register(context.Background(), email, password, models.RequestMetadata{IPAddress: "198.51.100.1"})
	require.NoError(t, err)
	return user
}
