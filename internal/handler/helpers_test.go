package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
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
	"security-core/internal/service"
	"security-core/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

// memStore is an in-memory service.Store.
type memStore struct {
	mu          sync.Mutex
	permissions map[string]*models.Permission
	roles       map[int64]*models.Role
	userRoles   map[string]map[int64]struct{}
	nextID      int64
	audit       []*models.AuditEvent
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
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// memUsers is an in-memory scylla.UserStore.
type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]string
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
	user.UserID = util.NewUUID()
	user.Email = email
	user.CreatedAt = time.Now().UTC()
	cp := *user
	u.byID[user.UserID] = &cp
	u.byEmail[email] = user.UserID
	return nil
}

func (u *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
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
	if user, ok := u.byID[id]; ok {
		user.LastLogin = &at
		user.LastLoginIP = ip
		return nil
	}
	return models.ErrNotFound
}

func (u *memUsers) UpdatePasswordHash(_ context.Context, id, hash string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.byID[id]; ok {
		user.PasswordHash = hash
		return nil
	}
	return models.ErrNotFound
}

func (u *memUsers) SetActive(_ context.Context, id string, active bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.byID[id]; ok {
		user.IsActive = active
		return nil
	}
	return models.ErrNotFound
}

// fakeSearcher answers every search with the alerts it holds.
type fakeSearcher struct {
	hits []models.SecurityAlert
	err  error
}

func (f *fakeSearcher) SearchAlerts(context.Context, string, int) ([]models.SecurityAlert, error) {
	return f.hits, f.err
}

type testServer struct {
	cfg    *config.Config
	mr     *miniredis.Miniredis
	store  *memStore
	svc    *service.ServiceFactory
	router http.Handler
}

const testPassword = "Str0ng!Passw0rd"

func newTestServer(t *testing.T, searcher AlertSearcher) *testServer {
	t.Helper()

	cfg := &config.Config{Environment: "development"}
	cfg.Hashing.Argon2MemoryCost = 64
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.MinPasswordLength = 8
	cfg.Auth.JWTSecret = "handler-test-secret-that-is-long-enough"
	cfg.Auth.JWTIssuer = "security-core"
	cfg.Auth.MFAIssuer = "JobPlatform"
	cfg.Threat.BruteForceThreshold = 5
	cfg.Threat.BruteForceWindow = 15 * time.Minute
	cfg.Threat.SprayThreshold = 10
	cfg.Threat.SprayWindow = time.Hour
	cfg.Threat.IPBlockDuration = time.Hour
	cfg.Alerting.ChannelTimeout = time.Second
	cfg.Audit.WriteTimeout = time.Second
	cfg.Audit.FlushInterval = time.Hour
	cfg.Server.AllowedOrigins = []string{"https://jobs.example.com"}
	// httptest requests come from 192.0.2.1
	cfg.Server.TrustedProxies = []string{"192.0.2.1"}
	cfg.Server.RequestTimeout = 10 * time.Second

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.NewRedisClientFromConn(rdb)

	encryptor, err := encryption.NewEncryptionManager(cfg, nil)
	require.NoError(t, err)

	store := newMemStore()
	reg := metrics.New()
	svc := service.NewServiceFactory(service.Dependencies{
		Config:    cfg,
		Redis:     rc,
		Store:     store,
		Users:     newMemUsers(),
		Hasher:    hashing.NewHasher(cfg),
		Encryptor: encryptor,
		Metrics:   reg,
		Logger:    zap.NewNop(),
	})

	return &testServer{
		cfg:   cfg,
		mr:    mr,
		store: store,
		svc:   svc,
		router: NewRouter(RouterDeps{
			Config:   cfg,
			Services: svc,
			Metrics:  reg,
			Searcher: searcher,
			Logger:   zap.NewNop(),
		}),
	}
}

type call struct {
	method string
	path   string
	body   any
	token  string
	ip     string
}

// apiResponse mirrors Response with the payload left raw.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Meta    *Meta           `json:"meta"`
}

func (s *testServer) do(t *testing.T, c call) (int, apiResponse) {
	t.Helper()

	var body *bytes.Reader
	switch b := c.body.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case string:
		body = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	ip := c.ip
	if ip == "" {
		ip = "198.51.100.10"
	}
	req.Header.Set("X-Real-IP", ip)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

func decodeData[T any](t *testing.T, resp apiResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func (s *testServer) register(t *testing.T, email string) *models.User {
	t.Helper()
	code, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/register", body: registerRequest{Email: email, Password: testPassword}})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	return decodeData[*models.User](t, resp)
}

func (s *testServer) login(t *testing.T, email string) *models.TokenPair {
	t.Helper()
	code, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login", body: loginRequest{Email: email, Password: testPassword}})
	require.Equal(t, http.StatusOK, code, resp.Error)
	return decodeData[loginResponse](t, resp).Tokens
}

// grant gives userID a fresh role holding perms.
func (s *testServer) grant(t *testing.T, userID string, perms ...string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range perms {
		if _, err := s.svc.RBAC.CreatePermission(ctx, p, "", "", ""); err != nil {
			require.ErrorIs(t, err, models.ErrDuplicateName)
		}
	}
	role, err := s.svc.RBAC.CreateRole(ctx, "role-"+strings.ToLower(util.NewULID()), "", perms)
	require.NoError(t, err)
	require.NoError(t, s.svc.RBAC.AssignRoleToUser(ctx, userID, role.ID))
}

// admin registers, grants and logs in a security administrator.
func (s *testServer) admin(t *testing.T) (*models.User, string) {
	t.Helper()
	user := s.register(t, "secops@example.com")
	s.grant(t, user.UserID, "rbac:manage", "alerts:read", "alerts:manage", "audit:read")
	return user, s.login(t, "secops@example.com").AccessToken
}
