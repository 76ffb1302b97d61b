package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/service"
	"security-core/internal/util"
)

// RequestContext is the authenticated caller attached to the request context.
type RequestContext struct {
	UserID    string
	Email     string
	SessionID string
	IPAddress string
}

type requestContextKey struct{}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the caller set by Authenticate.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// Middleware holds the request guards that need services.
type Middleware struct {
	base
	creds  *service.CredentialService
	tokens *service.TokenIssuer
	rbac   *service.RBACService
}

func NewMiddleware(creds *service.CredentialService, tokens *service.TokenIssuer, rbac *service.RBACService, logger *zap.Logger) *Middleware {
	return &Middleware{
		base:   base{logger: logger},
		creds:  creds,
		tokens: tokens,
		rbac:   rbac,
	}
}

// IPGate rejects requests from blocked addresses. A failed lookup rejects too.
func (m *Middleware) IPGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		blocked, err := m.creds.IsIPBlocked(r.Context(), ip)
		if err != nil {
			m.respondWithError(w, http.StatusServiceUnavailable, err, "Unable to verify client address")
			return
		}
		if blocked {
			m.respondWithError(w, http.StatusForbidden, models.ErrIPBlocked, "Access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate requires a valid bearer token whose session is still live.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			m.respondWithError(w, http.StatusUnauthorized, models.ErrInvalidToken, "Missing bearer token")
			return
		}

		claims, err := m.tokens.Verify(token)
		if err != nil {
			m.respondWithError(w, http.StatusUnauthorized, models.ErrInvalidToken, "Invalid access token")
			return
		}

		session, err := m.creds.GetSession(r.Context(), claims.SessionID)
		if errors.Is(err, models.ErrNotFound) {
			m.respondWithError(w, http.StatusUnauthorized, models.ErrInvalidToken, "Session expired")
			return
		}
		if err != nil {
			m.respondWithError(w, http.StatusServiceUnavailable, err, "Unable to verify session")
			return
		}
		if session.UserID != claims.UserID {
			m.respondWithError(w, http.StatusUnauthorized, models.ErrInvalidToken, "Invalid access token")
			return
		}

		rc := &RequestContext{
			UserID:    claims.UserID,
			Email:     claims.Email,
			SessionID: claims.SessionID,
			IPAddress: clientIP(r),
		}
		next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
	})
}

// RequirePermission must run after Authenticate. Lookup failures deny.
func (m *Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := FromContext(r.Context())
			if !ok {
				m.respondWithError(w, http.StatusUnauthorized, models.ErrInvalidToken, "Authentication required")
				return
			}
			allowed, err := m.rbac.CheckPermission(r.Context(), rc.UserID, permission)
			if err != nil {
				m.respondWithError(w, http.StatusServiceUnavailable, err, "Unable to verify permissions")
				return
			}
			if !allowed {
				m.logger.Warn("Permission denied",
					util.String("user_id", rc.UserID),
					util.String("permission", permission),
					util.String("path", r.URL.Path),
				)
				m.respondWithError(w, http.StatusForbidden, models.ErrPermissionDenied, "Missing permission "+permission)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"success":false,"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TrustedRealIP replaces RemoteAddr with the forwarded client address, but only
// when the TCP peer is one of the trusted proxies. Headers from anyone else are
// ignored so a client cannot pick the address the IP controls key on.
func TrustedRealIP(proxies []netip.Prefix) func(http.Handler) http.Handler {
	trusted := func(addr netip.Addr) bool {
		for _, p := range proxies {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseIP(r.RemoteAddr)
			if ok && trusted(peer) {
				if ip, ok := forwardedIP(r, trusted); ok {
					r.RemoteAddr = ip.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedIP prefers X-Real-IP, then walks X-Forwarded-For from the right and
// returns the first hop that is not itself a trusted proxy.
func forwardedIP(r *http.Request, trusted func(netip.Addr) bool) (netip.Addr, bool) {
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip, true
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseIP(strings.TrimSpace(hops[i]))
		if !ok {
			return netip.Addr{}, false
		}
		if !trusted(ip) {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

// parseIP accepts a bare address or host:port.
func parseIP(raw string) (netip.Addr, bool) {
	if raw == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
