package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

const maxBodyBytes = 1 << 20

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents list metadata
type Meta struct {
	Total    int `json:"total"`
	PageSize int `json:"page_size,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// base carries the response helpers every handler shares.
type base struct {
	logger *zap.Logger
}

func (b base) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		b.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (b base) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	fields := []zap.Field{
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	}
	if statusCode >= http.StatusInternalServerError {
		b.logger.Error("HTTP error response", fields...)
		// infrastructure details stay in the log
		err = errors.New(http.StatusText(statusCode))
	} else {
		b.logger.Warn("HTTP error response", fields...)
	}
	b.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// fail maps err to its status code and responds.
func (b base) fail(w http.ResponseWriter, err error, message string) {
	b.respondWithError(w, statusFor(err), err, message)
}

// statusFor determines the appropriate HTTP status code for an error
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrMFARequired),
		errors.Is(err, models.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrIPBlocked), errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, models.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v. Decode failures are validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", models.ErrValidation)
		}
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// clientIP expects TrustedRealIP to have run.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestMeta collects the request attributes sessions and threat analysis use.
func requestMeta(r *http.Request) models.RequestMetadata {
	return models.RequestMetadata{
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		Location:          r.Header.Get("X-Geo-Location"),
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, key)
	}
	return n, nil
}
