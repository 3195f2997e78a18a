// Package identity resolves the conversation session and acting role of a
// request.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/cx-router/internal/domain"
)

const (
	SessionHeaderName = "X-CX-Session-ID"
	RoleHeaderName    = "X-CX-Role"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	roleKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext extracts the acting role from the request context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return domain.ActingRoleCustomerAI
}

// WithSessionID returns a copy of ctx carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// NewSessionID returns a fresh random session ID.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id is usable as a session ID.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !ValidSessionID(id) {
		return ""
	}
	return id
}

func sanitizeRole(role string) string {
	switch role = strings.TrimSpace(role); role {
	case domain.ActingRoleCustomerAI, domain.ActingRoleAgentAssist:
		return role
	}
	return domain.ActingRoleCustomerAI
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the request's session ID and acting role. A missing or
// malformed session ID is replaced with a new one, echoed back in the
// response header.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			if sessionID == "" {
				sessionID = NewSessionID()
			}
			w.Header().Set(SessionHeaderName, sessionID)

			ctx := WithSessionID(r.Context(), sessionID)
			ctx = context.WithValue(ctx, roleKey, sanitizeRole(r.Header.Get(RoleHeaderName)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
