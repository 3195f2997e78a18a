package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/cx-router/internal/domain"
)

func serve(t *testing.T, req *http.Request) (sessionID, role string, rec *httptest.ResponseRecorder) {
	t.Helper()
	rec = httptest.NewRecorder()
	Middleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		sessionID = SessionIDFromContext(r.Context())
		role = RoleFromContext(r.Context())
	})).ServeHTTP(rec, req)
	return sessionID, role, rec
}

func TestMiddlewareKeepsValidSessionID(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "web-chat:42")
	req.Header.Set(RoleHeaderName, domain.ActingRoleAgentAssist)

	sid, role, rec := serve(t, req)
	if sid != "web-chat:42" || rec.Header().Get(SessionHeaderName) != "web-chat:42" {
		t.Fatalf("session = %q, header = %q", sid, rec.Header().Get(SessionHeaderName))
	}
	if role != domain.ActingRoleAgentAssist {
		t.Fatalf("role = %q", role)
	}
}

func TestMiddlewareReplacesBadSessionID(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "has spaces", strings.Repeat("a", 129), "semi;colon"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(SessionHeaderName, bad)

		sid, role, _ := serve(t, req)
		if sid == "" || sid == bad || !ValidSessionID(sid) {
			t.Errorf("session for %q = %q, want a fresh valid id", bad, sid)
		}
		if role != domain.ActingRoleCustomerAI {
			t.Errorf("role = %q, want default", role)
		}
	}
}

func TestMiddlewareReadsQueryAndRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/?session_id=abc-123", nil)
	req.Header.Set(RoleHeaderName, "admin")

	sid, role, _ := serve(t, req)
	if sid != "abc-123" {
		t.Fatalf("session = %q, want abc-123", sid)
	}
	if role != domain.ActingRoleCustomerAI {
		t.Fatalf("role = %q, want customer_ai", role)
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Fatalf("IPFromRequest() = %q", got)
	}
}
