package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/xcono/flexql/config"
	"github.com/xcono/flexql/permission"
	"github.com/xcono/flexql/query"
	"github.com/xcono/flexql/ratelimit"
	"github.com/xcono/flexql/store"
	"github.com/xcono/flexql/store/storetest"
	"github.com/xcono/flexql/web/handlers"
)

const permissions = `
booking:
  superuser: "*"
  authenticated:
    rows: {owner: $identity.id}
    fields: ["*"]
    filters: [status, total.gte]
    order_by: [total, -total]
    ops: [get, list, add, edit, delete]
  anon:
    rows: {status: confirmed}
    fields: [id, status]
    ops: [list]
customer:
  rate_limit: {default: 2}
  authenticated:
    fields: ["*"]
    ops: [list]
`

var tokens = map[string]config.Token{
	"t7":    {ID: 7},
	"t8":    {ID: 8},
	"admin": {ID: 1, Superuser: true},
}

func newRouter(t *testing.T, opts handlers.Options) *handlers.Router {
	t.Helper()
	db, reg := storetest.Open(t)
	perms, err := permission.ParseConfig([]byte(permissions))
	if err != nil {
		t.Fatalf("Failed to parse permissions: %v", err)
	}
	engine := permission.NewEngine(nil, 2)
	q := query.NewEngine(reg, store.NewSQLStore(db, storetest.Driver, reg), engine, query.Options{})
	limiter := ratelimit.NewLimiter(engine, ratelimit.NewMemoryWindow(), 0)
	return handlers.NewRouter(q, limiter, perms, handlers.NewTokenResolver(tokens, false), opts)
}

func do(t *testing.T, h http.Handler, method, target, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return rec, out
}

func ids(t *testing.T, body map[string]any) []string {
	t.Helper()
	results, ok := body["results"].(map[string]any)
	if !ok {
		t.Fatalf("expected results, got %v", body)
	}
	out := make([]string, 0, len(results))
	for id := range results {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func TestRESTfulList(t *testing.T) {
	h := newRouter(t, handlers.Options{RequireAuthentication: true})

	tt := []struct {
		name     string
		target   string
		expected string
	}{
		{"row scope", "/api/booking?fields=id", "1,2,5"},
		{"filter param", "/api/booking?fields=id&filters.status=confirmed", "1,5"},
		{"filters object", "/api/booking?fields=id&filters=" + url.QueryEscape(`{"total.gte": 90}`), "1,5"},
		{"limit and order", "/api/booking?fields=id&order_by=-total&limit=1", "1"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodGet, tc.target, "t7", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %v", rec.Code, body)
			}
			if got := strings.Join(ids(t, body), ","); got != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, got)
			}
			if rec.Header().Get(handlers.RequestIDHeader) == "" {
				t.Error("expected a request id header")
			}
		})
	}
}

func TestRESTfulLifecycle(t *testing.T) {
	h := newRouter(t, handlers.Options{RequireAuthentication: true})

	rec, body := do(t, h, http.MethodGet, "/api/booking/2?fields=id,status", "t7", "")
	if rec.Code != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("unexpected get: %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/booking", "t7", `{"status": "pending", "total": 12.5, "owner": 7}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", rec.Code, body)
	}
	if body["id"] != float64(7) {
		t.Errorf("expected new id 7, got %v", body["id"])
	}

	rec, body = do(t, h, http.MethodPatch, "/api/booking/7", "t7", `{"status": "confirmed", "customer": {"id": 2}}`)
	if rec.Code != http.StatusOK || body["updated"] != true {
		t.Fatalf("unexpected edit: %d %v", rec.Code, body)
	}

	_, body = do(t, h, http.MethodGet, "/api/booking/7?fields=status,customer", "t7", "")
	if body["status"] != "confirmed" || body["customer"] != float64(2) {
		t.Errorf("edit not applied: %v", body)
	}

	rec, body = do(t, h, http.MethodDelete, "/api/booking/7", "t7", "")
	if rec.Code != http.StatusOK || body["deleted"] != true {
		t.Fatalf("unexpected delete: %d %v", rec.Code, body)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/booking/7", "t7", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected deleted record to be gone, got %d", rec.Code)
	}

	// another owner cannot see it either way
	rec, _ = do(t, h, http.MethodDelete, "/api/booking/1", "t8", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign record, got %d", rec.Code)
	}
}

func TestBodyRequests(t *testing.T) {
	h := newRouter(t, handlers.Options{RequireAuthentication: true})

	tt := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"inferred list", `{"_model": "booking", "__token": "t7", "fields": "id"}`, http.StatusOK, ""},
		{"inferred get", `{"_model": "Booking", "__token": "t7", "id": 2}`, http.StatusOK, ""},
		{"explicit action", `{"_model": "booking", "_action": "get", "__token": "t7", "id": 3}`, http.StatusNotFound, ""},
		{"unknown action", `{"_model": "booking", "_action": "purge", "__token": "t7"}`, http.StatusBadRequest, "Unknown action: purge"},
		{"missing model", `{"__token": "t7"}`, http.StatusNotFound, "Missing '_model' in request"},
		{"invalid json", `{"_model": `, http.StatusBadRequest, "Invalid JSON body"},
		{"empty body", ``, http.StatusBadRequest, "Invalid JSON body"},
		{"anonymous", `{"_model": "booking"}`, http.StatusUnauthorized, "Authentication required"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/api/", "", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %v", tc.status, rec.Code, body)
			}
			if tc.code != "" && body["error"] != tc.code {
				t.Errorf("expected error %q, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestAnonymousAccess(t *testing.T) {
	h := newRouter(t, handlers.Options{})

	rec, body := do(t, h, http.MethodGet, "/api/booking?fields=id,status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if got := strings.Join(ids(t, body), ","); got != "1,5" {
		t.Errorf("expected anonymous row scope, got %s", got)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/booking/1?fields=id", "", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for ungranted get, got %d", rec.Code)
	}
}

func TestFlatResponses(t *testing.T) {
	h := newRouter(t, handlers.Options{AlwaysHTTP200: true, RequireAuthentication: true})

	rec, body := do(t, h, http.MethodGet, "/api/booking?fields=id", "t7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status_code"] != float64(http.StatusOK) || body["success"] != true {
		t.Errorf("unexpected flat body %v", body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/booking/99", "t7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status_code"] != float64(http.StatusNotFound) || body["success"] != false {
		t.Errorf("unexpected flat body %v", body)
	}
}

func TestRateLimited(t *testing.T) {
	h := newRouter(t, handlers.Options{RequireAuthentication: true})

	for i := 0; i < 2; i++ {
		if rec, body := do(t, h, http.MethodGet, "/api/customer?fields=id", "t7", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %v", i, rec.Code, body)
		}
	}

	rec, body := do(t, h, http.MethodGet, "/api/customer?fields=id", "t7", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %v", rec.Code, body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if _, ok := body["retry_after"]; !ok {
		t.Errorf("expected retry_after in body, got %v", body)
	}

	// the quota is per caller
	if rec, _ := do(t, h, http.MethodGet, "/api/customer?fields=id", "t8", ""); rec.Code != http.StatusOK {
		t.Errorf("expected another caller to pass, got %d", rec.Code)
	}
}

func TestRoutingErrors(t *testing.T) {
	h := newRouter(t, handlers.Options{APIPath: "/flex", RequireAuthentication: true})

	tt := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"get on root", http.MethodGet, "/flex/", http.StatusBadRequest},
		{"unsupported method", http.MethodOptions, "/flex/booking", http.StatusBadRequest},
		{"bad filters param", http.MethodGet, "/flex/booking?filters=%7Bnope", http.StatusBadRequest},
		{"unknown entity", http.MethodGet, "/flex/spaceship", http.StatusForbidden},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, h, tc.method, tc.target, "t7", "")
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d: %v", tc.status, rec.Code, body)
			}
		})
	}
}

func TestTokenResolver(t *testing.T) {
	r := handlers.NewTokenResolver(map[string]config.Token{
		"abc": {ID: 4, Staff: true, Groups: []string{"clerk"}, Attrs: map[string]string{"tenant": "acme"}},
	}, true)

	req := httptest.NewRequest(http.MethodGet, "/api/booking", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	anon := r.Resolve(req, nil)
	if !anon.Anonymous() || anon.RemoteAddr != "203.0.113.9" {
		t.Errorf("unexpected anonymous identity %+v", anon)
	}

	id := r.Resolve(req, map[string]any{handlers.TokenField: "abc"})
	if id.Anonymous() || id.ID != int64(4) || !id.Staff || id.Groups[0] != "clerk" {
		t.Errorf("unexpected identity %+v", id)
	}
	if v, _ := id.Attr("tenant"); v != "acme" {
		t.Errorf("expected tenant claim, got %v", v)
	}

	req.Header.Set("Authorization", "Bearer nope")
	if id := r.Resolve(req, map[string]any{handlers.TokenField: "abc"}); !id.Anonymous() {
		t.Error("expected the header to take precedence over the body")
	}
}
