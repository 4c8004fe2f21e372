package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xcono/flexql/builder"
	"github.com/xcono/flexql/config"
	"github.com/xcono/flexql/permission"
	"github.com/xcono/flexql/store"
	"github.com/xcono/flexql/store/storetest"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	db, reg := storetest.Open(t)
	perms, err := permission.ParseConfig([]byte(`
booking:
  authenticated:
    rows: {owner: $identity.id}
    fields: [id, status]
    ops: [list]
`))
	if err != nil {
		t.Fatal(err)
	}

	settings := &config.Settings{
		APIPath:               "/flex",
		MaxRelationDepth:      2,
		RequireAuthentication: true,
		Tokens:                map[string]config.Token{"t7": {ID: 7}},
	}
	return NewHandler(settings, Deps{
		Registry:    reg,
		Store:       store.NewSQLStore(db, storetest.Driver, reg),
		Permissions: perms,
	})
}

func TestRoot(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var info map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	entities, _ := info["entities"].([]any)
	if len(entities) != 3 {
		t.Errorf("expected 3 entities, got %v", info["entities"])
	}
	endpoints, _ := info["endpoints"].(map[string]any)
	if _, ok := endpoints["GET /flex/{entity}"]; !ok {
		t.Errorf("expected endpoints under the api path, got %v", endpoints)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAPIRoute(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/flex/booking?fields=id,status", nil)
	req.Header.Set("Authorization", "Bearer t7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if results, _ := body["results"].(map[string]any); len(results) != 3 {
		t.Errorf("expected the three bookings of owner 7, got %v", body["results"])
	}
}

func TestCORS(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/flex/booking", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPatch) {
		t.Errorf("expected PATCH to be allowed, got %q", got)
	}
}

func TestMetrics(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/flex/booking?fields=id", nil)
	req.Header.Set("Authorization", "Bearer t7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `flexql_requests_total{action="list",code="OK_QUERY",entity="booking"}`) {
		t.Error("expected request counter for the served list")
	}
}

func TestRoleResolver(t *testing.T) {
	db, reg := storetest.Open(t)
	perms, err := permission.ParseConfig([]byte(`
booking:
  authenticated:
    rows: {owner: $identity.id}
    fields: [id, status]
    ops: [list]
  clerk:
    fields: [id, status]
    ops: [list]
`))
	if err != nil {
		t.Fatal(err)
	}

	confirmed := builder.Eq("status", "confirmed")
	var seen []string
	resolver := permission.RoleResolverFunc(func(identity *permission.Identity, entity string) (permission.Resolution, bool) {
		seen = append(seen, entity)
		return permission.Resolution{Role: "clerk", Rows: &confirmed}, true
	})

	settings := &config.Settings{
		APIPath:               "/flex",
		MaxRelationDepth:      2,
		RequireAuthentication: true,
		Tokens:                map[string]config.Token{"t7": {ID: 7}},
	}
	h := NewHandler(settings, Deps{
		Registry:     reg,
		Store:        store.NewSQLStore(db, storetest.Driver, reg),
		Permissions:  perms,
		RoleResolver: resolver,
	})

	req := httptest.NewRequest(http.MethodGet, "/flex/booking?fields=id,status", nil)
	req.Header.Set("Authorization", "Bearer t7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	results, _ := body["results"].(map[string]any)
	if len(results) != 2 || results["1"] == nil || results["5"] == nil {
		t.Errorf("expected the confirmed bookings from the resolver's rows, got %v", body["results"])
	}
	if len(seen) == 0 || seen[0] != "booking" {
		t.Errorf("expected the resolver to be consulted for booking, got %v", seen)
	}
}

func TestSettingsCapturedAtStart(t *testing.T) {
	prev := config.Get()
	t.Cleanup(func() { config.Set(prev) })

	h := newTestHandler(t)
	config.Set(&config.Settings{APIPath: "/other", MaxRelationDepth: 2})

	req := httptest.NewRequest(http.MethodGet, "/flex/booking?fields=id", nil)
	req.Header.Set("Authorization", "Bearer t7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected the startup api path to keep serving, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other/booking", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected replaced settings not to reach a running handler, got %d", rec.Code)
	}
}
