package permission_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xcono/flexql/permission"
)

const document = `
booking:
  exclude: [internal_notes]
  rate_limit: {default: 100, list: 20}
  staff: "*"
  guests: {}
  Authenticated:
    rows: {owner: $identity.id, tenant: $identity.tenant}
    fields: ["*", "customer.*"]
    filters: [status, status.in]
    order_by: "*"
    operations: [get, list]
    rate_limit: 30
  anon:
    rows: {public: true}
    fields: [id, title]
    ops: [list]
  broken:
    rows: everything
    ops: [list]
`

func TestParseConfig(t *testing.T) {
	cfg, err := permission.ParseConfig([]byte(document))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ec, ok := cfg.Entity("Booking")
	if !ok {
		t.Fatal("expected booking entity")
	}
	if !reflect.DeepEqual(ec.Exclude, []string{"internal_notes"}) {
		t.Errorf("unexpected exclude: %v", ec.Exclude)
	}
	if n, _ := ec.RateLimit.Limit("list"); n != 20 {
		t.Errorf("expected list quota 20, got %d", n)
	}
	if _, ok := ec.Roles["staff"].(permission.FullAccess); !ok {
		t.Errorf("expected full access for staff, got %T", ec.Roles["staff"])
	}
	if _, ok := ec.Roles["guests"].(permission.NoAccess); !ok {
		t.Errorf("expected no access for empty grant, got %T", ec.Roles["guests"])
	}

	auth, ok := ec.Roles["authenticated"].(permission.Explicit)
	if !ok {
		t.Fatalf("expected explicit grant for authenticated, got %T", ec.Roles["authenticated"])
	}
	if !reflect.DeepEqual(auth.Ops, []string{"get", "list"}) {
		t.Errorf("operations alias not honored: %v", auth.Ops)
	}
	if !reflect.DeepEqual(auth.OrderBy, []string{"*"}) {
		t.Errorf("unexpected order_by: %v", auth.OrderBy)
	}
	if n, _ := auth.RateLimit.Limit("edit"); n != 30 {
		t.Errorf("expected integer shorthand quota 30, got %d", n)
	}
}

func TestParseConfigIdentityBinding(t *testing.T) {
	cfg, err := permission.ParseConfig([]byte(document))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := permission.NewEngine(nil, 2)

	caller := &permission.Identity{ID: 7, Authenticated: true, Attrs: map[string]any{"tenant": "acme"}}
	d, err := e.Check(cfg, caller, "booking", "list", []string{"id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Rows.String(); got != "(owner exact 7 AND tenant exact acme)" {
		t.Errorf("unexpected rows: %s", got)
	}

	// a claim the caller lacks matches nothing
	d, err = e.Check(cfg, &permission.Identity{ID: 8, Authenticated: true}, "booking", "list", []string{"id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Rows.String(); got != "FALSE" {
		t.Errorf("expected match-nothing rows, got %s", got)
	}

	d, err = e.Check(cfg, nil, "booking", "list", []string{"id", "title"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Rows.String(); got != "public exact true" {
		t.Errorf("unexpected anon rows: %s", got)
	}

	broken := &permission.Identity{ID: 3, Authenticated: true, Groups: []string{"broken"}}
	d, err = e.Check(cfg, broken, "booking", "list", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Rows.String(); got != "FALSE" {
		t.Errorf("unrecognized rows value should match nothing, got %s", got)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"not yaml":     "booking: [",
		"unknown key":  "booking:\n  staff: {color: red}",
		"bad quota":    "booking:\n  rate_limit: lots",
		"bad field":    "booking:\n  staff: {fields: [1, 2]}",
		"bad row keys": "booking:\n  staff: {rows: {or: 1}}",
		"bad op quota": "booking:\n  rate_limit: {list: many}",
	} {
		if _, err := permission.ParseConfig([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := permission.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Exclude("booking"); !reflect.DeepEqual(got, []string{"internal_notes"}) {
		t.Errorf("unexpected exclude: %v", got)
	}

	if _, err := permission.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
