package ise

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/jit-scheduler/internal/backend"
	"example.com/jit-scheduler/internal/model"
)

type fakeISE struct {
	mu          sync.Mutex
	rules       map[string]string // name -> id
	bodies      map[string]Rule   // id -> rule
	nextID      int
	created     []authorizationRequest
	deleted     []string
	failCreates int
	devices     map[string]bool
	commandSets []string
}

func newFakeISE() *fakeISE {
	return &fakeISE{
		rules:       map[string]string{"Default": "r-default"},
		bodies:      map[string]Rule{},
		devices:     map[string]bool{"10.0.0.1": true},
		commandSets: []string{"PermitAll", "ShowOnly"},
	}
}

func (f *fakeISE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	const authz = "/api/v1/policy/device-admin/policy-set/ps-1/authorization"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/policy/device-admin/policy-set":
		_, _ = io.WriteString(w, `{"response":[{"id":"ps-0","name":"Default"},{"id":"ps-1","name":"Jira RW"}]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/policy/device-admin/shell-profiles":
		_, _ = io.WriteString(w, `[{"id":"sp-1","name":"Default Shell Profile"},{"id":"sp-2","name":"RW Shell"}]`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/policy/device-admin/command-sets":
		var out []named
		for _, cs := range f.commandSets {
			out = append(out, named{ID: "cs-" + cs, Name: cs})
		}
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodGet && r.URL.Path == authz:
		var list authorizationList
		for name, id := range f.rules {
			list.Response = append(list.Response, authorizationEntry{Rule: named{ID: id, Name: name}})
		}
		_ = json.NewEncoder(w).Encode(list)
	case r.Method == http.MethodPost && r.URL.Path == authz:
		if f.failCreates > 0 {
			f.failCreates--
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"busy"}`)
			return
		}
		var req authorizationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rule.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.nextID++
		id := "r-" + string(rune('a'+f.nextID))
		f.rules[req.Rule.Name] = id
		f.bodies[id] = req.Rule
		f.created = append(f.created, req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": authorizationEntry{Rule: named{ID: id, Name: req.Rule.Name}}})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, authz+"/"):
		rule, ok := f.bodies[strings.TrimPrefix(r.URL.Path, authz+"/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"rule": rule}})
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, authz+"/"):
		id := strings.TrimPrefix(r.URL.Path, authz+"/")
		for name, rid := range f.rules {
			if rid == id {
				delete(f.rules, name)
				f.deleted = append(f.deleted, name)
				_, _ = io.WriteString(w, `{"code":200}`)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodGet && r.URL.Path == "/ers/config/networkdevice":
		ip := strings.TrimPrefix(r.URL.Query().Get("filter"), "ipaddress.EQ.")
		total := 0
		if f.devices[ip] {
			total = 1
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"SearchResult": map[string]any{"total": total}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeISE, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	cfg.Host = srv.URL
	cfg.Username = "admin"
	cfg.Password = "secret"
	if cfg.PolicySetName == "" {
		cfg.PolicySetName = "Jira RW"
	}
	if cfg.ShellProfileName == "" {
		cfg.ShellProfileName = "RW Shell"
	}
	if cfg.CommandSetNames == nil {
		cfg.CommandSetNames = []string{"PermitAll"}
	}
	cfg.RetryDelay = time.Millisecond
	return New(cfg, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var subjects = model.Subjects{
	Addresses: []string{"10.0.0.1", "10.0.0.2"},
	Identity:  model.Identity{Name: "Ada Lovelace"},
}

func TestVerifyPrerequisitesReportsMissing(t *testing.T) {
	c := newTestClient(t, newFakeISE(), Config{
		ShellProfileName: "Nope",
		CommandSetNames:  []string{"PermitAll", "Ghost"},
	})
	err := c.VerifyPrerequisites(context.Background())
	var pe *backend.PrerequisiteError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PrerequisiteError, got %v", err)
	}
	if len(pe.Missing) != 2 {
		t.Fatalf("expected shell profile and command set missing, got %v", pe.Missing)
	}
	if backend.IsTransient(err) {
		t.Fatal("missing prerequisites must not be retried")
	}
}

func TestCreateExistsDeleteRoundTrip(t *testing.T) {
	f := newFakeISE()
	c := newTestClient(t, f, Config{})
	ctx := context.Background()
	if err := c.VerifyPrerequisites(ctx); err != nil {
		t.Fatalf("prerequisites: %v", err)
	}

	if err := c.CreateRule(ctx, "jit_rw_override-NET-1", subjects); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.CreateRule(ctx, "jit_rw_override-NET-1", subjects); err != nil {
		t.Fatalf("repeated create must succeed: %v", err)
	}
	if len(f.created) != 1 {
		t.Fatalf("expected one POST, got %d", len(f.created))
	}
	req := f.created[0]
	if req.Profile != "RW Shell" || len(req.Commands) != 1 || req.Commands[0] != "PermitAll" {
		t.Fatalf("unexpected profile/commands: %+v", req)
	}

	ok, err := c.RuleExists(ctx, "jit_rw_override-NET-1")
	if err != nil || !ok {
		t.Fatalf("expected rule to exist, ok=%v err=%v", ok, err)
	}
	names, err := c.ListRules(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("expected two rules, got %v err=%v", names, err)
	}

	if err := c.DeleteRule(ctx, "jit_rw_override-NET-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.DeleteRule(ctx, "jit_rw_override-NET-1"); err != nil {
		t.Fatalf("repeated delete must succeed: %v", err)
	}
	if len(f.deleted) != 1 {
		t.Fatalf("expected one DELETE, got %v", f.deleted)
	}
}

func TestCreateRejectsExistingRuleForOtherSubjects(t *testing.T) {
	f := newFakeISE()
	c := newTestClient(t, f, Config{})
	ctx := context.Background()
	if err := c.CreateRule(ctx, "jit_rw_override-NET-9", subjects); err != nil {
		t.Fatalf("create: %v", err)
	}

	reordered := model.Subjects{Addresses: []string{"10.0.0.2", "10.0.0.1"}, Identity: model.Identity{FirstName: "Ada", LastName: "Lovelace"}}
	if err := c.CreateRule(ctx, "jit_rw_override-NET-9", reordered); err != nil {
		t.Fatalf("same grant in another order must succeed: %v", err)
	}

	other := model.Subjects{Addresses: []string{"10.9.9.9"}, Identity: model.Identity{Name: "Grace Hopper"}}
	err := c.CreateRule(ctx, "jit_rw_override-NET-9", other)
	var be *backend.Error
	if !errors.As(err, &be) || be.Transient {
		t.Fatalf("expected permanent backend error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Ada Lovelace") {
		t.Fatalf("error should name the existing grant: %v", err)
	}
	if len(f.created) != 1 {
		t.Fatalf("expected one POST, got %d", len(f.created))
	}
}

func TestGrantOfToleratesHostPrefixes(t *testing.T) {
	cond := Condition{ConditionType: "ConditionAndBlock", Children: []Condition{
		attribute("LLDAP", "givenname", "equals", "Ada"),
		attribute("LLDAP", "sn", "equals", "Lovelace"),
		attribute("Network Access", "Device IP Address", "ipEquals", "10.0.0.1/32"),
	}}
	want := grantOf(BuildRule("r", model.Subjects{Addresses: []string{"10.0.0.1"}, Identity: model.Identity{Name: "Ada Lovelace"}}).Condition)
	if got := grantOf(cond); !got.equal(want) {
		t.Fatalf("grantOf = %+v, want %+v", got, want)
	}
}

func TestCreateRetriesTransientFailures(t *testing.T) {
	f := newFakeISE()
	f.failCreates = 1
	c := newTestClient(t, f, Config{Retries: 1})
	if err := c.CreateRule(context.Background(), "jit_rw_override-NET-2", subjects); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	f.failCreates = 5
	err := c.CreateRule(context.Background(), "jit_rw_override-NET-3", subjects)
	var be *backend.Error
	if !errors.As(err, &be) || !be.Transient || be.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected transient 503 error, got %v", err)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := New(Config{Host: srv.URL, Retries: 3, RetryDelay: time.Millisecond}, srv.Client(), nil)
	err := c.VerifyPrerequisites(context.Background())
	if backend.IsTransient(err) {
		t.Fatalf("401 must be permanent, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestDeviceExists(t *testing.T) {
	c := newTestClient(t, newFakeISE(), Config{})
	ok, err := c.DeviceExists(context.Background(), "10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("expected device, ok=%v err=%v", ok, err)
	}
	ok, err = c.DeviceExists(context.Background(), "10.0.0.99")
	if err != nil || ok {
		t.Fatalf("expected no device, ok=%v err=%v", ok, err)
	}
}

func TestBuildRule(t *testing.T) {
	single := BuildRule("jit_rw_override-A", model.Subjects{
		Addresses: []string{"10.0.0.1"},
		Identity:  model.Identity{FirstName: "Grace", LastName: "Hopper"},
	})
	if single.Name != "jit_rw_override-A" || single.State != "enabled" {
		t.Fatalf("unexpected rule header %+v", single)
	}
	children := single.Condition.Children
	if len(children) != 3 || children[0].AttributeValue != "Grace" || children[1].AttributeValue != "Hopper" {
		t.Fatalf("unexpected identity conditions %+v", children)
	}
	if children[2].ConditionType != "ConditionAttributes" || children[2].AttributeValue != "10.0.0.1" {
		t.Fatalf("expected a single device condition, got %+v", children[2])
	}

	multi := BuildRule("jit_rw_override-B", subjects)
	last := multi.Condition.Children[2]
	if last.ConditionType != "ConditionOrBlock" || len(last.Children) != 2 {
		t.Fatalf("expected OR block over addresses, got %+v", last)
	}
	if multi.Condition.Children[0].AttributeValue != "Ada" || multi.Condition.Children[1].AttributeValue != "Lovelace" {
		t.Fatalf("expected display name split, got %+v", multi.Condition.Children[:2])
	}

	raw, err := json.Marshal(multi)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"link":null`) || !strings.Contains(string(raw), `"dictionaryValue":null`) {
		t.Fatalf("expected explicit nulls like the ISE schema, got %s", raw)
	}
}
