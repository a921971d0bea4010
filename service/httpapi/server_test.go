package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"VBridge/module/bind/model"
	"VBridge/module/bind/store"
	"VBridge/module/policy"
	jwtsec "VBridge/tools/security"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const secret = "test-secret"

type fakeSessions struct {
	st   *store.Store
	list []model.Session
	ops  []int64
}

func (f *fakeSessions) Sessions() []model.Session { return f.list }

func (f *fakeSessions) AdminUnbind(ctx context.Context, chatID, op int64) (model.Binding, error) {
	f.ops = append(f.ops, op)
	return f.st.Unbind(ctx, chatID, strconv.FormatInt(op, 10))
}

func newTestServer(t *testing.T) (*Server, *store.Store, *fakeSessions) {
	t.Helper()
	st := store.New(nil)
	for i, id := range []string{"usr_aaaaaaaa-0000-4000-8000-000000000001", "usr_bbbbbbbb-0000-4000-8000-000000000002"} {
		if _, _, err := st.Bind(context.Background(), model.Binding{ChatID: int64(100 + i), WorldID: id, WorldName: "player" + strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sess := &fakeSessions{st: st, list: []model.Session{{GroupID: 1, ChatID: 5}, {GroupID: 2, ChatID: 6}}}
	return New(Config{JWTSecret: secret}, st, policy.NewRegistry(nil), sess), st, sess
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, _, err := jwtsec.Generate(jwtsec.DefaultOptions([]byte(secret)), subject, scopes)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func do(s *Server, method, path, tok, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, "GET", "/healthz", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"bindings":2`) {
		t.Fatalf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t)
	if w := do(s, "GET", "/api/bindings", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}
	if w := do(s, "GET", "/api/bindings", "garbage", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", w.Code)
	}
	other, _, _ := jwtsec.Generate(jwtsec.Options{Secret: []byte("other"), TTL: time.Hour, Issuer: "vbridge"}, "9", []string{"*"})
	if w := do(s, "GET", "/api/bindings", other, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token = %d", w.Code)
	}
	if w := do(s, "DELETE", "/api/bindings/100", token(t, "9", ScopeRead), ""); w.Code != http.StatusForbidden {
		t.Fatalf("read scope deleting = %d", w.Code)
	}
}

func TestBindingsEndpoints(t *testing.T) {
	s, st, sess := newTestServer(t)
	rd := token(t, "9", ScopeRead)

	w := do(s, "GET", "/api/bindings?q=player1", rd, "")
	var page struct {
		Total int             `json:"total"`
		Items []model.Binding `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].ChatID != 101 {
		t.Fatalf("search = %s", w.Body.String())
	}
	if w := do(s, "GET", "/api/bindings?page=0", rd, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("page 0 = %d", w.Code)
	}
	if w := do(s, "GET", "/api/bindings/100", rd, ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "player0") {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}
	if w := do(s, "GET", "/api/bindings/999", rd, ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", w.Code)
	}
	if w := do(s, "GET", "/api/bindings/abc", rd, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", w.Code)
	}

	wr := token(t, "9", "*")
	if w := do(s, "DELETE", "/api/bindings/100", wr, ""); w.Code != http.StatusOK {
		t.Fatalf("delete = %d %s", w.Code, w.Body.String())
	}
	if _, ok := st.LookupByChat(100); ok || len(sess.ops) != 1 || sess.ops[0] != 9 {
		t.Fatalf("unbind not applied, ops = %v", sess.ops)
	}
	if w := do(s, "DELETE", "/api/bindings/100", wr, ""); w.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", w.Code)
	}
}

func TestSessionsAndPolicy(t *testing.T) {
	s, _, _ := newTestServer(t)
	rd := token(t, "ops", ScopeRead)
	if w := do(s, "GET", "/api/sessions?group=2", rd, ""); !strings.Contains(w.Body.String(), `"total":1`) {
		t.Fatalf("sessions = %s", w.Body.String())
	}

	wr := token(t, "ops", ScopeRead, ScopeWrite)
	w := do(s, "PUT", "/api/groups/7/policy/verification_mode", wr, `{"value":"strict"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"verification_mode":"strict"`) {
		t.Fatalf("set = %d %s", w.Code, w.Body.String())
	}
	if w := do(s, "GET", "/api/groups/7/policy", rd, ""); !strings.Contains(w.Body.String(), `"verification_mode":"strict"`) {
		t.Fatalf("get policy = %s", w.Body.String())
	}
	if _, err := s.policies.Set(context.Background(), 3, "check_troll", "true"); err != nil {
		t.Fatal(err)
	}
	w = do(s, "GET", "/api/groups", rd, "")
	var groups struct {
		Total int              `json:"total"`
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &groups); err != nil || groups.Total != 2 ||
		groups.Items[0]["group_id"] != float64(3) || groups.Items[1]["group_id"] != float64(7) {
		t.Fatalf("groups = %s", w.Body.String())
	}
	if w := do(s, "PUT", "/api/groups/7/policy/colour", wr, `{"value":"blue"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown key = %d", w.Code)
	}
	if w := do(s, "PUT", "/api/groups/7/policy/timeout_seconds", wr, `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing value = %d", w.Code)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	s, st, _ := newTestServer(t)
	s.SetReadOnly(true)
	tok := token(t, "9", ScopeRead, ScopeWrite)

	if w := do(s, "DELETE", "/api/bindings/100", tok, ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("delete in read-only = %d", w.Code)
	}
	if _, ok := st.LookupByChat(100); !ok {
		t.Fatal("binding removed in read-only mode")
	}
	if w := do(s, "GET", "/api/bindings/100", tok, ""); w.Code != http.StatusOK {
		t.Fatalf("get in read-only = %d", w.Code)
	}

	s.SetReadOnly(false)
	if w := do(s, "DELETE", "/api/bindings/100", tok, ""); w.Code != http.StatusOK {
		t.Fatalf("delete after read-only = %d %s", w.Code, w.Body.String())
	}
}
