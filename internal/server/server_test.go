package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blueprintkit/backend/internal/config"
	"github.com/blueprintkit/backend/internal/guard"
	"github.com/blueprintkit/backend/internal/obs"
	"github.com/blueprintkit/backend/internal/password"
	"github.com/blueprintkit/backend/internal/ratelimit"
	"github.com/blueprintkit/backend/internal/revocation"
	"github.com/blueprintkit/backend/internal/sessions"
	"github.com/blueprintkit/backend/internal/storage/memory"
	"github.com/blueprintkit/backend/internal/token"
)

const (
	testEmail    = "a@example.com"
	testPassword = "s3cret-passw0rd"
)

type testEnv struct {
	srv   *httptest.Server
	users *memory.Users
	mr    *miniredis.Miniredis
	cfg   *config.Config
}

func newTestEnv(t *testing.T, limits map[string]string) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		Env: "test",
		Server: config.Server{
			MaxBodyBytes: 1 << 20,
		},
		Auth: config.Auth{
			Secret:     "0123456789abcdef0123456789abcdef",
			AccessTTL:  30 * time.Minute,
			RefreshTTL: 168 * time.Hour,
			Issuer:     "backend-test",
			BcryptCost: password.MinCost,
			CookieName: "refresh_token",
			CookiePath: "/auth",
		},
		CORS: config.CORS{
			AllowedOrigins: []string{"https://app.example.com"},
		},
	}

	codec, err := token.NewCodec(token.Config{
		Secret: []byte(cfg.Auth.Secret),
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	hasher, err := password.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	users := memory.NewUsers()

	mgr, err := sessions.NewManager(codec, revocation.NewStore(client, "test"), users, hasher, sessions.Config{
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(nil), ratelimit.Config{
		Enabled:  len(limits) > 0,
		Default:  "1000/minute",
		PerRoute: limits,
	})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}

	registry := prometheus.NewRegistry()
	s := New(cfg, zap.NewNop(), obs.NewMetrics(registry), mgr, guard.New(mgr), limiter, users, registry)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, users: users, mr: mr, cfg: cfg}
}

func (e *testEnv) register(t *testing.T) {
	t.Helper()
	resp := e.postJSON(t, "/auth/register", map[string]string{
		"email":    testEmail,
		"username": "tester",
		"password": testPassword,
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
}

func (e *testEnv) login(t *testing.T) (accessToken string, refreshCookie *http.Cookie) {
	t.Helper()
	resp := e.postForm(t, "/auth/login", url.Values{
		"username": {testEmail},
		"password": {testPassword},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decodeBody(t, resp, &body)
	if body.AccessToken == "" || body.TokenType != "bearer" {
		t.Fatalf("unexpected login body: %+v", body)
	}
	for _, c := range resp.Cookies() {
		if c.Name == e.cfg.Auth.CookieName {
			refreshCookie = c
		}
	}
	if refreshCookie == nil {
		t.Fatal("no refresh cookie set")
	}
	return body.AccessToken, refreshCookie
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, bearer string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func (e *testEnv) postForm(t *testing.T, path string, values url.Values) *http.Response {
	t.Helper()
	resp, err := e.srv.Client().Post(e.srv.URL+path, "application/x-www-form-urlencoded",
		strings.NewReader(values.Encode()))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(raw)
}

func TestRegisterLoginMe(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	access, _ := e.login(t)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}

	var me struct {
		Email string   `json:"email"`
		Roles []string `json:"roles"`
	}
	decodeBody(t, resp, &me)
	if me.Email != testEmail {
		t.Errorf("email = %q", me.Email)
	}
	if len(me.Roles) != 1 || me.Roles[0] != "user" {
		t.Errorf("roles = %v", me.Roles)
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)

	// Duplicate email.
	resp := e.postJSON(t, "/auth/register", map[string]string{
		"email": testEmail, "password": testPassword,
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Short password.
	resp = e.postJSON(t, "/auth/register", map[string]string{
		"email": "b@example.com", "password": "short",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("short-password status = %d, want 422", resp.StatusCode)
	}

	// Missing fields.
	resp = e.postJSON(t, "/auth/register", map[string]string{"email": "c@example.com"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("missing-password status = %d, want 422", resp.StatusCode)
	}
}

func TestLoginFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)

	resp := e.postForm(t, "/auth/login", url.Values{
		"username": {testEmail},
		"password": {"wrong-password"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	var body struct {
		Detail string `json:"detail"`
	}
	decodeBody(t, resp, &body)
	if body.Detail != "invalid email or password" {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestLoginCookieAttributes(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	_, cookie := e.login(t)

	if !cookie.HttpOnly {
		t.Error("refresh cookie not HttpOnly")
	}
	if cookie.Path != "/auth" {
		t.Errorf("cookie path = %q", cookie.Path)
	}
	if cookie.MaxAge != int((168 * time.Hour).Seconds()) {
		t.Errorf("cookie max-age = %d", cookie.MaxAge)
	}
}

func TestMeUnauthorized(t *testing.T) {
	e := newTestEnv(t, nil)

	for name, header := range map[string]string{
		"no header":     "",
		"not bearer":    "Basic abc",
		"garbage token": "Bearer garbage",
	} {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/auth/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := e.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, resp.StatusCode)
		}
		if resp.Header.Get("WWW-Authenticate") != "Bearer" {
			t.Errorf("%s: missing WWW-Authenticate header", name)
		}
	}
}

func TestRefreshViaCookie(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	_, cookie := e.login(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/auth/refresh", nil)
	req.AddCookie(cookie)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, resp, &body)
	if body.AccessToken == "" {
		t.Error("no access token in refresh response")
	}
	// Cookie clients get the rotated token as a cookie only.
	if body.RefreshToken != "" {
		t.Error("refresh token leaked into body for cookie client")
	}

	var rotated *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == e.cfg.Auth.CookieName {
			rotated = c
		}
	}
	if rotated == nil {
		t.Fatal("no rotated cookie")
	}
	if rotated.Value == cookie.Value {
		t.Error("refresh token not rotated")
	}
}

func TestRefreshViaBody(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	_, cookie := e.login(t)

	resp := e.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": cookie.Value}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, resp, &body)
	// Body clients get the rotated token echoed back.
	if body.RefreshToken == "" || body.RefreshToken == cookie.Value {
		t.Errorf("rotated token missing or unrotated")
	}
}

func TestRefreshReuse(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	_, cookie := e.login(t)

	resp := e.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": cookie.Value}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first refresh status = %d", resp.StatusCode)
	}

	resp = e.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": cookie.Value}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused refresh status = %d, want 401", resp.StatusCode)
	}
}

func TestRefreshWithoutToken(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.postJSON(t, "/auth/refresh", map[string]string{}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestRefreshStoreDown(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	_, cookie := e.login(t)

	e.mr.Close()
	resp := e.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": cookie.Value}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	access, cookie := e.login(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	req.AddCookie(cookie)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	var cleared *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == e.cfg.Auth.CookieName {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Error("refresh cookie not cleared")
	}

	// The revoked refresh token cannot rotate.
	r2 := e.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": cookie.Value}, "")
	r2.Body.Close()
	if r2.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout refresh status = %d, want 401", r2.StatusCode)
	}

	// The access token rides out its natural lifetime.
	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	r3, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	r3.Body.Close()
	if r3.StatusCode != http.StatusOK {
		t.Errorf("post-logout me status = %d, want 200", r3.StatusCode)
	}
}

func TestLogoutRequiresAuth(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.postJSON(t, "/auth/logout", map[string]string{}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChangePassword(t *testing.T) {
	e := newTestEnv(t, nil)
	e.register(t)
	access, cookie := e.login(t)

	resp := e.postJSON(t, "/auth/change-password", map[string]string{
		"current_password": "wrong-password",
		"new_password":     "brand-new-passw0rd",
	}, access)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-current status = %d, want 401", resp.StatusCode)
	}

	resp = e.postJSON(t, "/auth/change-password", map[string]string{
		"current_password": testPassword,
		"new_password":     "brand-new-passw0rd",
	}, access)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change status = %d", resp.StatusCode)
	}

	// Old refresh chains die with the password.
	r2 := e.postJSON(t, "/auth/refresh", map[string]string{"refresh_token": cookie.Value}, "")
	r2.Body.Close()
	if r2.StatusCode != http.StatusUnauthorized {
		t.Errorf("stale refresh status = %d, want 401", r2.StatusCode)
	}

	// The new password logs in.
	r3 := e.postForm(t, "/auth/login", url.Values{
		"username": {testEmail},
		"password": {"brand-new-passw0rd"},
	})
	r3.Body.Close()
	if r3.StatusCode != http.StatusOK {
		t.Errorf("new-password login status = %d", r3.StatusCode)
	}
}

func TestRateLimiting(t *testing.T) {
	e := newTestEnv(t, map[string]string{"auth.login": "2/minute"})
	e.register(t)

	for i := 0; i < 2; i++ {
		resp := e.postForm(t, "/auth/login", url.Values{
			"username": {testEmail},
			"password": {testPassword},
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
	}

	resp := e.postForm(t, "/auth/login", url.Values{
		"username": {testEmail},
		"password": {testPassword},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("3rd request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", resp.Header.Get("X-RateLimit-Limit"))
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", resp.Header.Get("X-RateLimit-Remaining"))
	}
	if resp.Header.Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := e.srv.Client().Get(e.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("missing allow-origin for allowed origin")
	}

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("allow-origin set for disallowed origin")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := e.srv.Client().Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"bearer abc", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := bearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("bearerToken(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	if got := clientKey(r); got != "10.0.0.1" {
		t.Errorf("clientKey = %q, want 10.0.0.1", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientKey(r); got != "203.0.113.5" {
		t.Errorf("clientKey = %q, want 203.0.113.5", got)
	}
}
