package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ridehub.io/internal/auth"
	"ridehub.io/internal/ids"
	"ridehub.io/internal/store/memory"
)

const testSecret = "test-secret-0123456789abcdef"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	svc     *auth.Service
	store   *memory.Store
}

func newTestService(t *testing.T, opts ...auth.ServiceOption) (*auth.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	hasher, err := auth.NewHasher(auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	tokens, err := auth.NewTokenManager(testSecret)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	svc, err := auth.NewService(store, hasher, tokens, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func newTestAPI(t *testing.T, opts ...auth.ServiceOption) *apiClient {
	t.Helper()

	svc, store := newTestService(t, opts...)
	api := New(svc, ReadyProbe{Store: store}, "test", WithRateLimit(1000, 1000))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		svc:     svc,
		store:   store,
	}
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) put(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPut, path, body, headers)
}

func (c *apiClient) register(name, email, password, role string) auth.Account {
	c.t.Helper()
	resp := c.post("/auth/register", map[string]any{
		"name":     name,
		"email":    email,
		"password": password,
		"role":     role,
	}, nil)
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[struct {
		Account auth.Account `json:"account"`
	}](c.t, resp).Account
}

func (c *apiClient) login(email, password string) string {
	c.t.Helper()
	resp := c.post("/auth/login", map[string]any{"email": email, "password": password}, nil)
	expectStatus(c.t, resp, http.StatusOK)
	payload := decode[loginResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) adminToken() string {
	c.t.Helper()
	if _, err := c.svc.EnsureAdmin(context.Background(), "Root", "root@ridehub.io", "rootpass1"); err != nil {
		c.t.Fatalf("EnsureAdmin: %v", err)
	}
	return c.login("root@ridehub.io", "rootpass1")
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRegisterLoginVerifyFlow(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/auth/register", map[string]any{
		"name":     "Alice",
		"email":    "alice@ridehub.io",
		"password": "s3cretpw",
		"role":     "renter",
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	raw := readBody(t, resp)
	if bytes.Contains(raw, []byte("password")) || bytes.Contains(raw, []byte("$2a$")) {
		t.Fatalf("registration response leaks credential material: %s", raw)
	}
	var created struct {
		Account auth.Account `json:"account"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Account.Role != auth.RoleOwner {
		t.Fatalf("expected renter alias to map to owner, got %q", created.Account.Role)
	}

	resp = api.post("/auth/login", map[string]any{"email": "alice@ridehub.io", "password": "s3cretpw"}, nil)
	expectStatus(t, resp, http.StatusOK)
	sess := decode[loginResponse](t, resp)
	if sess.Account.ID != created.Account.ID {
		t.Fatalf("login returned account %q, want %q", sess.Account.ID, created.Account.ID)
	}
	if d := time.Until(sess.ExpiresAt); d <= 23*time.Hour || d > 24*time.Hour {
		t.Fatalf("unexpected token lifetime: %v", d)
	}

	resp = api.get("/auth/verify", bearerHeader(sess.Token))
	expectStatus(t, resp, http.StatusOK)
	verified := decode[map[string]any](t, resp)
	if verified["valid"] != true || verified["role"] != "owner" {
		t.Fatalf("unexpected verify payload: %v", verified)
	}

	resp = api.get("/users/profile", bearerHeader(sess.Token))
	expectStatus(t, resp, http.StatusOK)
	profile := decode[map[string]any](t, resp)
	if profile["email"] != "alice@ridehub.io" {
		t.Fatalf("unexpected profile: %v", profile)
	}
	if _, leaked := profile["password_hash"]; leaked {
		t.Fatalf("profile leaks password hash")
	}
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@ridehub.io", "s3cretpw", "")

	resp := api.post("/auth/register", map[string]any{"name": "Eve", "email": "alice@ridehub.io", "password": "another1"}, nil)
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Kind != kindAlreadyExists {
		t.Fatalf("unexpected kind: %q", body.Kind)
	}

	cases := map[string]map[string]any{
		"admin role":     {"name": "Mallory", "email": "m@ridehub.io", "password": "s3cretpw", "role": "admin"},
		"unknown role":   {"name": "Mallory", "email": "m@ridehub.io", "password": "s3cretpw", "role": "superuser"},
		"short password": {"name": "Bob", "email": "b@ridehub.io", "password": "123"},
		"bad email":      {"name": "Bob", "email": "not-an-email", "password": "s3cretpw"},
		"missing name":   {"email": "b@ridehub.io", "password": "s3cretpw"},
		"unknown field":  {"name": "Bob", "email": "b@ridehub.io", "password": "s3cretpw", "balance": 100},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := api.post("/auth/register", body, nil)
			expectStatus(t, resp, http.StatusBadRequest)
			if got := decode[errorBody](t, resp); got.Kind != kindInvalidInput {
				t.Fatalf("unexpected kind: %q", got.Kind)
			}
		})
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")

	wrongPassword := api.post("/auth/login", map[string]any{"email": "alice@ridehub.io", "password": "nope-nope"}, nil)
	unknownEmail := api.post("/auth/login", map[string]any{"email": "ghost@ridehub.io", "password": "nope-nope"}, nil)

	if wrongPassword.StatusCode != http.StatusUnauthorized || unknownEmail.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401s, got %d and %d", wrongPassword.StatusCode, unknownEmail.StatusCode)
	}
	a, b := readBody(t, wrongPassword), readBody(t, unknownEmail)
	if !bytes.Equal(a, b) {
		t.Fatalf("login failure bodies differ:\n%s\n%s", a, b)
	}
}

func TestTokenFailuresShareOneResponse(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")
	token := api.login("alice@ridehub.io", "s3cretpw")

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	past, err := auth.NewTokenManager(testSecret, auth.WithClock(func() time.Time {
		return time.Now().Add(-48 * time.Hour)
	}))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	expired, err := past.Issue("someone", auth.RoleUser)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	headers := map[string]map[string]string{
		"missing":  nil,
		"scheme":   {"Authorization": "Basic " + token},
		"garbage":  bearerHeader("not.a.token"),
		"tampered": bearerHeader(tampered),
		"expired":  bearerHeader(expired.Value),
	}
	var reference []byte
	for name, h := range headers {
		resp := api.get("/auth/verify", h)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.StatusCode)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: expected WWW-Authenticate header", name)
		}
		if resp.Header.Get(requestIDHeader) == "" {
			t.Fatalf("%s: expected request id header", name)
		}
		body := readBody(t, resp)
		if reference == nil {
			reference = body
			continue
		}
		if !bytes.Equal(reference, body) {
			t.Fatalf("%s: body differs:\n%s\n%s", name, reference, body)
		}
	}
}

func TestRoleGateOnUserList(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@ridehub.io", "s3cretpw", "owner")
	owner := api.login("alice@ridehub.io", "s3cretpw")
	admin := api.adminToken()

	resp := api.get("/users", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/users", bearerHeader(owner))
	expectStatus(t, resp, http.StatusForbidden)
	if body := decode[errorBody](t, resp); body.Kind != kindForbidden {
		t.Fatalf("unexpected kind: %q", body.Kind)
	}

	resp = api.get("/users", bearerHeader(admin))
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Accounts []auth.Account `json:"accounts"`
	}](t, resp)
	if len(list.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(list.Accounts))
	}
}

func TestSelfOrAdminAccess(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")
	api.register("Bob", "bob@ridehub.io", "s3cretpw", "user")
	aliceToken := api.login("alice@ridehub.io", "s3cretpw")
	bobToken := api.login("bob@ridehub.io", "s3cretpw")
	admin := api.adminToken()

	resp := api.get("/users/"+alice.ID, bearerHeader(bobToken))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	for _, token := range []string{aliceToken, admin} {
		resp = api.get("/users/"+alice.ID, bearerHeader(token))
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = api.put("/users/"+alice.ID, map[string]any{"name": "Alice Liddell", "phone": "555-0100"}, bearerHeader(aliceToken))
	expectStatus(t, resp, http.StatusOK)
	if updated := decode[auth.Account](t, resp); updated.Name != "Alice Liddell" || updated.Phone != "555-0100" {
		t.Fatalf("profile not updated: %+v", updated)
	}

	resp = api.put("/users/"+alice.ID, map[string]any{"role": "admin"}, bearerHeader(aliceToken))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.put("/users/"+alice.ID, map[string]any{"name": "Hijacked"}, bearerHeader(bobToken))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/users/does-not-exist", bearerHeader(admin))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestChangePassword(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")
	token := api.login("alice@ridehub.io", "s3cretpw")

	resp := api.post("/auth/password", map[string]any{"current_password": "wrong-one", "new_password": "n3wsecret"}, bearerHeader(token))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.post("/auth/password", map[string]any{"current_password": "s3cretpw", "new_password": "s3cretpw"}, bearerHeader(token))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/auth/password", map[string]any{"current_password": "s3cretpw", "new_password": "n3wsecret"}, bearerHeader(token))
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.post("/auth/login", map[string]any{"email": "alice@ridehub.io", "password": "s3cretpw"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
	api.login("alice@ridehub.io", "n3wsecret")
}

func TestForgotPasswordDoesNotEnumerate(t *testing.T) {
	api := newTestAPI(t)
	api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")

	known := api.post("/auth/forgot-password", map[string]any{"email": "alice@ridehub.io"}, nil)
	unknown := api.post("/auth/forgot-password", map[string]any{"email": "ghost@ridehub.io"}, nil)
	if known.StatusCode != http.StatusAccepted || unknown.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202s, got %d and %d", known.StatusCode, unknown.StatusCode)
	}
	if a, b := readBody(t, known), readBody(t, unknown); !bytes.Equal(a, b) {
		t.Fatalf("bodies differ:\n%s\n%s", a, b)
	}

	resp := api.post("/auth/forgot-password", map[string]any{"email": "nope"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestKYCFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")
	aliceToken := api.login("alice@ridehub.io", "s3cretpw")
	admin := api.adminToken()
	submission := map[string]any{
		"id_type":       "passport",
		"id_number":     "P1234567",
		"license_photo": "https://cdn.ridehub.io/l.png",
		"live_photo":    "https://cdn.ridehub.io/f.png",
	}

	resp := api.post("/users/"+alice.ID+"/kyc/verify", nil, bearerHeader(admin))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/users/"+alice.ID+"/kyc", submission, bearerHeader(admin))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/users/"+alice.ID+"/kyc", submission, bearerHeader(aliceToken))
	expectStatus(t, resp, http.StatusOK)
	if acc := decode[auth.Account](t, resp); acc.KYC.Verified || acc.KYC.IDNumber != "P1234567" {
		t.Fatalf("unexpected kyc state: %+v", acc.KYC)
	}

	resp = api.post("/users/"+alice.ID+"/kyc/verify", nil, bearerHeader(aliceToken))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/users/"+alice.ID+"/kyc/verify", nil, bearerHeader(admin))
	expectStatus(t, resp, http.StatusOK)
	if acc := decode[auth.Account](t, resp); !acc.KYC.Verified {
		t.Fatalf("expected kyc verified")
	}
}

func TestDeletedAccountSessions(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		api := newTestAPI(t, auth.WithStrictSessions(true))
		alice := api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")
		token := api.login("alice@ridehub.io", "s3cretpw")
		if err := api.store.Delete(context.Background(), alice.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		resp := api.get("/users/profile", bearerHeader(token))
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	})

	t.Run("lenient", func(t *testing.T) {
		api := newTestAPI(t)
		alice := api.register("Alice", "alice@ridehub.io", "s3cretpw", "user")
		token := api.login("alice@ridehub.io", "s3cretpw")
		if err := api.store.Delete(context.Background(), alice.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		resp := api.get("/users/profile", bearerHeader(token))
		expectStatus(t, resp, http.StatusNotFound)
		resp.Body.Close()

		resp = api.get("/auth/verify", bearerHeader(token))
		expectStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	})
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["service"] != serviceName {
		t.Fatalf("unexpected health payload: %v", body)
	}

	resp = api.get("/readyz", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/nowhere", nil)
	expectStatus(t, resp, http.StatusNotFound)
	if body := decode[errorBody](t, resp); body.Kind != kindNotFound {
		t.Fatalf("unexpected kind: %q", body.Kind)
	}
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return io.ErrUnexpectedEOF }

func TestReadyReportsStoreOutage(t *testing.T) {
	svc, _ := newTestService(t)
	srv := httptest.NewServer(New(svc, ReadyProbe{Store: downStore{}}, "test").Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

// lookupCountingStore records how often accounts are fetched by id.
type lookupCountingStore struct {
	*memory.Store
	byID atomic.Int32
}

func (s *lookupCountingStore) FindByID(ctx context.Context, id string) (*auth.Account, error) {
	s.byID.Add(1)
	return s.Store.FindByID(ctx, id)
}

func TestMalformedAccountIDSkipsStore(t *testing.T) {
	store := &lookupCountingStore{Store: memory.New()}
	hasher, err := auth.NewHasher(auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	tokens, err := auth.NewTokenManager(testSecret)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	svc, err := auth.NewService(store, hasher, tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.EnsureAdmin(ctx, "Root", "root@ridehub.io", "rootpass1"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	sess, err := svc.Login(ctx, "root@ridehub.io", "rootpass1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	handler := New(svc, ReadyProbe{Store: store}, "test").Handler()

	call := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer "+sess.Token.Value)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	var bodies []string
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/users/not-an-id"},
		{http.MethodPut, "/users/not-an-id"},
		{http.MethodPost, "/users/not-an-id/kyc/verify"},
	} {
		rr := call(tc.method, tc.path)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d: %s", tc.method, tc.path, rr.Code, rr.Body.String())
		}
		bodies = append(bodies, rr.Body.String())
	}
	if n := store.byID.Load(); n != 0 {
		t.Fatalf("malformed ids reached the store %d times", n)
	}

	rr := call(http.MethodGet, "/users/"+ids.New())
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rr.Code)
	}
	if n := store.byID.Load(); n != 1 {
		t.Fatalf("expected one lookup for a well-formed id, got %d", n)
	}
	if rr.Body.String() != bodies[0] {
		t.Fatalf("malformed and unknown ids must answer alike:\n%s\n%s", bodies[0], rr.Body.String())
	}
}
