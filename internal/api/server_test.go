package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/auth"
	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/pending"
	"deriv-bot-manager/internal/worker"
	"deriv-bot-manager/internal/worker/workertest"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore keeps records in memory; it is enough for the HTTP surface
type memStore struct {
	mu      sync.Mutex
	records map[string]lifecycle.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]lifecycle.Record)}
}

func (s *memStore) LoadActive(context.Context) ([]lifecycle.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lifecycle.Record
	for _, r := range s.records {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, identity string, f lifecycle.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[identity]
	if !ok {
		return nil
	}
	if f.IsRunning != nil {
		r.Counters.IsRunning = *f.IsRunning
	}
	if f.TradeLimit != nil {
		r.Counters.TradeLimit = *f.TradeLimit
	}
	s.records[identity] = r
	return nil
}

func (s *memStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identity)
	return nil
}

func (s *memStore) Create(_ context.Context, identity string, ref credentials.Reference, baseline worker.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[identity] = lifecycle.Record{Identity: identity, Credential: ref, Active: true, Counters: baseline}
	return nil
}

func (s *memStore) has(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[identity]
	return ok
}

type testEnv struct {
	server  *Server
	ctrl    *lifecycle.Controller
	store   *memStore
	factory *workertest.Factory
	cfg     *config.Config
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		PaymentConfig: config.PaymentConfig{
			Number:            "0700000000",
			Price:             "KES 500",
			HelpLink:          "https://t.me/help",
			WebhookSecret:     "whsec",
			ConfirmedStatuses: []string{"confirmed", "completed"},
		},
		AdminConfig: config.AdminConfig{
			Password:  "correct-horse",
			JWTSecret: "test-secret",
			TokenTTL:  time.Hour,
		},
		LifecycleConfig: config.LifecycleConfig{
			AmbiguityPolicy: config.AmbiguityLast,
			EphemeralPrefix: "User_",
			EphemeralDigits: 4,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := newMemStore()
	factory := workertest.NewFactory()
	ctrl, err := lifecycle.New(lifecycle.Deps{
		Store:         store,
		Pending:       pending.NewMemoryStore(time.Hour),
		Resolver:      credentials.NewResolver(credentials.MapSource{"DERIV_TOKEN_OPS": "tok-ops"}),
		WorkerFactory: factory.Func(),
	}, lifecycle.OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	t.Cleanup(func() { ctrl.Close(context.Background()) })

	authService, err := auth.NewService(cfg.AdminConfig)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}

	server := NewServer(ServerDeps{
		Config:    cfg,
		Lifecycle: ctrl,
		Auth:      authService,
		Gatherer:  prometheus.NewRegistry(),
	})
	return &testEnv{server: server, ctrl: ctrl, store: store, factory: factory, cfg: cfg}
}

func (e *testEnv) reconcile(t *testing.T) {
	t.Helper()
	if _, err := e.ctrl.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) adminToken(t *testing.T) map[string]string {
	t.Helper()
	w := e.do(http.MethodPost, "/api/admin/login", map[string]string{"password": "correct-horse"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp auth.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse login response: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + resp.AccessToken}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	if into != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, into); err != nil {
			t.Fatalf("Failed to parse data: %v", err)
		}
	}
	return env
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	if w := env.do(http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Expected health 200, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/ready", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected ready 503 before reconcile, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/track/123", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected track 503 before reconcile, got %d", w.Code)
	}

	env.reconcile(t)
	if w := env.do(http.MethodGet, "/ready", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Expected ready 200 after reconcile, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/metrics", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Expected metrics 200, got %d", w.Code)
	}
}

func TestSubscriberFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reconcile(t)

	w := env.do(http.MethodPost, "/api/pending", map[string]string{"token": "tok-A", "payment_ref": "MP1"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var staged struct {
		PendingID     string `json:"pending_id"`
		PaymentNumber string `json:"payment_number"`
	}
	decode(t, w, &staged)
	if !strings.HasPrefix(staged.PendingID, "User_") || staged.PaymentNumber != "0700000000" {
		t.Fatalf("Unexpected staging response %+v", staged)
	}

	admin := env.adminToken(t)
	w = env.do(http.MethodPost, "/api/admin/pending/"+staged.PendingID+"/approve", map[string]string{"identity": "user_123"}, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected approve 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.factory.Last("user_123"); got == nil || got.Secret != "tok-A" {
		t.Fatalf("Expected worker built with staged token, got %+v", got)
	}

	var st subscriberStatus
	w = env.do(http.MethodGet, "/api/track/123", nil, nil)
	decode(t, w, &st)
	if w.Code != http.StatusOK || st.ID != "****_123" || !st.Running || st.Matches != 1 {
		t.Fatalf("Unexpected track response %d %+v", w.Code, st)
	}
	if st.Connected == nil || !*st.Connected {
		t.Errorf("Expected connected worker, got %+v", st.Connected)
	}

	w = env.do(http.MethodPost, "/api/track/123/stop", nil, nil)
	decode(t, w, &st)
	if w.Code != http.StatusOK || st.Running {
		t.Errorf("Expected stopped worker, got %d %+v", w.Code, st)
	}

	w = env.do(http.MethodPost, "/api/track/123/limit", map[string]int{"limit": 5}, nil)
	decode(t, w, &st)
	if w.Code != http.StatusOK || st.TradeLimit != 5 {
		t.Errorf("Expected limit 5, got %d %+v", w.Code, st)
	}

	if w = env.do(http.MethodPost, "/api/track/123/limit", map[string]int{"limit": -1}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected negative limit rejected, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/track/123/start", nil, nil)
	decode(t, w, &st)
	if w.Code != http.StatusOK || !st.Running {
		t.Errorf("Expected running worker, got %d %+v", w.Code, st)
	}

	if w = env.do(http.MethodDelete, "/api/admin/workers/123", nil, admin); w.Code != http.StatusOK {
		t.Fatalf("Expected terminate 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := env.ctrl.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if env.store.has("user_123") {
		t.Error("Expected record deleted after terminate")
	}
	if w = env.do(http.MethodGet, "/api/track/123", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after terminate, got %d", w.Code)
	}
}

func TestStagePendingValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reconcile(t)

	if w := env.do(http.MethodPost, "/api/pending", map[string]string{"token": "   "}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected blank token rejected, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/pending", []byte("not json"), nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected malformed body rejected, got %d", w.Code)
	}
}

func TestTrackAmbiguity(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		wantStatus int
	}{
		{name: "last wins", policy: config.AmbiguityLast, wantStatus: http.StatusOK},
		{name: "reject", policy: config.AmbiguityReject, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *config.Config) { cfg.LifecycleConfig.AmbiguityPolicy = tt.policy })
			env.reconcile(t)
			ctx := context.Background()
			for _, id := range []string{"AAA111", "BBB111"} {
				if _, err := env.ctrl.Activate(ctx, id, credentials.Literal("tok-"+id), lifecycle.DefaultBaseline(), lifecycle.SourceAdmin); err != nil {
					t.Fatalf("Activate %s: %v", id, err)
				}
			}

			w := env.do(http.MethodGet, "/api/track/111", nil, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if strings.Contains(w.Body.String(), "AAA111") {
				t.Errorf("Public response leaked another identity: %s", w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"matches":2`) {
				t.Errorf("Expected match count in %s", w.Body.String())
			}

			w = env.do(http.MethodPost, "/api/admin/workers/111/stop", nil, env.adminToken(t))
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected admin %d, got %d", tt.wantStatus, w.Code)
			}
			var res adminResult
			decode(t, w, &res)
			if len(res.Candidates) != 2 {
				t.Errorf("Expected admin to see both candidates, got %+v", res)
			}
		})
	}
}

func TestPaymentWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reconcile(t)
	ctx := context.Background()

	id, err := env.ctrl.StagePending(ctx, credentials.Literal("tok-pay"), "MP9")
	if err != nil {
		t.Fatalf("StagePending: %v", err)
	}

	body, _ := json.Marshal(lifecycle.PaymentEvent{Reference: id, Status: "COMPLETED", Account: "user_pay"})

	if w := env.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{signatureHeader: "deadbeef"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected bad signature rejected, got %d", w.Code)
	}
	if env.factory.Built("user_pay") != 0 {
		t.Fatal("Worker built despite bad signature")
	}

	w := env.do(http.MethodPost, "/api/payments/webhook", body, map[string]string{signatureHeader: "sha256=" + signPayload("whsec", body)})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res lifecycle.PaymentResult
	decode(t, w, &res)
	if !res.Approved || res.Identity != "user_pay" {
		t.Errorf("Unexpected payment result %+v", res)
	}

	pendingBody, _ := json.Marshal(lifecycle.PaymentEvent{Reference: "User_0000", Status: "pending"})
	w = env.do(http.MethodPost, "/api/payments/webhook", pendingBody, map[string]string{signatureHeader: signPayload("whsec", pendingBody)})
	decode(t, w, &res)
	if w.Code != http.StatusOK || !res.Ignored {
		t.Errorf("Expected unconfirmed status ignored, got %d %+v", w.Code, res)
	}
}

func TestPaymentWebhook_NotConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.PaymentConfig.WebhookSecret = "" })
	if w := env.do(http.MethodPost, "/api/payments/webhook", []byte("{}"), nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without secret, got %d", w.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reconcile(t)

	if w := env.do(http.MethodGet, "/api/admin/workers", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/admin/login", map[string]string{"password": "wrong"}, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong password, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/admin/workers", nil, env.adminToken(t)); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", w.Code)
	}
}

func TestAdminPendingAndIndirectStaging(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reconcile(t)
	admin := env.adminToken(t)

	w := env.do(http.MethodPost, "/api/admin/pending/indirect", map[string]string{"name": "DERIV_TOKEN_OPS"}, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var staged struct {
		PendingID string `json:"pending_id"`
	}
	decode(t, w, &staged)

	var list struct {
		Pending []pendingView `json:"pending"`
		Count   int           `json:"count"`
	}
	w = env.do(http.MethodGet, "/api/admin/pending", nil, admin)
	decode(t, w, &list)
	if list.Count != 1 || list.Pending[0].Kind != "indirect" || list.Pending[0].ID != staged.PendingID {
		t.Fatalf("Unexpected pending list %+v", list)
	}
	created, err := time.Parse(time.RFC3339, list.Pending[0].CreatedAt)
	if err != nil || time.Since(created) > time.Minute {
		t.Errorf("Expected a recent RFC3339 created_at, got %q (%v)", list.Pending[0].CreatedAt, err)
	}

	// Empty body approves under the ephemeral id
	w = env.do(http.MethodPost, "/api/admin/pending/"+staged.PendingID+"/approve", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected approve 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.factory.Last(staged.PendingID); got == nil || got.Secret != "tok-ops" {
		t.Errorf("Expected worker resolved from indirect name, got %+v", got)
	}

	if w = env.do(http.MethodPost, "/api/admin/pending/User_0000/approve", nil, admin); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown pending id, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("Expected burst to be allowed")
	}
	if rl.Allow("a") {
		t.Error("Expected third request to be limited")
	}
	if !rl.Allow("b") {
		t.Error("Expected separate bucket per key")
	}

	unlimited := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow("a") {
			t.Fatal("Expected zero rps to disable limiting")
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimitConfig = config.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1}
	})
	env.reconcile(t)

	if w := env.do(http.MethodGet, "/api/track/1", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected first request through, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/track/1", nil, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/health", nil, map[string]string{requestIDHeader: "abc"})
	if got := w.Header().Get(requestIDHeader); got != "abc" {
		t.Errorf("Expected request id echoed, got %q", got)
	}
	w = env.do(http.MethodGet, "/health", nil, nil)
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("Expected generated request id")
	}
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"reference":"User_1"}`)
	sig := signPayload("s", body)
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"plain hex", sig, true},
		{"prefixed", "sha256=" + sig, true},
		{"wrong secret", signPayload("other", body), false},
		{"not hex", "zz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validSignature("s", body, tt.header); got != tt.want {
				t.Errorf("validSignature(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}
