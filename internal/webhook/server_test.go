package webhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/signature"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

const (
	testIssuer    = "https://api-v2.fattureincloud.it"
	testAccount   = "acct-1"
	clientsCreate = "it.fattureincloud.webhooks.entities.clients.create"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeSubs struct {
	mu      sync.Mutex
	active  map[string]*subscription.Subscription
	lookups []string
	err     error
}

func (f *fakeSubs) FindActive(_ context.Context, accountID, eventGroup string) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, eventGroup)
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.active[accountID+"/"+eventGroup]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return sub, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []ingest.NewEvent
	seen   map[string]bool
	err    error
}

func (f *fakeRecorder) CreatePending(_ context.Context, ev ingest.NewEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := ingest.DedupKey(ev.CEID, ev.EventType, ev.ResourceID, ev.OccurredAt)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	f.events = append(f.events, ev)
	return true, nil
}

// mockQueue is a mock implementation of JobQueuer for testing.
type mockQueue struct {
	mu   sync.Mutex
	reqs []queue.EnqueueRequest
	err  error
}

func (m *mockQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.reqs = append(m.reqs, req)
	return "job-123", nil
}

type observerFunc func(ctx context.Context, n events.Notification) error

func (f observerFunc) Accepted(ctx context.Context, n events.Notification) error { return f(ctx, n) }

type harness struct {
	server *Server
	subs   *fakeSubs
	events *fakeRecorder
	queue  *mockQueue
	priv   *ecdsa.PrivateKey
}

func newHarness(t *testing.T, cfg Config, withVerifier bool) *harness {
	t.Helper()
	h := &harness{
		subs: &fakeSubs{active: map[string]*subscription.Subscription{
			testAccount + "/entity": {ID: "sub-1", AccountID: testAccount, EventGroup: "entity", Active: true},
		}},
		events: &fakeRecorder{},
		queue:  &mockQueue{},
	}
	deps := Deps{Subscriptions: h.subs, Events: h.events, Queue: h.queue}
	if withVerifier {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		require.NoError(t, err)
		v, err := signature.NewVerifier(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), testIssuer)
		require.NoError(t, err)
		deps.Verifier = v.WithClock(func() time.Time { return testNow })
		h.priv = priv
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.server = New(cfg, deps, logger).WithClock(func() time.Time { return testNow })
	return h
}

func (h *harness) token(t *testing.T, jti, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		ID:        jti,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(testNow.Add(5 * time.Minute)),
	}).SignedString(h.priv)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}

func binaryRequest(path, eventType, ceID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if eventType != "" {
		req.Header.Set("ce-type", eventType)
	}
	req.Header.Set("ce-id", ceID)
	req.Header.Set("ce-subject", "company/42")
	req.Header.Set("ce-source", "https://api-v2.fattureincloud.it")
	req.Header.Set("ce-specversion", "1.0")
	req.Header.Set("ce-time", "2026-05-04T11:59:00Z")
	return req
}

func TestChallenge(t *testing.T) {
	h := newHarness(t, Config{}, true)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		body   string
	}{
		{
			name: "header",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/webhooks/acct-1/entity", nil)
				r.Header.Set("x-fic-verification-challenge", "abc<&>123")
				return r
			},
			status: http.StatusOK,
			body:   `{"verification":"abc<&>123"}`,
		},
		{
			name: "query parameter any case",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhooks/acct-1/entity?X-Fic-Verification-Challenge=q1", nil)
			},
			status: http.StatusOK,
			body:   `{"verification":"q1"}`,
		},
		{
			name: "missing",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhooks/acct-1/entity", nil)
			},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(tt.req())
			assert.Equal(t, tt.status, rr.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rr.Body.String())
			}
		})
	}
	assert.Empty(t, h.queue.reqs)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, Config{}, false)
	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		rr := h.do(httptest.NewRequest(method, "/webhooks/acct-1/entity", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, method)
	}
}

func TestNotification_BinaryAccepted(t *testing.T) {
	h := newHarness(t, Config{}, true)

	req := binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1,"2"]}}`)
	req.Header.Set("Authorization", "Bearer "+h.token(t, "ce-1", "company/42"))
	rr := h.do(req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"status":"accepted"}`, rr.Body.String())

	require.Len(t, h.events.events, 2)
	assert.Equal(t, "1", h.events.events[0].ResourceID)
	assert.Equal(t, ingest.ResourceClient, h.events.events[0].Mapping.ResourceType)
	assert.Equal(t, ingest.ActionCreate, h.events.events[0].Mapping.Action)
	assert.Equal(t, time.Date(2026, 5, 4, 11, 59, 0, 0, time.UTC), h.events.events[0].OccurredAt)

	require.Len(t, h.queue.reqs, 1)
	enq := h.queue.reqs[0]
	assert.Equal(t, queue.KindWebhookEvent, enq.Kind)
	assert.Equal(t, testAccount, enq.AccountID)
	job, err := queue.DecodeEventJob(enq.Payload)
	require.NoError(t, err)
	assert.Equal(t, clientsCreate, job.Type)
	assert.Equal(t, "ce-1", job.CorrelationID)
	assert.Equal(t, "entity", job.EventGroup)
	assert.Equal(t, []string{"1", "2"}, job.ResourceIDs)
}

func TestNotification_StructuredAccepted(t *testing.T) {
	h := newHarness(t, Config{}, false)

	body := `{"type":"` + clientsCreate + `","id":"ce-9","subject":"company/42","specversion":"1.0","data":{"ids":[7]}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/acct-1/entity", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/cloudevents+json; charset=utf-8")
	rr := h.do(req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.Len(t, h.events.events, 1)
	assert.Equal(t, "7", h.events.events[0].ResourceID)
	// No event time: it stays out of the dedup key and receipt time is stored.
	assert.True(t, h.events.events[0].OccurredAt.IsZero())
	assert.Equal(t, testNow, h.events.events[0].ReceivedAt)
}

func TestNotification_UntimedRedeliveryWithoutIDDeduplicated(t *testing.T) {
	h := newHarness(t, Config{}, false)
	now := testNow
	h.server.WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/acct-1/entity", strings.NewReader(`{"data":{"ids":[123]}}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("ce-type", clientsCreate)
		req.Header.Set("ce-specversion", "1.0")
		rr := h.do(req)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		now = now.Add(5 * time.Second)
	}
	assert.Len(t, h.events.events, 1)

	job, err := queue.DecodeEventJob(h.queue.reqs[1].Payload)
	require.NoError(t, err)
	assert.True(t, job.OccurredAt.IsZero())
}

func TestNotification_RedeliveryDeduplicated(t *testing.T) {
	h := newHarness(t, Config{}, false)
	for i := 0; i < 2; i++ {
		rr := h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`))
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	assert.Len(t, h.events.events, 1)
}

func TestNotification_InferredGroupFallback(t *testing.T) {
	h := newHarness(t, Config{}, false)

	rr := h.do(binaryRequest("/webhooks/acct-1/stale", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"stale", "entity"}, h.subs.lookups)

	job, err := queue.DecodeEventJob(h.queue.reqs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "entity", job.EventGroup)
}

func TestNotification_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		verifier bool
		req      func(h *harness) *http.Request
		setup    func(h *harness)
		status   int
	}{
		{
			name: "unknown subscription",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-2/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`)
			},
			status: http.StatusNotFound,
		},
		{
			name: "inferred group equals route group",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/products", "it.fattureincloud.webhooks.products.create", "ce-1", `{"data":{"ids":[1]}}`)
			},
			status: http.StatusNotFound,
		},
		{
			name: "missing type",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/entity", "", "ce-1", `{"data":{"ids":[1]}}`)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "malformed body",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":`)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "empty ids",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[]}}`)
			},
			status: http.StatusBadRequest,
		},
		{
			name:     "missing bearer token",
			verifier: true,
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`)
			},
			status: http.StatusUnauthorized,
		},
		{
			name:     "jti mismatch",
			verifier: true,
			req: func(h *harness) *http.Request {
				r := binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`)
				r.Header.Set("Authorization", "Bearer "+h.token(t, "ce-other", "company/42"))
				return r
			},
			status: http.StatusUnauthorized,
		},
		{
			name:     "subject mismatch",
			verifier: true,
			req: func(h *harness) *http.Request {
				r := binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`)
				r.Header.Set("Authorization", "Bearer "+h.token(t, "ce-1", "company/1"))
				return r
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "lookup failure",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`)
			},
			setup:  func(h *harness) { h.subs.err = errors.New("db down") },
			status: http.StatusInternalServerError,
		},
		{
			name: "persist failure",
			req: func(*harness) *http.Request {
				return binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`)
			},
			setup:  func(h *harness) { h.events.err = errors.New("db down") },
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, tt.verifier)
			if tt.setup != nil {
				tt.setup(h)
			}
			rr := h.do(tt.req(h))
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, h.events.events)
			assert.Empty(t, h.queue.reqs)
		})
	}
}

func TestNotification_EnqueueFailure(t *testing.T) {
	h := newHarness(t, Config{}, false)
	h.queue.err = errors.New("queue full")

	rr := h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestNotification_UnmappedTypeStillQueued(t *testing.T) {
	h := newHarness(t, Config{}, false)
	h.subs.active[testAccount+"/products"] = &subscription.Subscription{ID: "sub-2", AccountID: testAccount, EventGroup: "products", Active: true}

	rr := h.do(binaryRequest("/webhooks/acct-1/products", "it.fattureincloud.webhooks.products.create", "ce-1", `{"data":{"ids":[1]}}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, h.events.events)
	assert.Len(t, h.queue.reqs, 1)
}

func TestNotification_BodyTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxBodySize: 16}, false)

	rr := h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1,2,3,4,5]}}`))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, h.events.events)
}

func TestNotification_ObserverCannotAffectResponse(t *testing.T) {
	tests := []struct {
		name     string
		observer observerFunc
	}{
		{name: "error", observer: func(context.Context, events.Notification) error { return errors.New("push failed") }},
		{name: "panic", observer: func(context.Context, events.Notification) error { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, false)
			h.server.deps.Observer = tt.observer

			rr := h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`))
			assert.Equal(t, http.StatusAccepted, rr.Code)
			assert.Len(t, h.events.events, 1)
		})
	}
}

func TestNotification_ObserverReceivesNotification(t *testing.T) {
	h := newHarness(t, Config{}, false)
	var got events.Notification
	h.server.deps.Observer = observerFunc(func(_ context.Context, n events.Notification) error {
		got = n
		return nil
	})

	rr := h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1,2]}}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "job-123", got.JobID)
	assert.Equal(t, 2, got.Recorded)
	assert.Equal(t, "entity", got.EventGroup)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateWindow: time.Second}, false)
	now := testNow
	h.server.WithClock(func() time.Time { return now })

	rr := h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-1", `{"data":{"ids":[1]}}`))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-2", `{"data":{"ids":[2]}}`))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Len(t, h.events.events, 1)
	assert.Len(t, h.queue.reqs, 1)
	assert.Len(t, h.subs.lookups, 1)

	// The challenge path shares the limit.
	get := httptest.NewRequest(http.MethodGet, "/webhooks/acct-1/entity?x-fic-verification-challenge=v", nil)
	assert.Equal(t, http.StatusTooManyRequests, h.do(get).Code)

	// Another source is counted separately.
	other := binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-3", `{"data":{"ids":[3]}}`)
	other.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, http.StatusAccepted, h.do(other).Code)

	now = now.Add(time.Second)
	rr = h.do(binaryRequest("/webhooks/acct-1/entity", clientsCreate, "ce-4", `{"data":{"ids":[4]}}`))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestRateLimit_IgnoresForwardingHeadersByDefault(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateWindow: time.Second}, false)

	var codes []int
	for _, xff := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/acct-1/entity?x-fic-verification-challenge=v", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", xff)
		req.Header.Set("X-Real-IP", xff)
		codes = append(codes, h.do(req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestRateLimit_TrustProxyKeysOnForwardedAddress(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateWindow: time.Second, TrustProxy: true}, false)

	var codes []int
	for _, xff := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/acct-1/entity?x-fic-verification-challenge=v", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		req.Header.Set("X-Forwarded-For", xff)
		codes = append(codes, h.do(req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateWindow: time.Second}, false)
	for i := 0; i < 3; i++ {
		rr := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}
