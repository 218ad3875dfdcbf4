package e2e

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/invoicehook/internal/account"
	"github.com/mattjoyce/invoicehook/internal/dispatch"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/log"
	"github.com/mattjoyce/invoicehook/internal/provider"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/signature"
	"github.com/mattjoyce/invoicehook/internal/sink"
	"github.com/mattjoyce/invoicehook/internal/storage"
	"github.com/mattjoyce/invoicehook/internal/subscription"
	"github.com/mattjoyce/invoicehook/internal/webhook"
)

const (
	issuer        = "https://api-v2.fattureincloud.it"
	clientsUpdate = "it.fattureincloud.webhooks.entities.clients.update"
	clientsDelete = "it.fattureincloud.webhooks.entities.clients.delete"
)

type pipeline struct {
	webhook  http.Handler
	disp     *dispatch.Dispatcher
	queue    *queue.Queue
	events   *ingest.Store
	sink     *sink.SQLSink
	acct     *account.ProviderAccount
	priv     *ecdsa.PrivateKey
	upstream *upstream
}

// upstream serves resources the way the provider API does.
type upstream struct {
	mu    sync.Mutex
	paths []string
	auth  []string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.paths = append(u.paths, r.URL.Path)
	u.auth = append(u.auth, r.Header.Get("Authorization"))
	u.mu.Unlock()

	id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"data":{"id":`+id+`,"name":"Client `+id+`"}}`)
}

func (u *upstream) requests() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	log.Setup("ERROR")
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "invoicehook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := &pipeline{
		queue:    queue.New(db),
		events:   ingest.NewStore(db),
		sink:     sink.NewSQLSink(db),
		upstream: &upstream{},
	}
	accounts := account.NewStore(db)
	subs := subscription.NewStore(db)

	p.acct, err = accounts.Upsert(ctx, account.ProviderAccount{TenantID: "t1", CompanyID: "42", AccessToken: "tok-42"})
	require.NoError(t, err)
	_, err = subs.Upsert(ctx, subscription.UpsertParams{
		AccountID:  p.acct.ID,
		EventGroup: "entity",
		ExternalID: "SUB1",
		Types:      []string{clientsUpdate, clientsDelete},
	})
	require.NoError(t, err)

	p.priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&p.priv.PublicKey)
	require.NoError(t, err)
	verifier, err := signature.NewVerifier(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), issuer)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(16)
	p.webhook = webhook.New(webhook.Config{MaxBodySize: 1 << 20}, webhook.Deps{
		Subscriptions: subs,
		Events:        p.events,
		Queue:         p.queue,
		Verifier:      verifier,
		Observer:      hub,
		Hub:           hub,
	}, logger).Handler()

	srv := httptest.NewServer(p.upstream)
	t.Cleanup(srv.Close)
	client, err := provider.New(provider.Options{BaseURL: srv.URL, HTTPClient: srv.Client(), Logger: logger})
	require.NoError(t, err)

	creds := account.StoreCredentials{Store: accounts}
	p.disp = dispatch.New(p.queue, accounts, creds, client, p.events, p.sink, dispatch.Options{}).WithHub(hub)
	return p
}

func (p *pipeline) deliver(t *testing.T, eventType, ceID string, ids ...string) *httptest.ResponseRecorder {
	t.Helper()
	now := time.Now().UTC()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    issuer,
		ID:        ceID,
		Subject:   "company/42",
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}).SignedString(p.priv)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"data": map[string]any{"ids": ids}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+p.acct.ID+"/entity", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("ce-specversion", "1.0")
	req.Header.Set("ce-id", ceID)
	req.Header.Set("ce-type", eventType)
	req.Header.Set("ce-source", issuer)
	req.Header.Set("ce-subject", "company/42")
	req.Header.Set("ce-time", now.Format(time.RFC3339))

	rr := httptest.NewRecorder()
	p.webhook.ServeHTTP(rr, req)
	return rr
}

func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		ran, err := p.disp.ProcessNext(ctx)
		require.NoError(t, err)
		if !ran {
			return
		}
	}
}

func TestEndToEndDeliveryReachesSink(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	rr := p.deliver(t, clientsUpdate, "ce-100", "7", "8")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	p.drain(t)

	assert.ElementsMatch(t, []string{"/c/42/entities/clients/7", "/c/42/entities/clients/8"}, p.upstream.requests())
	for _, h := range p.upstream.auth {
		assert.Equal(t, "Bearer tok-42", h)
	}
	for _, id := range []string{"7", "8"} {
		res, ok, err := p.sink.Get(ctx, p.acct.ID, "client", id)
		require.NoError(t, err)
		require.True(t, ok, "resource %s", id)
		assert.JSONEq(t, `{"id":`+id+`,"name":"Client `+id+`"}`, string(res.Payload))
	}

	rows, err := p.events.List(ctx, ingest.Filter{AccountID: p.acct.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, e := range rows {
		assert.Equal(t, ingest.StatusProcessed, e.Status)
	}

	depth, err := p.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestEndToEndRedeliveryIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.Equal(t, http.StatusAccepted, p.deliver(t, clientsUpdate, "ce-200", "7").Code)
	require.Equal(t, http.StatusAccepted, p.deliver(t, clientsUpdate, "ce-200", "7").Code)
	p.drain(t)

	rows, err := p.events.List(ctx, ingest.Filter{AccountID: p.acct.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	res, ok, err := p.sink.Get(ctx, p.acct.ID, "client", "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, res.Deleted)
}

func TestEndToEndDeleteSkipsFetch(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.Equal(t, http.StatusAccepted, p.deliver(t, clientsUpdate, "ce-300", "9").Code)
	p.drain(t)
	require.Len(t, p.upstream.requests(), 1)

	require.Equal(t, http.StatusAccepted, p.deliver(t, clientsDelete, "ce-301", "9").Code)
	p.drain(t)
	assert.Len(t, p.upstream.requests(), 1)

	res, ok, err := p.sink.Get(ctx, p.acct.ID, "client", "9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, res.Deleted)
}

func TestEndToEndRejectsForgedToken(t *testing.T) {
	p := newPipeline(t)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p.priv = other

	rr := p.deliver(t, clientsUpdate, "ce-400", "7")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	depth, err := p.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}
