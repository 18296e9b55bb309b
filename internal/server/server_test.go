package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/auth"
	"github.com/mihaimyh/goentitle/pkg/billing"
	billingwebhook "github.com/mihaimyh/goentitle/pkg/billing/webhook"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	promMetrics "github.com/mihaimyh/goentitle/pkg/goentitle/metrics/prometheus"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testWebhookSecret = "whsec_server_test"
	testUserID        = "u1"
)

var testJWTSecret = []byte("server-test-secret")

type testServer struct {
	handler http.Handler
	manager *goentitle.Manager
	ready   error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	provider, err := stripe.NewProvider(stripe.Config{
		StripeAPIKey:        "sk_test_server",
		StripeWebhookSecret: testWebhookSecret,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	manager, err := goentitle.NewManager(memory.New(), provider, &goentitle.Config{
		Metrics:    promMetrics.NewMetrics(reg, "goentitle_test"),
		BillingURL: "/settings/billing",
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	wh, err := billingwebhook.NewHandler(billingwebhook.Config{Client: provider, Processor: manager})
	require.NoError(t, err)
	apiHandler, err := api.NewHandler(api.Config{Manager: manager})
	require.NoError(t, err)
	verifier, err := auth.NewHMACVerifier(testJWTSecret, "", "")
	require.NoError(t, err)

	ts := &testServer{manager: manager}
	h, err := New(Options{
		Webhook:      wh,
		API:          apiHandler,
		Gate:         manager,
		Authenticate: auth.Middleware(verifier, auth.MiddlewareConfig{}),
		Ready:        func(context.Context) error { return ts.ready },
		Gatherer:     reg,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	ts.handler = h
	return ts
}

func (s *testServer) get(t *testing.T, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		token, err := auth.IssueToken(testJWTSecret, "", "", userID, "", time.Minute)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	return w
}

func signedCheckout(t *testing.T, principalID, subID string) ([]byte, string) {
	t.Helper()
	object, err := json.Marshal(map[string]interface{}{
		"id":           "cs_" + subID,
		"object":       "checkout.session",
		"mode":         "subscription",
		"customer":     "cus_" + principalID,
		"subscription": subID,
		"metadata": map[string]string{
			billing.MetadataPrincipalKind: "individual",
			billing.MetadataPrincipalID:   principalID,
		},
	})
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + subID,
		"object":      "event",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": "2025-08-27.basil",
		"data":        map[string]json.RawMessage{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	return signed.Payload, signed.Header
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.get(t, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, s.get(t, "/readyz", "").Code)

	s.ready = errors.New("store down")
	assert.Equal(t, http.StatusServiceUnavailable, s.get(t, "/readyz", "").Code)
}

func TestV1RequiresToken(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.get(t, "/v1/access", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.get(t, "/v1/entitlement", "").Code)
}

func TestWebhookGrantsAccess(t *testing.T) {
	s := newTestServer(t)
	_, err := s.manager.RegisterPrincipal(context.Background(), goentitle.NewIndividual(testUserID, ""))
	require.NoError(t, err)

	w := s.get(t, "/v1/access", testUserID)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var denial goentitle.DenialResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &denial))
	assert.Equal(t, goentitle.CodeSubscriptionRequired, denial.Code)
	assert.Equal(t, "/settings/billing", denial.RedirectTo)

	payload, header := signedCheckout(t, testUserID, "sub_server_1")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
	r.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"outcome":"applied"`)

	w = s.get(t, "/v1/access", testUserID)
	require.Equal(t, http.StatusOK, w.Code)
	var d goentitle.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.Allowed)

	w = s.get(t, "/v1/entitlement", testUserID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isEntitled":true`)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	payload, _ := signedCheckout(t, testUserID, "sub_server_2")

	r := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
	r.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, err := s.manager.RegisterPrincipal(context.Background(), goentitle.NewIndividual(testUserID, ""))
	require.NoError(t, err)
	s.get(t, "/v1/access", testUserID)

	w := s.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "goentitle_test_gate_decisions_total"))
}
