package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/clock"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/credentials"
	"github.com/poemonsense/antigravity-proxy-go/internal/dispatcher"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
)

func newTestServer(t *testing.T, upstream string) *Server {
	t.Helper()
	pool := accountpool.NewPool([]*accountpool.Account{
		{Email: "a@example.com", Source: accountpool.SourceManual, APIKey: "k", ProjectID: "p"},
	}, accountpool.DefaultSettings())

	selector := accountpool.NewSelector(accountpool.StrategySticky, accountpool.StickyWindowMs)
	clk := clock.NewFixed(time.Now())
	resolver := credentials.New(logging.Nop(), clk, nil, nil, nil, nil, "default-project")
	cfg := config.Load()
	cfg.EndpointFallbacks = []string{upstream}

	signatures := format.NewSignatureCache()
	d := dispatcher.New(pool, selector, resolver, clk, cfg,
		logging.Nop(), nil,
		format.NewRequestConverter(signatures),
		format.NewResponseConverter(signatures),
		format.NewStreamTranslator(signatures, logging.Nop()),
	)

	return New(cfg, pool, d, logging.Nop())
}

func TestServer_HealthzIsUnauthenticated(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServer_V1RoutesRequireAPIKeyWhenConfigured(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid")
	srv.cfg.APIKey = "secret"

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an API key, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", "secret")
	srv.Engine().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid API key, got %d", rec2.Code)
	}
}

func TestServer_UnknownRouteReturns404Envelope(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode 404 body: %v", err)
	}
	if body.Type != "error" {
		t.Errorf("expected error envelope, got %+v", body)
	}
}

func TestServer_EndToEndMessageDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "hi there"}}}, "finishReason": "STOP"},
			},
		})
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL)

	reqBody := []byte(`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(reqBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
