package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/clock"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/coreerrors"
	"github.com/poemonsense/antigravity-proxy-go/internal/credentials"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func manualAccount(email string) *accountpool.Account {
	return &accountpool.Account{
		Email:     email,
		Source:    accountpool.SourceManual,
		APIKey:    "test-key",
		ProjectID: "test-project",
	}
}

func newTestDispatcher(t *testing.T, endpoint string, accounts []*accountpool.Account) (*Dispatcher, *accountpool.Pool) {
	t.Helper()
	pool := accountpool.NewPool(accounts, accountpool.DefaultSettings())
	selector := accountpool.NewSelector(accountpool.StrategySticky, accountpool.StickyWindowMs)
	clk := clock.NewFixed(time.Now())
	resolver := credentials.New(logging.Nop(), clk, nil, nil, nil, nil, "default-project")
	cfg := config.Load()
	cfg.EndpointFallbacks = []string{endpoint}
	cfg.MaxRetries = 3

	signatures := format.NewSignatureCache()
	reqConv := format.NewRequestConverter(signatures)
	respConv := format.NewResponseConverter(signatures)
	streams := format.NewStreamTranslator(signatures, logging.Nop())

	d := New(pool, selector, resolver, clk, cfg, logging.Nop(), nil, reqConv, respConv, streams)
	return d, pool
}

func basicRequest() *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}
}

func TestSendMessage_SuccessOnFirstAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content":      map[string]any{"parts": []map[string]any{{"text": "hello there"}}},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 3, "candidatesTokenCount": 2},
		})
	}))
	defer server.Close()

	d, _ := newTestDispatcher(t, server.URL, []*accountpool.Account{manualAccount("a@example.com")})

	resp, err := d.SendMessage(context.Background(), basicRequest(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello there" {
		t.Errorf("unexpected response content: %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected end_turn, got %s", resp.StopReason)
	}
}

func TestSendMessage_FailsOverToSecondAccountOn429(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "ok"}}}, "finishReason": "STOP"},
			},
		})
	}))
	defer server.Close()

	d, pool := newTestDispatcher(t, server.URL, []*accountpool.Account{
		manualAccount("a@example.com"),
		manualAccount("b@example.com"),
	})
	pool.ActiveIndex = 0

	resp, err := d.SendMessage(context.Background(), basicRequest(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content[0].Text != "ok" {
		t.Errorf("expected successful fallback response, got %+v", resp.Content)
	}

	a := pool.ByEmail("a@example.com")
	if !accountpool.IsRateLimited(a, "claude-sonnet-4-5", time.Now()) {
		t.Error("expected account a to be marked rate-limited after its 429")
	}
}

func TestSendMessage_MarksAccountInvalidOnPermanentAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant: token revoked"}`))
	}))
	defer server.Close()

	d, pool := newTestDispatcher(t, server.URL, []*accountpool.Account{manualAccount("a@example.com")})

	_, err := d.SendMessage(context.Background(), basicRequest(), false)
	if err == nil {
		t.Fatal("expected an error when the only account's auth is permanently invalid")
	}
	// The first attempt surfaces AuthInvalid and marks the account; since the
	// pool now has zero selectable accounts, the retry loop's next pickAccount
	// call short-circuits with NoAccounts before AuthInvalid can be returned.
	if _, ok := coreerrors.IsNoAccounts(err); !ok {
		t.Errorf("expected NoAccounts once the sole account is excluded by its own invalidation, got %v (%T)", err, err)
	}
	if !pool.ByEmail("a@example.com").IsInvalid {
		t.Error("expected account marked invalid")
	}
}

func TestSendMessage_AllRateLimitedReturnsNoAccountsWithoutFallback(t *testing.T) {
	d, pool := newTestDispatcher(t, "http://unused.invalid", []*accountpool.Account{manualAccount("a@example.com")})
	future := time.Now().Add(10 * time.Minute).UnixMilli()
	pool.Accounts[0].ModelRateLimits = map[string]*accountpool.RateLimitInfo{
		"claude-sonnet-4-5": {IsRateLimited: true, ResetTime: &future},
	}

	_, err := d.SendMessage(context.Background(), basicRequest(), false)
	if err == nil {
		t.Fatal("expected an error when every account is rate-limited beyond the fallback-wait cutoff")
	}
	if n, ok := coreerrors.IsNoAccounts(err); !ok || !n.AllRateLimited {
		t.Errorf("expected NoAccounts{AllRateLimited:true}, got %v (%T)", err, err)
	}
}

func TestSendMessage_EmptyPoolReturnsNoAccounts(t *testing.T) {
	d, _ := newTestDispatcher(t, "http://unused.invalid", nil)

	_, err := d.SendMessage(context.Background(), basicRequest(), false)
	if _, ok := coreerrors.IsNoAccounts(err); !ok {
		t.Errorf("expected NoAccounts on an empty pool, got %v (%T)", err, err)
	}
}

func TestSendMessage_NonRetryableUpstreamFailsWithoutTryingOtherAccounts(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid argument"}`))
	}))
	defer server.Close()

	d, pool := newTestDispatcher(t, server.URL, []*accountpool.Account{
		manualAccount("a@example.com"),
		manualAccount("b@example.com"),
	})
	pool.ActiveIndex = 0

	_, err := d.SendMessage(context.Background(), basicRequest(), false)
	u, ok := coreerrors.IsUpstream(err)
	if !ok || u.Retryable {
		t.Fatalf("expected a non-retryable Upstream error, got %v (%T)", err, err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 upstream call for a non-retryable 400, got %d", calls)
	}
}

func TestAttemptAccount_RateLimitBypassesRemainingEndpoints(t *testing.T) {
	var secondEndpointCalls int
	rateLimited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
	}))
	defer rateLimited.Close()
	neverCalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondEndpointCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer neverCalled.Close()

	d, pool := newTestDispatcher(t, rateLimited.URL, []*accountpool.Account{manualAccount("a@example.com")})
	d.cfg.EndpointFallbacks = []string{rateLimited.URL, neverCalled.URL}

	outcome := d.attemptAccount(context.Background(), pool.Accounts[0], basicRequest(), false)
	if _, ok := coreerrors.IsRateLimited(outcome.err); !ok {
		t.Fatalf("expected a RateLimited outcome, got %v (%T)", outcome.err, outcome.err)
	}
	if secondEndpointCalls != 0 {
		t.Errorf("expected the rate-limited account not to be retried against the fallback endpoint, got %d calls", secondEndpointCalls)
	}
}

func TestClassifyHTTPError_QuotaExhaustedTierAdvancesAcrossRepeatedHits(t *testing.T) {
	d, pool := newTestDispatcher(t, "http://unused.invalid", []*accountpool.Account{manualAccount("a@example.com")})
	acct := pool.Accounts[0]
	body := `{"error":"quota_exhausted: daily limit reached"}`

	first := d.classifyHTTPError(acct, "claude-sonnet-4-5", http.StatusTooManyRequests, http.Header{}, body, new(int))
	if _, ok := coreerrors.IsRateLimited(first.err); !ok {
		t.Fatalf("expected RateLimited on first quota hit, got %v", first.err)
	}
	firstReset := *acct.ModelRateLimits["claude-sonnet-4-5"].ResetTime

	d.clk.(*clock.Fixed).Advance(time.Duration(config.QuotaExhaustedBackoffTiersMs[0]+1) * time.Millisecond)
	accountpool.ClearExpired(pool, d.clk.Now())

	second := d.classifyHTTPError(acct, "claude-sonnet-4-5", http.StatusTooManyRequests, http.Header{}, body, new(int))
	if _, ok := coreerrors.IsRateLimited(second.err); !ok {
		t.Fatalf("expected RateLimited on second quota hit, got %v", second.err)
	}
	secondReset := *acct.ModelRateLimits["claude-sonnet-4-5"].ResetTime

	if secondReset-firstReset <= config.QuotaExhaustedBackoffTiersMs[0] {
		t.Errorf("expected the second quota hit to back off by a later ladder tier than the first, first=%d second=%d", firstReset, secondReset)
	}
	if tier := accountpool.QuotaTierFor(pool, acct.Email, "claude-sonnet-4-5"); tier != 2 {
		t.Errorf("expected persisted quota tier 2 after two consecutive hits, got %d", tier)
	}
}
