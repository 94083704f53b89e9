// Package dispatcher implements the retry/failover loop (§4.5, §5): given an
// Anthropic request, it selects an account from the Pool, resolves its
// credential, translates and sends the request to Cloud Code, classifies
// the response, and retries across accounts, endpoints, and — as a last
// resort — model families on sustained quota exhaustion.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/clock"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/coreerrors"
	"github.com/poemonsense/antigravity-proxy-go/internal/credentials"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
	"github.com/poemonsense/antigravity-proxy-go/internal/store"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// maxWaitBeforeFallbackMs bounds how long a caller will sleep waiting for a
// rate-limited account to clear before giving up and trying a fallback
// model (or surfacing NoAccounts), mirroring the source's two-minute cutoff.
const maxWaitBeforeFallbackMs = 120_000

// Dispatcher owns the single critical section spanning account selection
// and mutation (§5's ordering guarantees) and the HTTP round trip to Cloud
// Code. It holds no account data of its own beyond the injected Pool.
type Dispatcher struct {
	pool     *accountpool.Pool
	selector *accountpool.Selector
	resolver *credentials.Resolver
	clk      clock.Clock
	cfg      *config.Config
	logger   *logging.Logger
	store    store.AccountStore

	httpClient *http.Client
	requests   *format.RequestConverter
	responses  *format.ResponseConverter
	streams    *format.StreamTranslator
}

// New builds a Dispatcher over its collaborators.
func New(
	pool *accountpool.Pool,
	selector *accountpool.Selector,
	resolver *credentials.Resolver,
	clk clock.Clock,
	cfg *config.Config,
	logger *logging.Logger,
	accountStore store.AccountStore,
	requests *format.RequestConverter,
	responses *format.ResponseConverter,
	streams *format.StreamTranslator,
) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		selector:   selector,
		resolver:   resolver,
		clk:        clk,
		cfg:        cfg,
		logger:     logger,
		store:      accountStore,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		requests:   requests,
		responses:  responses,
		streams:    streams,
	}
}

// attemptOutcome classifies how one account+endpoint attempt ended, so the
// outer loop knows whether to retry the same account, move to the next one,
// or sleep first.
type attemptOutcome struct {
	resp     *anthropic.MessagesResponse
	rawBody  io.ReadCloser // set only for a successful streaming attempt
	retryNow bool          // retry same account immediately (no penalty)
	sleepMs  int64         // sleep before the next attempt (same account)
	err      error
}

// SendMessage implements the non-streaming dispatch loop (§4.5).
func (d *Dispatcher) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, allowFallback bool) (*anthropic.MessagesResponse, error) {
	model := req.Model
	maxAttempts := d.cfg.MaxRetries
	if n := d.pool.Len() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acct, waitMs, err := d.pickAccount(model)
		if err != nil {
			return d.maybeFallback(ctx, req, allowFallback, err)
		}
		if acct == nil {
			if waitMs > maxWaitBeforeFallbackMs {
				return d.maybeFallback(ctx, req, allowFallback, &coreerrors.NoAccounts{AllRateLimited: true})
			}
			d.logger.Info("all accounts rate-limited, waiting", zap.Int64("wait_ms", waitMs), logging.Model(model))
			time.Sleep(time.Duration(waitMs+500) * time.Millisecond)
			attempt--
			continue
		}

		outcome := d.attemptAccount(ctx, acct, req, false)
		switch {
		case outcome.err == nil:
			d.pool.Lock()
			accountpool.TouchLastUsed(acct, d.clk.Now())
			d.pool.Unlock()
			d.persist(ctx)
			return outcome.resp, nil

		case isNonRetryableUpstream(outcome.err):
			d.persist(ctx)
			return nil, outcome.err

		case outcome.retryNow:
			attempt--
			continue

		case outcome.sleepMs > 0:
			time.Sleep(time.Duration(outcome.sleepMs) * time.Millisecond)
			d.persist(ctx)
			lastErr = outcome.err
			continue

		default:
			d.persist(ctx)
			lastErr = outcome.err
		}
	}

	if lastErr == nil {
		lastErr = &coreerrors.MaxRetries{Attempts: maxAttempts}
	}
	return d.maybeFallback(ctx, req, allowFallback, lastErr)
}

// StreamMessage establishes the upstream SSE connection (retrying across
// accounts/endpoints exactly as SendMessage does) and then hands the body to
// the StreamTranslator. A translator-side EmptyResponse triggers one whole
// new connection attempt, up to config.MaxEmptyResponseRetries times, since
// nothing has been written to the client yet at that point.
func (d *Dispatcher) StreamMessage(ctx context.Context, req *anthropic.MessagesRequest) (<-chan *anthropic.SSEEvent, <-chan error) {
	outEvents := make(chan *anthropic.SSEEvent, 100)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outEvents)
		defer close(outErrs)

		for emptyRetries := 0; ; emptyRetries++ {
			body, err := d.connectStream(ctx, req)
			if err != nil {
				outErrs <- err
				return
			}

			events, errs := d.streams.Translate(body, req.Model)
			drained := false
			for ev := range events {
				drained = true
				outEvents <- ev
			}
			body.Close()
			if streamErr, ok := <-errs; ok {
				if _, isEmpty := coreerrors.IsEmptyResponse(streamErr); isEmpty && !drained && emptyRetries < config.MaxEmptyResponseRetries {
					d.logger.Warn("empty stream response, retrying", logging.Model(req.Model))
					continue
				}
				outErrs <- streamErr
				return
			}
			return
		}
	}()

	return outEvents, outErrs
}

// connectStream runs the same account/endpoint retry loop as SendMessage but
// stops at the first successful HTTP response, returning its body unread.
func (d *Dispatcher) connectStream(ctx context.Context, req *anthropic.MessagesRequest) (io.ReadCloser, error) {
	model := req.Model
	maxAttempts := d.cfg.MaxRetries
	if n := d.pool.Len() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acct, waitMs, err := d.pickAccount(model)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			if waitMs > maxWaitBeforeFallbackMs {
				return nil, &coreerrors.NoAccounts{AllRateLimited: true}
			}
			time.Sleep(time.Duration(waitMs+500) * time.Millisecond)
			attempt--
			continue
		}

		outcome := d.attemptAccount(ctx, acct, req, true)
		switch {
		case outcome.err == nil:
			d.pool.Lock()
			accountpool.TouchLastUsed(acct, d.clk.Now())
			d.pool.Unlock()
			d.persist(ctx)
			return outcome.rawBody, nil
		case isNonRetryableUpstream(outcome.err):
			d.persist(ctx)
			return nil, outcome.err
		case outcome.retryNow:
			attempt--
			continue
		case outcome.sleepMs > 0:
			time.Sleep(time.Duration(outcome.sleepMs) * time.Millisecond)
			d.persist(ctx)
			lastErr = outcome.err
			continue
		default:
			d.persist(ctx)
			lastErr = outcome.err
		}
	}
	if lastErr == nil {
		lastErr = &coreerrors.MaxRetries{Attempts: maxAttempts}
	}
	return nil, lastErr
}

// isNonRetryableUpstream reports whether err is an Upstream failure the
// classifier has already marked non-retryable (e.g. a 400), which must fail
// the whole request immediately rather than cycle through every remaining
// account (§4.5).
func isNonRetryableUpstream(err error) bool {
	u, ok := coreerrors.IsUpstream(err)
	return ok && !u.Retryable
}

// pickAccount clears expired cooldowns and selects an account under the
// pool's lock, applying the selector's result per §5's mutate-under-lock
// rule. A nil account with waitMs>0 means every account is rate-limited.
func (d *Dispatcher) pickAccount(model string) (*accountpool.Account, int64, error) {
	now := d.clk.Now()
	d.pool.Lock()
	defer d.pool.Unlock()

	accountpool.ClearExpired(d.pool, now)
	if d.pool.Len() == 0 {
		return nil, 0, &coreerrors.NoAccounts{}
	}

	if shouldWait, waitMs := d.selector.ShouldWait(d.pool, model, now); shouldWait {
		return nil, waitMs, nil
	}

	acct, newIndex := d.selector.Select(d.pool, model, now)
	if acct == nil {
		return nil, 0, &coreerrors.NoAccounts{}
	}
	d.pool.ActiveIndex = newIndex
	return acct, 0, nil
}

// attemptAccount resolves credentials for acct and tries each configured
// endpoint in turn, retrying a single endpoint in place on capacity
// exhaustion (bounded by config.MaxCapacityRetries) before moving to the
// next endpoint. When keepBody is true (streaming) a 200 response's body is
// returned unread in rawBody.
func (d *Dispatcher) attemptAccount(ctx context.Context, acct *accountpool.Account, req *anthropic.MessagesRequest, keepBody bool) attemptOutcome {
	token, err := d.resolver.GetToken(ctx, acct)
	if err != nil {
		return d.classifyCredentialError(acct, err)
	}
	project, err := d.resolver.GetProject(ctx, acct, token)
	if err != nil {
		project = d.cfg.DefaultProjectID
	}

	isThinking := config.IsThinkingModel(req.Model)
	payload := buildCloudCodeRequest(req, project, d.requests)
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return attemptOutcome{err: fmt.Errorf("marshal cloud code request: %w", err)}
	}

	var lastErr error
	for _, endpoint := range d.cfg.EndpointFallbacks {
		capacityTier := 0
		for {
			outcome := d.sendOnce(ctx, token, req.Model, endpoint, payloadBytes, isThinking, keepBody, acct, &capacityTier)
			if outcome.err == nil {
				return outcome
			}
			if outcome.retryNow {
				if outcome.sleepMs > 0 {
					time.Sleep(time.Duration(outcome.sleepMs) * time.Millisecond)
				}
				lastErr = outcome.err
				continue
			}
			// RateLimited/AuthInvalid are account failures, not endpoint
			// failures: bypass the remaining endpoint fallbacks and let the
			// outer dispatch loop pick a different account instead (§4.5).
			if _, ok := coreerrors.IsRateLimited(outcome.err); ok {
				return outcome
			}
			if _, ok := coreerrors.IsAuthInvalid(outcome.err); ok {
				return outcome
			}
			lastErr = outcome.err
			break
		}
	}

	if lastErr == nil {
		lastErr = &coreerrors.Upstream{Message: "all endpoints failed"}
	}
	return attemptOutcome{err: lastErr}
}

// sendOnce issues a single HTTP round trip to one endpoint and classifies
// the outcome; it never loops on its own, leaving retry/backoff decisions
// to attemptAccount.
func (d *Dispatcher) sendOnce(ctx context.Context, token, model, endpoint string, payloadBytes []byte, isThinking, keepBody bool, acct *accountpool.Account, capacityTier *int) attemptOutcome {
	useStream := isThinking || keepBody
	accept := "application/json"
	path := "/v1internal:generateContent"
	if useStream {
		accept = "text/event-stream"
		path = "/v1internal:streamGenerateContent?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payloadBytes))
	if err != nil {
		return attemptOutcome{err: err}
	}
	for k, v := range buildHeaders(d.cfg, token, model, accept) {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return attemptOutcome{err: &coreerrors.AuthNetwork{Cause: err}}
	}

	if resp.StatusCode == http.StatusOK {
		if keepBody {
			return attemptOutcome{rawBody: resp.Body}
		}
		defer resp.Body.Close()
		if useStream {
			events, errs := d.streams.Translate(resp.Body, model)
			content, stopReason, usage := collectFromStream(events)
			if streamErr, ok := <-errs; ok {
				return attemptOutcome{err: streamErr}
			}
			if stopReason == "" {
				stopReason = "end_turn"
			}
			if len(content) == 0 {
				content = append(content, anthropic.ContentBlock{Type: "text"})
			}
			return attemptOutcome{resp: anthropic.NewMessagesResponse(anthropic.GenerateMessageID(), model, content, stopReason, usage)}
		}
		var raw map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return attemptOutcome{err: fmt.Errorf("decode cloud code response: %w", err)}
		}
		return attemptOutcome{resp: d.responses.Convert(decodeGoogleResponse(raw), model)}
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return d.classifyHTTPError(acct, model, resp.StatusCode, resp.Header, string(body), capacityTier)
}

// collectFromStream reassembles the content blocks, terminal stop reason,
// and usage a StreamTranslator's event sequence represents, accumulating
// each block's text/thinking/input_json deltas under its index. Used when a
// non-streaming request is actually served over Cloud Code's streaming
// endpoint (every thinking model) and the client still expects one unary
// MessagesResponse.
func collectFromStream(events <-chan *anthropic.SSEEvent) ([]anthropic.ContentBlock, string, *anthropic.Usage) {
	type accumulator struct {
		block     anthropic.ContentBlock
		jsonInput string
	}
	blocks := map[int]*accumulator{}
	var order []int
	var stopReason string
	var usage *anthropic.Usage

	for ev := range events {
		switch ev.Type {
		case anthropic.SSEEventContentBlockStart:
			if ev.ContentBlock != nil {
				blocks[ev.Index] = &accumulator{block: *ev.ContentBlock}
				order = append(order, ev.Index)
			}
		case anthropic.SSEEventContentBlockDelta:
			acc, ok := blocks[ev.Index]
			if !ok || ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				acc.block.Text += ev.Delta.Text
			case "thinking_delta":
				acc.block.Thinking += ev.Delta.Thinking
			case "signature_delta":
				acc.block.Signature = ev.Delta.Signature
			case "input_json_delta":
				acc.jsonInput += ev.Delta.PartialJSON
			}
		case anthropic.SSEEventMessageDelta:
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
		}
	}

	content := make([]anthropic.ContentBlock, 0, len(order))
	for _, idx := range order {
		acc := blocks[idx]
		if acc.block.Type == "tool_use" && acc.jsonInput != "" {
			acc.block.Input = json.RawMessage(acc.jsonInput)
		}
		content = append(content, acc.block)
	}
	return content, stopReason, usage
}

// classifyCredentialError maps a credentials.Resolver failure onto an
// attemptOutcome: permanent auth failures switch accounts, network failures
// retry after a short sleep.
func (d *Dispatcher) classifyCredentialError(acct *accountpool.Account, err error) attemptOutcome {
	if authInvalid, ok := coreerrors.IsAuthInvalid(err); ok {
		d.pool.Lock()
		accountpool.MarkInvalid(d.pool, acct.Email, authInvalid.Reason, d.clk.Now())
		d.pool.Unlock()
		return attemptOutcome{err: err}
	}
	return attemptOutcome{err: err, sleepMs: 1000}
}

// classifyHTTPError maps one Cloud Code HTTP failure onto an attemptOutcome
// and mutates the Pool's rate-limit ledger as a side effect where the
// response calls for it (§4.1, §4.5).
func (d *Dispatcher) classifyHTTPError(acct *accountpool.Account, model string, status int, headers http.Header, body string, capacityTier *int) attemptOutcome {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		if isPermanentAuthFailure(body) {
			d.pool.Lock()
			accountpool.MarkInvalid(d.pool, acct.Email, "token revoked: re-authentication required", d.clk.Now())
			d.pool.Unlock()
			d.resolver.Clear(acct.Email)
			return attemptOutcome{err: &coreerrors.AuthInvalid{Email: acct.Email, Reason: "token revoked"}}
		}
		return attemptOutcome{err: &coreerrors.Upstream{StatusCode: status, ErrorType: "auth_error", Retryable: true, Message: body}}

	case http.StatusTooManyRequests:
		resetMs := parseResetMs(headers, body)
		reason := classifyRateLimitReason(body, status)

		if isModelCapacityExhausted(body) && *capacityTier < config.MaxCapacityRetries {
			wait := resetMs
			if wait <= 0 {
				wait = backoffForTier(reasonModelCapacity, -1, *capacityTier, config.CapacityBackoffTiersMs, config.QuotaExhaustedBackoffTiersMs)
			}
			*capacityTier++
			return attemptOutcome{retryNow: true, sleepMs: wait}
		}

		if resetMs > 0 && resetMs < 1000 {
			return attemptOutcome{retryNow: true, sleepMs: resetMs}
		}

		tier := 0
		rung := 0
		if reason == reasonQuotaExhausted {
			tier = accountpool.QuotaTierFor(d.pool, acct.Email, model) + 1
			rung = tier - 1
		}
		backoff := backoffForTier(reason, resetMs, rung, config.CapacityBackoffTiersMs, config.QuotaExhaustedBackoffTiersMs)
		d.pool.Lock()
		accountpool.MarkRateLimited(d.pool, acct.Email, &backoff, model, tier, config.RateLimitDedupWindowMs, d.clk.Now())
		d.pool.Unlock()
		return attemptOutcome{err: &coreerrors.RateLimited{Email: acct.Email, Model: model, ResetMs: resetMs}}

	case http.StatusBadRequest:
		return attemptOutcome{err: &coreerrors.Upstream{StatusCode: status, ErrorType: "invalid_request_error", Retryable: false, Message: body}}

	case 503, 529:
		if isModelCapacityExhausted(body) && *capacityTier < config.MaxCapacityRetries {
			idx := *capacityTier
			if idx >= len(config.CapacityBackoffTiersMs) {
				idx = len(config.CapacityBackoffTiersMs) - 1
			}
			*capacityTier++
			return attemptOutcome{retryNow: true, sleepMs: config.CapacityBackoffTiersMs[idx]}
		}
		return attemptOutcome{err: &coreerrors.Upstream{StatusCode: status, ErrorType: "server_error", Retryable: true, Message: body}, sleepMs: 1000}

	default:
		if status >= 500 {
			return attemptOutcome{err: &coreerrors.Upstream{StatusCode: status, ErrorType: "server_error", Retryable: true, Message: body}, sleepMs: 1000}
		}
		return attemptOutcome{err: &coreerrors.Upstream{StatusCode: status, ErrorType: "api_error", Retryable: false, Message: body}}
	}
}

// maybeFallback retries the whole request under config's fallback model when
// allowFallback is set, cause is NoAccounts with every account rate-limited,
// and the failing model has one configured (§4.5).
func (d *Dispatcher) maybeFallback(ctx context.Context, req *anthropic.MessagesRequest, allowFallback bool, cause error) (*anthropic.MessagesResponse, error) {
	if !allowFallback {
		return nil, cause
	}
	if noAccounts, ok := coreerrors.IsNoAccounts(cause); !ok || !noAccounts.AllRateLimited {
		return nil, cause
	}
	fallbackModel, ok := config.GetFallbackModel(req.Model)
	if !ok {
		return nil, cause
	}
	d.logger.Warn("falling back to alternate model", logging.Model(req.Model), zap.String("fallback_model", fallbackModel), logging.Err(cause))
	fallbackReq := *req
	fallbackReq.Model = fallbackModel
	return d.SendMessage(ctx, &fallbackReq, false)
}

func (d *Dispatcher) persist(ctx context.Context) {
	if d.store == nil {
		return
	}
	if err := d.store.Save(ctx, d.pool); err != nil {
		d.logger.Warn("failed to persist account pool", logging.Err(err))
	}
}

// decodeGoogleResponse converts a loosely-typed decoded JSON body into the
// format package's strongly-typed response shape via a marshal round trip,
// tolerating the dual response/candidates wrapper shapes Cloud Code uses.
func decodeGoogleResponse(raw map[string]any) *format.GoogleResponse {
	data, err := json.Marshal(raw)
	if err != nil {
		return &format.GoogleResponse{}
	}
	var resp format.GoogleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return &format.GoogleResponse{}
	}
	return &resp
}

