package dispatcher

import (
	"net/http"
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
)

func TestParseResetMs_PrefersRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "30")
	if got := parseResetMs(h, ""); got != 30000 {
		t.Errorf("expected 30000ms, got %d", got)
	}
}

func TestParseResetMs_FallsBackToBodyQuotaResetDelay(t *testing.T) {
	body := `{"error": "quotaResetDelay: 45s"}`
	if got := parseResetMs(http.Header{}, body); got != 45000 {
		t.Errorf("expected 45000ms from body, got %d", got)
	}
}

func TestParseResetMs_NoHintReturnsNegativeOne(t *testing.T) {
	if got := parseResetMs(http.Header{}, "no hints here"); got != -1 {
		t.Errorf("expected -1 when no reset hint present, got %d", got)
	}
}

func TestParseResetMs_ZeroIsBumpedToFloor(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "0")
	if got := parseResetMs(h, ""); got != 500 {
		t.Errorf("expected a zero reset bumped to the 500ms floor, got %d", got)
	}
}

func TestClassifyRateLimitReason_StatusOverridesBody(t *testing.T) {
	if got := classifyRateLimitReason("anything", 503); got != reasonModelCapacity {
		t.Errorf("expected model capacity for 503, got %s", got)
	}
	if got := classifyRateLimitReason("anything", 500); got != reasonServerError {
		t.Errorf("expected server error for 500, got %s", got)
	}
}

func TestClassifyRateLimitReason_BodyKeywords(t *testing.T) {
	cases := map[string]rateLimitReason{
		"RESOURCE_EXHAUSTED: daily limit reached":    reasonQuotaExhausted,
		"MODEL_CAPACITY_EXHAUSTED for this region":   reasonModelCapacity,
		"rate_limit_exceeded, too many requests":     reasonRateLimitExceeded,
		"something entirely unrelated happened here": reasonUnknown,
	}
	for body, want := range cases {
		if got := classifyRateLimitReason(body, 429); got != want {
			t.Errorf("classifyRateLimitReason(%q) = %s, want %s", body, got, want)
		}
	}
}

func TestIsModelCapacityExhausted(t *testing.T) {
	if !isModelCapacityExhausted("error: model is currently overloaded") {
		t.Error("expected true for an overloaded-model message")
	}
	if isModelCapacityExhausted("unrelated error") {
		t.Error("expected false for an unrelated message")
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	if !isPermanentAuthFailure(`{"error":"invalid_grant: token revoked"}`) {
		t.Error("expected true for invalid_grant")
	}
	if isPermanentAuthFailure("transient network blip") {
		t.Error("expected false for an unrelated message")
	}
}

func TestBackoffForTier_PrefersServerGivenReset(t *testing.T) {
	if got := backoffForTier(reasonUnknown, 1234, 0, config.CapacityBackoffTiersMs, config.QuotaExhaustedBackoffTiersMs); got != 1234 {
		t.Errorf("expected server-given reset to win, got %d", got)
	}
}

func TestBackoffForTier_ClampsTierIndexToLadderEnd(t *testing.T) {
	capacityTiers := config.CapacityBackoffTiersMs
	got := backoffForTier(reasonModelCapacity, -1, 99, capacityTiers, config.QuotaExhaustedBackoffTiersMs)
	want := capacityTiers[len(capacityTiers)-1]
	if got != want {
		t.Errorf("expected clamped tier to return the ladder's last value %d, got %d", want, got)
	}
}

func TestBackoffForTier_RateLimitExceededGrowsExponentiallyAndCaps(t *testing.T) {
	first := backoffForTier(reasonRateLimitExceeded, -1, 0, nil, nil)
	second := backoffForTier(reasonRateLimitExceeded, -1, 1, nil, nil)
	if second <= first {
		t.Errorf("expected exponential growth, got %d then %d", first, second)
	}
	capped := backoffForTier(reasonRateLimitExceeded, -1, 20, nil, nil)
	if capped != 60000 {
		t.Errorf("expected backoff capped at 60000ms, got %d", capped)
	}
}
