package accountpool

import (
	"testing"
	"time"
)

func TestSelect_StickyReusesRecentlyUsedAccount(t *testing.T) {
	now := time.Now()
	recent := ms(now.Add(-5 * time.Second))
	a := acct("a@example.com")
	a.LastUsed = &recent
	b := acct("b@example.com")
	p := NewPool([]*Account{a, b}, DefaultSettings())
	p.ActiveIndex = 0

	sel := NewSelector(StrategySticky, StickyWindowMs)
	got, idx := sel.Select(p, "claude-sonnet-4-5", now)

	if got != a || idx != 0 {
		t.Errorf("expected sticky reuse of account a at index 0, got %+v idx %d", got, idx)
	}
}

func TestSelect_StickyRotatesAfterWindowExpires(t *testing.T) {
	now := time.Now()
	stale := ms(now.Add(-2 * time.Minute))
	a := acct("a@example.com")
	a.LastUsed = &stale
	b := acct("b@example.com")
	olderB := ms(now.Add(-3 * time.Minute))
	b.LastUsed = &olderB
	p := NewPool([]*Account{a, b}, DefaultSettings())
	p.ActiveIndex = 0

	sel := NewSelector(StrategySticky, StickyWindowMs)
	got, _ := sel.Select(p, "claude-sonnet-4-5", now)

	if got != b {
		t.Errorf("expected rotation to the least-recently-used account b, got %+v", got)
	}
}

func TestSelect_StickySkipsCurrentIfNowUnavailable(t *testing.T) {
	now := time.Now()
	recent := ms(now.Add(-5 * time.Second))
	a := acct("a@example.com")
	a.LastUsed = &recent
	future := ms(now.Add(time.Minute))
	a.ModelRateLimits = map[string]*RateLimitInfo{"m": {IsRateLimited: true, ResetTime: &future}}
	b := acct("b@example.com")
	p := NewPool([]*Account{a, b}, DefaultSettings())
	p.ActiveIndex = 0

	sel := NewSelector(StrategySticky, StickyWindowMs)
	got, _ := sel.Select(p, "m", now)

	if got != b {
		t.Errorf("expected fallback to b since a is rate-limited, got %+v", got)
	}
}

func TestSelect_RoundRobinAdvancesFromActiveIndex(t *testing.T) {
	now := time.Now()
	a := acct("a@example.com")
	b := acct("b@example.com")
	c := acct("c@example.com")
	p := NewPool([]*Account{a, b, c}, DefaultSettings())
	p.ActiveIndex = 0

	sel := NewSelector(StrategyRoundRobin, StickyWindowMs)
	got, idx := sel.Select(p, "m", now)

	if got != b || idx != 1 {
		t.Errorf("expected round-robin to pick b at index 1, got %+v idx %d", got, idx)
	}
}

func TestSelect_RoundRobinWrapsAndSkipsUnavailable(t *testing.T) {
	now := time.Now()
	future := ms(now.Add(time.Minute))
	a := acct("a@example.com")
	b := acct("b@example.com")
	b.ModelRateLimits = map[string]*RateLimitInfo{"m": {IsRateLimited: true, ResetTime: &future}}
	c := acct("c@example.com")
	c.IsInvalid = true
	p := NewPool([]*Account{a, b, c}, DefaultSettings())
	p.ActiveIndex = 2

	sel := NewSelector(StrategyRoundRobin, StickyWindowMs)
	got, idx := sel.Select(p, "m", now)

	if got != a || idx != 0 {
		t.Errorf("expected wraparound to a at index 0, got %+v idx %d", got, idx)
	}
}

func TestSelect_ReturnsNilWhenAllUnavailable(t *testing.T) {
	now := time.Now()
	a := acct("a@example.com")
	a.IsInvalid = true
	p := NewPool([]*Account{a}, DefaultSettings())

	sel := NewSelector(StrategySticky, StickyWindowMs)
	got, _ := sel.Select(p, "m", now)

	if got != nil {
		t.Errorf("expected nil when no account is available, got %+v", got)
	}
}

func TestSelect_ReturnsNilOnEmptyPool(t *testing.T) {
	p := NewPool(nil, DefaultSettings())
	sel := NewSelector(StrategySticky, StickyWindowMs)
	got, idx := sel.Select(p, "m", time.Now())
	if got != nil || idx != 0 {
		t.Errorf("expected nil, 0 on empty pool, got %+v, %d", got, idx)
	}
}

func TestSelect_ClearsExpiredCooldownsBeforeSelecting(t *testing.T) {
	now := time.Now()
	past := ms(now.Add(-time.Second))
	a := acct("a@example.com")
	a.ModelRateLimits = map[string]*RateLimitInfo{"m": {IsRateLimited: true, ResetTime: &past}}
	p := NewPool([]*Account{a}, DefaultSettings())

	sel := NewSelector(StrategySticky, StickyWindowMs)
	got, _ := sel.Select(p, "m", now)

	if got != a {
		t.Fatal("expected a to become available once its cooldown expired")
	}
	if a.ModelRateLimits["m"].IsRateLimited {
		t.Error("expected Select to have cleared the expired cooldown as a side effect")
	}
}

func TestNewSelector_DefaultsUnknownStrategyToSticky(t *testing.T) {
	sel := NewSelector(Strategy("bogus"), 0)
	if sel.strategy != StrategySticky {
		t.Errorf("expected default strategy sticky, got %s", sel.strategy)
	}
	if sel.stickyWindowMs != StickyWindowMs {
		t.Errorf("expected default sticky window, got %d", sel.stickyWindowMs)
	}
}
