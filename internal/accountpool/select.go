package accountpool

import "time"

// StickyWindowMs is the default coherence window (§4.3, §9): while the
// active account was used more recently than this, prefer it over rotating,
// so the upstream's session-keyed caches stay warm.
const StickyWindowMs = 60_000

// Strategy names the two selector policies SPEC_FULL.md §4.3 names.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
)

// Selector implements Select/ShouldWait (§4.3) for one configured Strategy
// and sticky window. It holds no state of its own beyond those two
// settings — all state lives in the Pool it is given.
type Selector struct {
	strategy       Strategy
	stickyWindowMs int64
}

// NewSelector builds a Selector. An empty/unknown strategy defaults to sticky.
func NewSelector(strategy Strategy, stickyWindowMs int64) *Selector {
	if strategy != StrategyRoundRobin {
		strategy = StrategySticky
	}
	if stickyWindowMs <= 0 {
		stickyWindowMs = StickyWindowMs
	}
	return &Selector{strategy: strategy, stickyWindowMs: stickyWindowMs}
}

// Select implements select(pool, model, now) from §4.3. It first clears
// expired cooldowns, then picks an account per the configured strategy.
// It never mutates Account.LastUsed or Pool.ActiveIndex — callers apply the
// returned newIndex themselves (the Dispatcher serializes that under the
// pool's mutex, per the "never mutate here" rule in step 5).
func (s *Selector) Select(p *Pool, model string, now time.Time) (account *Account, newIndex int) {
	ClearExpired(p, now)

	available := AvailableAccounts(p, model, now)
	if len(available) == 0 {
		return nil, p.ActiveIndex
	}

	if s.strategy == StrategyRoundRobin {
		return s.selectRoundRobin(p, available, now)
	}
	return s.selectSticky(p, available, now)
}

func (s *Selector) selectSticky(p *Pool, available []*Account, now time.Time) (*Account, int) {
	if p.ActiveIndex >= 0 && p.ActiveIndex < len(p.Accounts) {
		current := p.Accounts[p.ActiveIndex]
		if containsAccount(available, current) {
			age := now.UnixMilli() - current.lastUsedMs()
			if age < s.stickyWindowMs {
				return current, p.ActiveIndex
			}
		}
	}

	// Otherwise pick the available account with the smallest lastUsed
	// (nil counts as -infinity), tie-broken by original pool position.
	var best *Account
	bestIdx := -1
	for i, a := range p.Accounts {
		if !containsAccount(available, a) {
			continue
		}
		if best == nil || a.lastUsedMs() < best.lastUsedMs() {
			best = a
			bestIdx = i
		}
	}
	return best, bestIdx
}

func (s *Selector) selectRoundRobin(p *Pool, available []*Account, now time.Time) (*Account, int) {
	start := (p.ActiveIndex + 1) % len(p.Accounts)
	for i := 0; i < len(p.Accounts); i++ {
		idx := (start + i) % len(p.Accounts)
		a := p.Accounts[idx]
		if containsAccount(available, a) {
			return a, idx
		}
	}
	return nil, p.ActiveIndex
}

func containsAccount(list []*Account, a *Account) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

// ShouldWait implements should-wait(pool, model, now) from §4.3.
func (s *Selector) ShouldWait(p *Pool, model string, now time.Time) (shouldWait bool, waitMs int64) {
	return ShouldWait(p, model, now)
}
