// Package accountpool holds the Account/Pool data model (§3) and the pure
// Rate-Limit Ledger operations (§4.1) over it. The Ledger has no state of
// its own — every operation takes the Pool and the current time explicitly,
// so it can be exercised deterministically in tests without touching a
// real clock.
package accountpool

import (
	"sync"
	"time"
)

// AllModels is the explicit wildcard a caller must pass to mark-rate-limited
// when it genuinely means "every model." An empty string is never accepted
// silently — see SPEC_FULL.md §9.
const AllModels = "*"

// Source identifies how an Account's credential is obtained.
type Source string

const (
	SourceOAuth    Source = "oauth"
	SourceDatabase Source = "database"
	SourceManual   Source = "manual"
)

// RateLimitInfo is the per-model cooldown state for one Account.
type RateLimitInfo struct {
	IsRateLimited bool   `json:"isRateLimited"`
	ResetTime     *int64 `json:"resetTime,omitempty"` // absolute unix ms, never a duration

	// QuotaTier counts consecutive QUOTA_EXHAUSTED marks for this
	// account/model, surviving across cooldowns so the dispatcher's
	// QuotaExhaustedBackoffTiersMs ladder keeps advancing (60s/5m/30m/2h)
	// instead of resetting to its first rung every time. It changes only
	// when a MarkRateLimited call outside the dedup window passes a new
	// value; ClearExpired and ClearInvalid leave it as it is, and the
	// ledger itself never decrements it.
	QuotaTier int `json:"quotaTier,omitempty"`

	// MarkedAt is the unix ms timestamp this entry was last written, used
	// by MarkRateLimited's dedup window to collapse near-simultaneous
	// reports of the same underlying rate limit into one ledger update.
	MarkedAt int64 `json:"markedAt,omitempty"`
}

// Account is one credentialed identity in the pool.
type Account struct {
	Email        string `json:"email"`
	Source       Source `json:"source"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	AddedAt  int64  `json:"addedAt"`
	LastUsed *int64 `json:"lastUsed,omitempty"`

	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     *int64 `json:"invalidAt,omitempty"`

	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`
}

func (a *Account) rateLimitFor(model string) *RateLimitInfo {
	if a.ModelRateLimits == nil {
		return nil
	}
	return a.ModelRateLimits[model]
}

// lastUsedMs returns Account.LastUsed, treating a nil value as -infinity so
// unused accounts always sort first.
func (a *Account) lastUsedMs() int64 {
	if a.LastUsed == nil {
		return -1 << 62
	}
	return *a.LastUsed
}

// Settings holds the pool-wide tunables named in §3/§6.
type Settings struct {
	CooldownDurationMs int64 `json:"cooldownDurationMs"`
	MaxRetries         int   `json:"maxRetries"`
}

// DefaultSettings returns the spec's defaults (§6): a 60s cooldown and 5 retries.
func DefaultSettings() Settings {
	return Settings{CooldownDurationMs: 60_000, MaxRetries: 5}
}

// Pool is the ordered account list plus the round-robin cursor and settings.
// All mutation is expected to go through Dispatcher-serialized entry points;
// the mutex here only protects the slice/cursor/account fields themselves
// from concurrent access, not the broader "one request in flight" invariant.
type Pool struct {
	mu           sync.Mutex
	Accounts     []*Account `json:"accounts"`
	ActiveIndex  int        `json:"activeIndex"`
	Settings     Settings   `json:"settings"`
}

// NewPool builds a Pool, clamping ActiveIndex into range.
func NewPool(accounts []*Account, settings Settings) *Pool {
	p := &Pool{Accounts: accounts, Settings: settings}
	p.clampIndex()
	return p
}

func (p *Pool) clampIndex() {
	if len(p.Accounts) == 0 {
		p.ActiveIndex = 0
		return
	}
	if p.ActiveIndex < 0 || p.ActiveIndex >= len(p.Accounts) {
		p.ActiveIndex = 0
	}
}

// Lock and Unlock expose the pool's coarse mutex to the Dispatcher, which
// owns the single critical section spanning select+mutate (§5).
func (p *Pool) Lock()   { p.mu.Lock() }
func (p *Pool) Unlock() { p.mu.Unlock() }

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int { return len(p.Accounts) }

// ByEmail returns the account with the given email, or nil.
func (p *Pool) ByEmail(email string) *Account {
	for _, a := range p.Accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// ---- Ledger operations (§4.1) ----

// IsRateLimited implements is-rate-limited(account, model, now).
func IsRateLimited(a *Account, model string, now time.Time) bool {
	if a.IsInvalid {
		return true
	}
	if model == "" {
		return false
	}
	info := a.rateLimitFor(model)
	if info == nil || !info.IsRateLimited {
		return false
	}
	if info.ResetTime == nil {
		return true
	}
	return *info.ResetTime > now.UnixMilli()
}

// AvailableAccounts implements available-accounts(pool, model, now).
func AvailableAccounts(p *Pool, model string, now time.Time) []*Account {
	out := make([]*Account, 0, len(p.Accounts))
	for _, a := range p.Accounts {
		if !IsRateLimited(a, model, now) {
			out = append(out, a)
		}
	}
	return out
}

// ClearExpired implements clear-expired(pool, now), returning the count cleared.
func ClearExpired(p *Pool, now time.Time) int {
	cleared := 0
	nowMs := now.UnixMilli()
	for _, a := range p.Accounts {
		for _, info := range a.ModelRateLimits {
			if info.IsRateLimited && info.ResetTime != nil && *info.ResetTime <= nowMs {
				info.IsRateLimited = false
				info.ResetTime = nil
				cleared++
			}
		}
	}
	return cleared
}

// MarkRateLimited implements mark-rate-limited(pool, email, resetMs, model,
// quotaTier, dedupWindowMs, now). model must be non-empty; pass AllModels for
// "every model" explicitly. Returns false if email is unknown (pool left
// untouched).
//
// quotaTier is persisted onto the new entry as-is; callers that track
// QUOTA_EXHAUSTED streaks pass the incremented value, everyone else passes 0.
// dedupWindowMs collapses repeated marks that land within the window of the
// prior one (e.g. two in-flight requests against the same account/model both
// hitting a 429) into a single ledger write, so a dedup-window worth of
// duplicate reports doesn't advance quotaTier more than once per real event.
func MarkRateLimited(p *Pool, email string, resetMs *int64, model string, quotaTier int, dedupWindowMs int64, now time.Time) bool {
	if model == "" {
		panic("accountpool: MarkRateLimited requires a non-empty model (use accountpool.AllModels for all models)")
	}
	a := p.ByEmail(email)
	if a == nil {
		return false
	}
	nowMs := now.UnixMilli()
	if existing := a.rateLimitFor(model); existing != nil && existing.IsRateLimited && dedupWindowMs > 0 && nowMs-existing.MarkedAt < dedupWindowMs {
		return true
	}
	delta := p.Settings.CooldownDurationMs
	if delta <= 0 {
		delta = 60_000
	}
	if resetMs != nil {
		delta = *resetMs
	}
	reset := nowMs + delta
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	a.ModelRateLimits[model] = &RateLimitInfo{IsRateLimited: true, ResetTime: &reset, QuotaTier: quotaTier, MarkedAt: nowMs}
	return true
}

// QuotaTierFor returns the persisted consecutive-QUOTA_EXHAUSTED counter for
// email/model (0 if the account or model entry is unknown), letting the
// dispatcher read the current ladder position before bumping it and passing
// the new value back into MarkRateLimited.
func QuotaTierFor(p *Pool, email, model string) int {
	a := p.ByEmail(email)
	if a == nil {
		return 0
	}
	if info := a.rateLimitFor(model); info != nil {
		return info.QuotaTier
	}
	return 0
}

// MarkInvalid implements mark-invalid(pool, email, reason).
func MarkInvalid(p *Pool, email, reason string, now time.Time) bool {
	a := p.ByEmail(email)
	if a == nil {
		return false
	}
	a.IsInvalid = true
	a.InvalidReason = reason
	ms := now.UnixMilli()
	a.InvalidAt = &ms
	return true
}

// ClearInvalid implements clear-invalid(pool, email).
func ClearInvalid(p *Pool, email string) bool {
	a := p.ByEmail(email)
	if a == nil {
		return false
	}
	a.IsInvalid = false
	a.InvalidReason = ""
	a.InvalidAt = nil
	return true
}

// TouchLastUsed implements the Dispatcher's lastUsed:=now responsibility
// after a successful call (§4.3 step 5, §5 ordering guarantee b).
func TouchLastUsed(a *Account, now time.Time) {
	ms := now.UnixMilli()
	a.LastUsed = &ms
}

// MinWait implements min-wait(pool, model, now): the minimum time until any
// rate-limited account for model clears, floored at 0, defaulting to the
// pool's cooldown if no valid reset times are present.
func MinWait(p *Pool, model string, now time.Time) int64 {
	var min int64 = -1
	nowMs := now.UnixMilli()
	for _, a := range p.Accounts {
		if a.IsInvalid {
			continue
		}
		info := a.rateLimitFor(model)
		if info == nil || !info.IsRateLimited || info.ResetTime == nil {
			continue
		}
		wait := *info.ResetTime - nowMs
		if wait < 0 {
			wait = 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		if p.Settings.CooldownDurationMs > 0 {
			return p.Settings.CooldownDurationMs
		}
		return 60_000
	}
	return min
}

// ShouldWait implements should-wait(pool, model, now) from §4.3: true only
// when every account is unavailable solely due to rate limiting (none
// invalid), in which case waitMs is the min-wait.
func ShouldWait(p *Pool, model string, now time.Time) (shouldWait bool, waitMs int64) {
	if len(p.Accounts) == 0 {
		return false, 0
	}
	anyInvalid := false
	allUnavailable := true
	for _, a := range p.Accounts {
		if a.IsInvalid {
			anyInvalid = true
			continue
		}
		if !IsRateLimited(a, model, now) {
			allUnavailable = false
		}
	}
	if anyInvalid || !allUnavailable {
		return false, 0
	}
	return true, MinWait(p, model, now)
}

// IsAllRateLimited reports whether every non-invalid account is currently
// rate-limited for model. Invalid accounts are skipped, so a pool that is
// empty or holds only invalid accounts reports true.
func IsAllRateLimited(p *Pool, model string, now time.Time) bool {
	for _, a := range p.Accounts {
		if a.IsInvalid {
			continue
		}
		if !IsRateLimited(a, model, now) {
			return false
		}
	}
	return true
}
