// Package store persists the account pool (§6 wire format). FileStore is
// the default, process-local JSON file; RedisStore is an optional
// alternate backend for operators who already run Redis for other state.
package store

import (
	"context"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
)

// AccountStore loads and saves an account pool's persisted fields: the
// account list and the pool-wide settings. Runtime-only fields (cooldowns
// computed from rate limits) round-trip through the same struct and may be
// stale on Load: the Ledger's ClearExpired drops an entry whose ResetTime
// has passed, while an entry marked rate-limited with no ResetTime stays
// rate-limited.
type AccountStore interface {
	Load(ctx context.Context) (*accountpool.Pool, error)
	Save(ctx context.Context, pool *accountpool.Pool) error
}
