package accountpool

import "github.com/poemonsense/antigravity-proxy-go/internal/clock"

// PoolInvalidator adapts a Pool+Clock to the narrow MarkInvalid/ClearInvalid
// contract the Credential Resolver depends on (credentials.AccountInvalidator),
// taking the pool's mutex for each call the way the Dispatcher's own mutations do.
type PoolInvalidator struct {
	pool *Pool
	clk  clock.Clock
}

// NewPoolInvalidator builds a PoolInvalidator over pool.
func NewPoolInvalidator(pool *Pool, clk clock.Clock) *PoolInvalidator {
	return &PoolInvalidator{pool: pool, clk: clk}
}

// MarkInvalid implements credentials.AccountInvalidator.
func (p *PoolInvalidator) MarkInvalid(email, reason string) {
	p.pool.Lock()
	defer p.pool.Unlock()
	MarkInvalid(p.pool, email, reason, p.clk.Now())
}

// ClearInvalid implements credentials.AccountInvalidator.
func (p *PoolInvalidator) ClearInvalid(email string) {
	p.pool.Lock()
	defer p.pool.Unlock()
	ClearInvalid(p.pool, email)
}
