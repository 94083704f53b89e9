// Package handlers implements the HTTP handlers mounted by internal/server.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
)

// HealthHandler reports pool-level status without touching upstream.
type HealthHandler struct {
	pool *accountpool.Pool
}

// NewHealthHandler builds a HealthHandler over pool.
func NewHealthHandler(pool *accountpool.Pool) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// Healthz handles GET /healthz with a bare liveness check.
func (h *HealthHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type accountSummary struct {
	Email    string `json:"email"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	LastUsed string `json:"lastUsed,omitempty"`
}

// Health handles GET /health with per-account detail, without making any
// upstream calls — quota introspection is deliberately out of scope here
// since it would require spending a request against every account.
func (h *HealthHandler) Health(c *gin.Context) {
	now := time.Now()

	h.pool.Lock()
	defer h.pool.Unlock()

	total := h.pool.Len()
	available := 0

	summaries := make([]accountSummary, 0, total)
	invalid := 0
	for _, acct := range h.pool.Accounts {
		s := accountSummary{Email: acct.Email}
		if acct.LastUsed != nil {
			s.LastUsed = time.UnixMilli(*acct.LastUsed).Format(time.RFC3339)
		}
		switch {
		case acct.IsInvalid:
			invalid++
			s.Status = "invalid"
			s.Error = acct.InvalidReason
		case anyModelRateLimited(acct, now):
			s.Status = "rate-limited"
		default:
			s.Status = "ok"
			available++
		}
		summaries = append(summaries, s)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": now.Format(time.RFC3339),
		"counts": gin.H{
			"total":     total,
			"available": available,
			"invalid":   invalid,
		},
		"accounts": summaries,
	})
}

// anyModelRateLimited reports whether acct currently has at least one
// model serving a live cooldown.
func anyModelRateLimited(acct *accountpool.Account, now time.Time) bool {
	nowMs := now.UnixMilli()
	for _, info := range acct.ModelRateLimits {
		if info.IsRateLimited && (info.ResetTime == nil || *info.ResetTime > nowMs) {
			return true
		}
	}
	return false
}
