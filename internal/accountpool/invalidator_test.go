package accountpool

import (
	"testing"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/clock"
)

func TestPoolInvalidator_MarkAndClear(t *testing.T) {
	p := NewPool([]*Account{acct("a@example.com")}, DefaultSettings())
	clk := clock.NewFixed(time.Now())
	inv := NewPoolInvalidator(p, clk)

	inv.MarkInvalid("a@example.com", "refresh token revoked")
	a := p.ByEmail("a@example.com")
	if !a.IsInvalid || a.InvalidReason != "refresh token revoked" {
		t.Errorf("expected account marked invalid, got %+v", a)
	}

	inv.ClearInvalid("a@example.com")
	if a.IsInvalid {
		t.Error("expected account cleared")
	}
}

func TestPoolInvalidator_UnknownEmailIsNoop(t *testing.T) {
	p := NewPool([]*Account{acct("a@example.com")}, DefaultSettings())
	inv := NewPoolInvalidator(p, clock.NewFixed(time.Now()))

	inv.MarkInvalid("nobody@example.com", "x")

	if p.ByEmail("a@example.com").IsInvalid {
		t.Error("expected unrelated account to remain untouched")
	}
}
