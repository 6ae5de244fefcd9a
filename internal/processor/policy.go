package processor

import (
	"time"

	"github.com/smallbiznis/shadowfiend/internal/config"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
)

// GracePolicy decides when an owed payer has exhausted its grace period.
// Each account level buys one Unit of grace; UnlimitedLevel is never reclaimed.
type GracePolicy struct {
	Unit           time.Duration
	UnlimitedLevel int
	AllowOweAction bool
}

func GracePolicyFrom(p config.ProcessorPolicy) GracePolicy {
	return GracePolicy{
		Unit:           p.GraceUnit,
		UnlimitedLevel: p.UnlimitedLevel,
		AllowOweAction: p.AllowOweAction,
	}
}

// Grace returns how long the account may stay owed.
func (g GracePolicy) Grace(level int) time.Duration {
	return time.Duration(level) * g.Unit
}

// ShouldReclaim reports whether the owed action must run for account at now.
func (g GracePolicy) ShouldReclaim(account ledgerdomain.Account, now time.Time) bool {
	if !account.Owed || account.OwedAt == nil {
		return false
	}
	if !g.AllowOweAction || account.Level == g.UnlimitedLevel {
		return false
	}
	return now.Sub(*account.OwedAt) > g.Grace(account.Level)
}
