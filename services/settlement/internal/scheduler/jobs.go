package scheduler

import (
	"context"

	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
)

const (
	JobResolveAuctions   = "resolve_auctions"
	JobSweepReferrals    = "sweep_referrals"
	JobRollbackAbandoned = "rollback_abandoned"
)

type AuctionSweeper interface {
	ResolveExpiredAuctions(ctx context.Context) (auction.ResolutionSummary, error)
}

type PayoutSweeper interface {
	SweepStalledReferrals(ctx context.Context) (int, error)
	RollbackAbandoned(ctx context.Context) (int, error)
}

type Specs struct {
	ResolveAuctions   string
	SweepReferrals    string
	RollbackAbandoned string
}

func DefaultSpecs() Specs {
	return Specs{
		ResolveAuctions:   "*/30 * * * * *",
		SweepReferrals:    "0 */2 * * * *",
		RollbackAbandoned: "0 */5 * * * *",
	}
}

// Register schedules the settlement jobs on r.
func Register(r *Runner, specs Specs, auctions AuctionSweeper, payouts PayoutSweeper) error {
	if auctions != nil {
		err := r.Add(JobResolveAuctions, specs.ResolveAuctions, func(ctx context.Context) error {
			summary, err := auctions.ResolveExpiredAuctions(ctx)
			if summary.Scanned > 0 {
				r.logger.Info("auction sweep",
					"scanned", summary.Scanned,
					"resolved", summary.Resolved,
					"no_bids", summary.NoBids,
					"failed", summary.Failed,
				)
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	if payouts == nil {
		return nil
	}
	if err := r.Add(JobSweepReferrals, specs.SweepReferrals, func(ctx context.Context) error {
		n, err := payouts.SweepStalledReferrals(ctx)
		if n > 0 {
			r.logger.Info("redispatched stalled referral cascades", "count", n)
		}
		return err
	}); err != nil {
		return err
	}
	return r.Add(JobRollbackAbandoned, specs.RollbackAbandoned, func(ctx context.Context) error {
		n, err := payouts.RollbackAbandoned(ctx)
		if n > 0 {
			r.logger.Info("rolled back abandoned purchases", "count", n)
		}
		return err
	})
}
