package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/models"
	"github.com/fundraiseapp/fundraise_backend/utils"
)

const (
	defaultPollInterval = 3 * time.Second
	// defaultPollBudget bounds how long one donation is watched. A
	// donor who pays later is still picked up by an explicit poll
	// from the client.
	defaultPollBudget = 5 * time.Minute

	campaignSweepInterval = time.Hour
)

// SettlementPoller drives background reconciliation: a repeating,
// cancellable watch per pending donation and an hourly sweep that
// ends expired campaigns. Both call the same Reconciler routines the
// client-facing endpoints use, so overlapping attempts are safe.
type SettlementPoller struct {
	reconciler *Reconciler
	logger     *logrus.Logger
	interval   time.Duration
	budget     time.Duration
}

func NewSettlementPoller(reconciler *Reconciler, logger *logrus.Logger) *SettlementPoller {
	return &SettlementPoller{
		reconciler: reconciler,
		logger:     logger,
		interval:   defaultPollInterval,
		budget:     defaultPollBudget,
	}
}

// WatchDonation polls a donation until it settles, the wall-clock
// budget runs out, or ctx is cancelled. Stopping is cooperative: the
// stop conditions are checked once per tick, never mid-attempt.
// Intended to run in its own goroutine per payment request.
func (p *SettlementPoller) WatchDonation(ctx context.Context, donationId int) {
	deadline := time.Now().Add(p.budget)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			p.logger.WithField("donation_id", donationId).Info("settlement watch budget exhausted")
			return
		}

		result, err := p.reconciler.PollOnce(ctx, donationId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return
			}
			p.logger.WithField("donation_id", donationId).Warnf("poll attempt failed: %v", err)
			continue
		}
		if result.Credited {
			return
		}
		// A FAILED donation stays watched: the async path may still
		// find a valid transfer and settle it.
		if result.Donation != nil && result.Donation.PaymentStatus == models.PaymentStatusSuccess {
			return
		}
	}
}

// RunCampaignSweep ends expired campaigns on a fixed interval until
// ctx is cancelled. Runs once immediately on start.
func (p *SettlementPoller) RunCampaignSweep(ctx context.Context) {
	sweep := func() {
		ids, err := p.reconciler.EndExpiredCampaigns(ctx)
		if err != nil {
			p.logger.Warnf("campaign sweep failed: %v", err)
			return
		}
		if len(ids) > 0 {
			p.logger.WithField("campaign_ids", ids).Info("auto-ended expired campaigns")
		}
	}

	sweep()
	ticker := time.NewTicker(campaignSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
