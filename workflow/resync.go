package workflow

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/models"
)

// ResyncedCampaign records one aggregate repair.
type ResyncedCampaign struct {
	CampaignId     int                   `json:"campaign_id"`
	PreviousAmount decimal.Decimal       `json:"previous_amount"`
	CurrentAmount  decimal.Decimal       `json:"current_amount"`
	Status         models.CampaignStatus `json:"status"`
}

// ResyncCampaignTotals recomputes campaign aggregates from the
// authoritative sum of SUCCESS donations. It repairs any drift left
// by a partially-failed credit and is idempotent: running it on a
// consistent campaign changes nothing. Pass nil to resync every
// campaign.
func (r *Reconciler) ResyncCampaignTotals(ctx context.Context, campaignId *int) ([]ResyncedCampaign, error) {
	var ids []int
	if campaignId != nil {
		ids = []int{*campaignId}
	} else {
		var err error
		ids, err = r.campaigns.ListCampaignIds(ctx)
		if err != nil {
			return nil, err
		}
	}

	var updated []ResyncedCampaign
	for _, id := range ids {
		campaign, err := r.campaigns.GetCampaign(ctx, id)
		if err != nil {
			return updated, err
		}
		authoritative, err := r.donations.SumSettledByCampaign(ctx, id)
		if err != nil {
			return updated, err
		}
		if campaign.CurrentAmount.Equal(authoritative) {
			continue
		}

		if err := r.campaigns.SetCurrentAmount(ctx, id, authoritative); err != nil {
			return updated, err
		}
		r.logger.WithFields(logrus.Fields{
			"campaign_id": id,
			"previous":    campaign.CurrentAmount,
			"current":     authoritative,
		}).Warn("campaign aggregate resynced")

		updated = append(updated, ResyncedCampaign{
			CampaignId:     id,
			PreviousAmount: campaign.CurrentAmount,
			CurrentAmount:  authoritative,
			Status:         campaign.Status,
		})
	}
	return updated, nil
}

// EndExpiredCampaigns flips APPROVED campaigns past their end date to
// ENDED. Called by the background sweep.
func (r *Reconciler) EndExpiredCampaigns(ctx context.Context) ([]int, error) {
	return r.campaigns.EndExpired(ctx)
}
