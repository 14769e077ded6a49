package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/fundraiseapp/fundraise_backend/utils"
)

// Campaign is the fundraising aggregate the settlement workflow
// mutates. CurrentAmount is monotonically non-decreasing outside of
// the administrative resync; only the reconciliation workflow and the
// resync operation may write it.
type Campaign struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OwnerId       int             `gorm:"index" json:"owner_id"`
	Title         string          `gorm:"size:255;not null" json:"title"`
	GoalAmount    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"goal_amount"`
	CurrentAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_amount"`
	Status        CampaignStatus  `gorm:"size:16;index;default:'PENDING'" json:"status"`
	EndDate       *time.Time      `json:"end_date"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type CampaignRepo struct {
	db *gorm.DB
}

func NewCampaignRepo(db *gorm.DB) *CampaignRepo {
	return &CampaignRepo{db: db}
}

func (r *CampaignRepo) GetCampaign(ctx context.Context, id int) (*Campaign, error) {
	var campaign Campaign
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&campaign).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &campaign, nil
}

// ApplyDonation increments the campaign total by the donation's
// accounting amount and auto-ends the campaign once the goal is
// reached. The increment is a single SQL expression, not
// read-modify-write, so concurrent settlements cannot lose updates.
// The APPROVED->ENDED transition is likewise conditional so it fires
// at most once.
func (r *CampaignRepo) ApplyDonation(ctx context.Context, campaignId int, amount decimal.Decimal) (*Campaign, error) {
	dbCtx := r.db.WithContext(ctx)

	err := dbCtx.Model(&Campaign{}).
		Where("id = ?", campaignId).
		Update("current_amount", gorm.Expr("current_amount + ?", amount)).Error
	if err != nil {
		return nil, err
	}

	err = dbCtx.Model(&Campaign{}).
		Where("id = ? AND status = ? AND current_amount >= goal_amount", campaignId, CampaignStatusApproved).
		Update("status", CampaignStatusEnded).Error
	if err != nil {
		return nil, err
	}

	return r.GetCampaign(ctx, campaignId)
}

// SetCurrentAmount overwrites the aggregate. Reserved for the resync
// repair operation.
func (r *CampaignRepo) SetCurrentAmount(ctx context.Context, id int, amount decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&Campaign{}).
		Where("id = ?", id).
		Update("current_amount", amount).Error
}

func (r *CampaignRepo) ListCampaignIds(ctx context.Context) ([]int, error) {
	var ids []int
	if err := r.db.WithContext(ctx).Model(&Campaign{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// EndExpired flips APPROVED campaigns whose end date has passed to
// ENDED and returns the affected ids.
func (r *CampaignRepo) EndExpired(ctx context.Context) ([]int, error) {
	dbCtx := r.db.WithContext(ctx)

	var ids []int
	err := dbCtx.Model(&Campaign{}).
		Where("end_date IS NOT NULL AND end_date < ? AND status = ?", time.Now(), CampaignStatusApproved).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = dbCtx.Model(&Campaign{}).
		Where("id IN ? AND status = ?", ids, CampaignStatusApproved).
		Update("status", CampaignStatusEnded).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
