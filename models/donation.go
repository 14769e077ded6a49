package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/fundraiseapp/fundraise_backend/utils"
)

// Donation is one pledged contribution. AccountingAmount (USD) feeds
// campaign totals; RequestedAmount (SOL) is what the donor is asked
// to transfer. The exchange rate is captured once at request creation
// and never recomputed for this row.
type Donation struct {
	ID                      int             `gorm:"primary_key" json:"id"`
	CampaignId              int             `gorm:"index;not null" json:"campaign_id"`
	UserId                  int             `gorm:"index" json:"user_id"`
	AccountingAmount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"accounting_amount"`
	AccountingCurrency      string          `gorm:"size:8;default:'USD'" json:"accounting_currency"`
	RequestedAmount         decimal.Decimal `gorm:"type:decimal(20,9);not null" json:"requested_amount"`
	SettlementAsset         string          `gorm:"size:8;default:'SOL'" json:"settlement_asset"`
	ExchangeRate            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"exchange_rate"`
	ReferenceTag            *string         `gorm:"size:64;uniqueIndex" json:"reference_tag"`
	PaymentStatus           PaymentStatus   `gorm:"size:16;index;default:'PENDING'" json:"payment_status"`
	SettlementTransactionId *string         `gorm:"size:128;uniqueIndex" json:"settlement_transaction_id"`
	FailureReason           *string         `gorm:"size:255" json:"failure_reason,omitempty"`
	DonorMessage            *string         `gorm:"size:500" json:"donor_message,omitempty"`
	IsPublic                bool            `gorm:"default:true" json:"is_public"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

var ErrDuplicateReferenceTag = errors.New("reference tag already exists")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// DonationRepo is the gorm-backed store for donations. The DB handle
// is injected at construction and reused for the process lifetime.
type DonationRepo struct {
	db *gorm.DB
}

func NewDonationRepo(db *gorm.DB) *DonationRepo {
	return &DonationRepo{db: db}
}

func (r *DonationRepo) GetDonation(ctx context.Context, id int) (*Donation, error) {
	var donation Donation
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&donation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &donation, nil
}

func (r *DonationRepo) CreateDonation(ctx context.Context, donation *Donation) error {
	if err := r.db.WithContext(ctx).Create(donation).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateReferenceTag
		}
		return err
	}
	return nil
}

// SetReferenceTag attaches the payment-request reference to a fresh
// donation row. The tag is write-once: rows that already carry one
// are left untouched and the call reports false.
func (r *DonationRepo) SetReferenceTag(ctx context.Context, id int, referenceTag string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Donation{}).
		Where("id = ? AND reference_tag IS NULL", id).
		Update("reference_tag", referenceTag)
	if result.Error != nil {
		if isDuplicateKeyErr(result.Error) {
			return false, ErrDuplicateReferenceTag
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UsedSignatures lists every ledger signature already credited to a
// SUCCESS donation. The matcher consults this so one on-chain
// transfer can never be credited to two donations.
func (r *DonationRepo) UsedSignatures(ctx context.Context) ([]string, error) {
	var signatures []string
	err := r.db.WithContext(ctx).Model(&Donation{}).
		Where("payment_status = ? AND settlement_transaction_id IS NOT NULL", PaymentStatusSuccess).
		Distinct().
		Pluck("settlement_transaction_id", &signatures).Error
	if err != nil {
		return nil, err
	}
	return signatures, nil
}

// MarkSuccess transitions a donation to SUCCESS and records the
// settlement signature. The WHERE clause carries the idempotency
// guarantee: if another reconcile attempt credited the row first,
// zero rows are affected and the caller must treat it as a no-op.
// A sync-verify FAILED row may still be lifted to SUCCESS when the
// scanner later finds a valid transfer. The unique index on
// settlement_transaction_id is the last line of defense against two
// donations claiming the same on-chain transfer; a duplicate-key
// error means another row holds the signature and reports not-credited
// rather than an error.
func (r *DonationRepo) MarkSuccess(ctx context.Context, id int, signature string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Donation{}).
		Where("id = ? AND payment_status IN ?", id, []PaymentStatus{PaymentStatusPending, PaymentStatusFailed}).
		Updates(map[string]interface{}{
			"payment_status":            PaymentStatusSuccess,
			"settlement_transaction_id": signature,
			"failure_reason":            nil,
		})
	if result.Error != nil {
		if isDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed records a failed synchronous verification. Only PENDING
// rows move to FAILED; SUCCESS is never reverted.
func (r *DonationRepo) MarkFailed(ctx context.Context, id int, reason string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Donation{}).
		Where("id = ? AND payment_status = ?", id, PaymentStatusPending).
		Updates(map[string]interface{}{
			"payment_status": PaymentStatusFailed,
			"failure_reason": reason,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SumSettledByCampaign is the authoritative aggregate: the sum of
// accounting amounts over SUCCESS donations for one campaign.
func (r *DonationRepo) SumSettledByCampaign(ctx context.Context, campaignId int) (decimal.Decimal, error) {
	total := decimal.Zero
	err := r.db.WithContext(ctx).Model(&Donation{}).
		Where("campaign_id = ? AND payment_status = ?", campaignId, PaymentStatusSuccess).
		Select("COALESCE(SUM(accounting_amount), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (r *DonationRepo) ListByCampaign(ctx context.Context, campaignId int, limit int) ([]Donation, error) {
	var donations []Donation
	dbCtx := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignId).
		Order("created_at DESC")
	if limit > 0 {
		dbCtx = dbCtx.Limit(limit)
	}
	if err := dbCtx.Find(&donations).Error; err != nil {
		return nil, err
	}
	return donations, nil
}

func (r *DonationRepo) ListByUser(ctx context.Context, userId int, limit int) ([]Donation, error) {
	var donations []Donation
	dbCtx := r.db.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("created_at DESC")
	if limit > 0 {
		dbCtx = dbCtx.Limit(limit)
	}
	if err := dbCtx.Find(&donations).Error; err != nil {
		return nil, err
	}
	return donations, nil
}
