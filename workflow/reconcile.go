package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/config"
	"github.com/fundraiseapp/fundraise_backend/models"
	"github.com/fundraiseapp/fundraise_backend/rates"
	"github.com/fundraiseapp/fundraise_backend/solana"
	"github.com/fundraiseapp/fundraise_backend/utils"
)

const (
	scanLimit = 100

	// clockSkewMargin widens the ledger search window below the
	// donation's creation time so a transfer confirmed on a slightly
	// behind clock is not filtered out.
	clockSkewMargin = 2 * time.Minute

	reconcileLockTTL = 30 * time.Second
)

var (
	ErrCampaignNotAcceptingDonations = errors.New("campaign is not accepting donations")
	ErrInvalidDonationInput          = errors.New("invalid donation input")
)

// DonationStore is the persistence surface the reconciliation needs
// for donations. models.DonationRepo implements it; tests use fakes.
type DonationStore interface {
	GetDonation(ctx context.Context, id int) (*models.Donation, error)
	CreateDonation(ctx context.Context, donation *models.Donation) error
	SetReferenceTag(ctx context.Context, id int, referenceTag string) (bool, error)
	UsedSignatures(ctx context.Context) ([]string, error)
	MarkSuccess(ctx context.Context, id int, signature string) (bool, error)
	MarkFailed(ctx context.Context, id int, reason string) (bool, error)
	SumSettledByCampaign(ctx context.Context, campaignId int) (decimal.Decimal, error)
}

// CampaignStore is the campaign aggregate surface.
// models.CampaignRepo implements it.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id int) (*models.Campaign, error)
	ApplyDonation(ctx context.Context, campaignId int, amount decimal.Decimal) (*models.Campaign, error)
	SetCurrentAmount(ctx context.Context, id int, amount decimal.Decimal) error
	ListCampaignIds(ctx context.Context) ([]int, error)
	EndExpired(ctx context.Context) ([]int, error)
}

// Ledger is what the coordinator sees of the chain.
// *solana.Scanner implements it.
type Ledger interface {
	Scan(ctx context.Context, recipient string, opts solana.ScanOptions) ([]solana.SettlementCandidate, error)
	Candidate(ctx context.Context, recipient, signature string) (*solana.SettlementCandidate, error)
}

// RateSource provides conversion rates. *rates.Oracle implements it.
type RateSource interface {
	SolPriceUSD(ctx context.Context) decimal.Decimal
	USDToVNDRate(ctx context.Context) decimal.Decimal
}

// Reconciler owns the donation settlement lifecycle. It is the only
// component that mutates payment status and the campaign aggregate.
// Every dependency is injected once at construction and shared for
// the process lifetime.
type Reconciler struct {
	donations DonationStore
	campaigns CampaignStore
	ledger    Ledger
	rates     RateSource
	broadcast Broadcaster
	locker    *redislock.Client
	logger    *logrus.Logger
	validate  *validator.Validate

	// recipient is the receiving wallet all payment requests point at.
	recipient string
}

func NewReconciler(
	donations DonationStore,
	campaigns CampaignStore,
	ledger Ledger,
	rateSource RateSource,
	broadcast Broadcaster,
	locker *redislock.Client,
	logger *logrus.Logger,
	recipient string,
) (*Reconciler, error) {
	if err := solana.ValidateAddress(recipient); err != nil {
		return nil, fmt.Errorf("receiver wallet: %w", err)
	}
	return &Reconciler{
		donations: donations,
		campaigns: campaigns,
		ledger:    ledger,
		rates:     rateSource,
		broadcast: broadcast,
		locker:    locker,
		logger:    logger,
		validate:  validator.New(),
		recipient: recipient,
	}, nil
}

type CreatePaymentRequestInput struct {
	CampaignId   int             `json:"campaign_id" validate:"required,gt=0"`
	UserId       int             `json:"-"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	DonorMessage *string         `json:"message" validate:"omitempty,max=500"`
	IsPublic     *bool           `json:"is_public"`
}

// PaymentRequest is what the initiate-donation endpoint returns to
// the client: the wallet URI, its QR rendering, and the amounts the
// donor will see.
type PaymentRequest struct {
	DonationId   int             `json:"donation_id"`
	URI          string          `json:"payment_url"`
	QRCode       string          `json:"qr_code"`
	ReferenceTag string          `json:"reference"`
	Recipient    string          `json:"recipient"`
	AmountSOL    decimal.Decimal `json:"amount_sol"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	AmountVND    decimal.Decimal `json:"amount_vnd"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	USDToVNDRate decimal.Decimal `json:"usd_vnd_rate"`
}

// CreatePaymentRequest prices the donation at the current rate,
// persists the PENDING row, and encodes the payment request. The
// captured rate is stored with the donation and never re-queried for
// it.
func (r *Reconciler) CreatePaymentRequest(ctx context.Context, input CreatePaymentRequestInput) (*PaymentRequest, error) {
	if err := r.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDonationInput, err)
	}
	if !input.AmountUSD.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidDonationInput)
	}

	campaign, err := r.campaigns.GetCampaign(ctx, input.CampaignId)
	if err != nil {
		return nil, err
	}
	if campaign.Status != models.CampaignStatusApproved {
		return nil, ErrCampaignNotAcceptingDonations
	}

	rate := r.rates.SolPriceUSD(ctx)
	amountSOL := rates.ConvertUSDToSOL(input.AmountUSD, rate)
	if amountSOL.LessThan(solana.MinTransferSOL) {
		return nil, fmt.Errorf("%w: %s SOL is below the minimum transferable unit", solana.ErrInvalidAmount, amountSOL)
	}

	isPublic := true
	if input.IsPublic != nil {
		isPublic = *input.IsPublic
	}
	donation := &models.Donation{
		CampaignId:         input.CampaignId,
		UserId:             input.UserId,
		AccountingAmount:   input.AmountUSD,
		AccountingCurrency: "USD",
		RequestedAmount:    amountSOL,
		SettlementAsset:    "SOL",
		ExchangeRate:       rate,
		PaymentStatus:      models.PaymentStatusPending,
		DonorMessage:       input.DonorMessage,
		IsPublic:           isPublic,
	}
	if err := r.donations.CreateDonation(ctx, donation); err != nil {
		return nil, err
	}

	request, err := solana.BuildTransferRequest(r.recipient, amountSOL, donation.ID)
	if err != nil {
		return nil, err
	}
	if _, err := r.donations.SetReferenceTag(ctx, donation.ID, request.ReferenceTag); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"donation_id":   donation.ID,
		"campaign_id":   input.CampaignId,
		"amount_usd":    input.AmountUSD,
		"amount_sol":    amountSOL,
		"exchange_rate": rate,
	}).Info("payment request created")

	qrPNG, err := solana.RenderQR(request.URI)
	if err != nil {
		return nil, err
	}

	vndRate := r.rates.USDToVNDRate(ctx)

	return &PaymentRequest{
		DonationId:   donation.ID,
		URI:          request.URI,
		QRCode:       solana.DataURL(qrPNG),
		ReferenceTag: request.ReferenceTag,
		Recipient:    r.recipient,
		AmountSOL:    amountSOL,
		AmountUSD:    input.AmountUSD,
		AmountVND:    rates.ConvertUSDToVND(input.AmountUSD, vndRate),
		ExchangeRate: rate,
		USDToVNDRate: vndRate,
	}, nil
}

type PollResult struct {
	Credited bool             `json:"credited"`
	Donation *models.Donation `json:"donation"`
	Campaign *models.Campaign `json:"campaign"`
}

// PollOnce runs one reconciliation attempt for a donation: status
// check, ledger scan, match, credit. It is safe to call arbitrarily
// often and safe to race against itself; repeated calls on a settled
// donation are no-ops. A ledger outage degrades to "not credited",
// never to an error.
func (r *Reconciler) PollOnce(ctx context.Context, donationId int) (*PollResult, error) {
	donation, err := r.donations.GetDonation(ctx, donationId)
	if err != nil {
		return nil, err
	}

	if donation.PaymentStatus == models.PaymentStatusSuccess {
		campaign, _ := r.campaigns.GetCampaign(ctx, donation.CampaignId)
		return &PollResult{Credited: false, Donation: donation, Campaign: campaign}, nil
	}
	if donation.ReferenceTag == nil {
		// Row exists but the payment request never finished encoding;
		// nothing on the ledger can reference it.
		return &PollResult{Credited: false, Donation: donation}, nil
	}

	// Best-effort: serialize concurrent polls for the same donation.
	// Correctness does not depend on this lock; the conditional
	// MarkSuccess update is the real guard.
	if r.locker != nil {
		lockKey := fmt.Sprintf("reconcile:donation:%d", donationId)
		if lock, lockErr := r.locker.Obtain(ctx, lockKey, reconcileLockTTL, nil); lockErr == nil {
			defer lock.Release(ctx)
		}
	}

	usedSignatures, err := r.donations.UsedSignatures(ctx)
	if err != nil {
		return nil, err
	}

	minTime := donation.CreatedAt.Add(-clockSkewMargin)
	candidates, err := r.ledger.Scan(ctx, r.recipient, solana.ScanOptions{
		Limit:             scanLimit,
		MinTime:           &minTime,
		ExcludeSignatures: usedSignatures,
	})
	if err != nil {
		config.LogError(r.logger, "reconcile.go", "PollOnce", "ledger scan", donationId, err)
		return &PollResult{Credited: false, Donation: donation}, nil
	}

	match, found := MatchSettlement(candidates, *donation.ReferenceTag, donation.RequestedAmount, DefaultTolerance)
	if !found {
		return &PollResult{Credited: false, Donation: donation}, nil
	}

	campaign, credited, err := r.credit(ctx, donation, match.Signature)
	if err != nil {
		return nil, err
	}
	donation, err = r.donations.GetDonation(ctx, donationId)
	if err != nil {
		return nil, err
	}
	return &PollResult{Credited: credited, Donation: donation, Campaign: campaign}, nil
}

// credit performs the one-time settlement transition: donation row,
// campaign aggregate, goal auto-close, broadcast. The donation update
// is conditional on the row not being SUCCESS yet; zero rows affected
// means another attempt won the race and the remaining steps are
// skipped without error.
func (r *Reconciler) credit(ctx context.Context, donation *models.Donation, signature string) (*models.Campaign, bool, error) {
	won, err := r.donations.MarkSuccess(ctx, donation.ID, signature)
	if err != nil {
		return nil, false, err
	}
	if !won {
		campaign, _ := r.campaigns.GetCampaign(ctx, donation.CampaignId)
		return campaign, false, nil
	}

	campaign, err := r.campaigns.ApplyDonation(ctx, donation.CampaignId, donation.AccountingAmount)
	if err != nil {
		// The donation row is already SUCCESS; the aggregate is now
		// behind until ResyncCampaignTotals repairs it.
		config.LogError(r.logger, "reconcile.go", "credit", "campaign aggregate update failed; run resync", donation.ID, err)
		return nil, true, err
	}

	r.logger.WithFields(logrus.Fields{
		"donation_id": donation.ID,
		"campaign_id": donation.CampaignId,
		"signature":   signature,
		"amount_usd":  donation.AccountingAmount,
	}).Info("donation settled")

	r.publishSettled(ctx, donation, campaign)
	return campaign, true, nil
}

func (r *Reconciler) publishSettled(ctx context.Context, donation *models.Donation, campaign *models.Campaign) {
	payload, err := json.Marshal(map[string]interface{}{
		"donation": donation,
		"campaign": campaign,
	})
	if err != nil {
		config.LogError(r.logger, "reconcile.go", "publishSettled", "marshal payload", donation.ID, err)
		return
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	event := config.CampaignEvent{
		Channel:       fmt.Sprintf("campaign-%d", campaign.ID),
		Event:         "donation-settled",
		CampaignId:    campaign.ID,
		DonationId:    donation.ID,
		Payload:       payload,
		CorrelationId: correlationId,
	}
	if _, err := r.broadcast.PublishCampaignEvent(ctx, event); err != nil {
		config.LogError(r.logger, "reconcile.go", "publishSettled", "publish", donation.ID, err)
	}

	if campaign.Status == models.CampaignStatusEnded {
		endedEvent := config.CampaignEvent{
			Channel:       event.Channel,
			Event:         "campaign-ended",
			CampaignId:    campaign.ID,
			CorrelationId: correlationId,
		}
		if _, err := r.broadcast.PublishCampaignEvent(ctx, endedEvent); err != nil {
			config.LogError(r.logger, "reconcile.go", "publishSettled", "publish ended", campaign.ID, err)
		}
	}
}

type VerifyResult struct {
	Valid    bool             `json:"valid"`
	Reason   string           `json:"reason,omitempty"`
	Donation *models.Donation `json:"donation,omitempty"`
	Campaign *models.Campaign `json:"campaign,omitempty"`
}

// VerifyBySignature is the synchronous settlement path: the donor's
// wallet hands us the transaction signature directly instead of
// waiting for scan-based discovery. Structural failures (wrong
// reference, wrong amount, failed on chain, signature already spent
// on another donation) move the donation to FAILED with a reason; a
// transiently unknown signature does not, because the ledger may
// simply not have caught up yet.
func (r *Reconciler) VerifyBySignature(ctx context.Context, donationId int, signature string) (*VerifyResult, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrInvalidDonationInput)
	}

	donation, err := r.donations.GetDonation(ctx, donationId)
	if err != nil {
		return nil, err
	}
	if donation.PaymentStatus == models.PaymentStatusSuccess {
		campaign, _ := r.campaigns.GetCampaign(ctx, donation.CampaignId)
		return &VerifyResult{Valid: true, Reason: "already settled", Donation: donation, Campaign: campaign}, nil
	}
	if donation.ReferenceTag == nil {
		return &VerifyResult{Valid: false, Reason: "donation has no payment reference", Donation: donation}, nil
	}

	usedSignatures, err := r.donations.UsedSignatures(ctx)
	if err != nil {
		return nil, err
	}
	for _, used := range usedSignatures {
		if used == signature {
			return r.fail(ctx, donation, "transaction already credited to another donation")
		}
	}

	candidate, err := r.ledger.Candidate(ctx, r.recipient, signature)
	if err != nil {
		config.LogError(r.logger, "reconcile.go", "VerifyBySignature", "ledger fetch", donationId, err)
		return &VerifyResult{Valid: false, Reason: "ledger unavailable, try again", Donation: donation}, nil
	}
	if candidate == nil {
		// Not-found is not terminal: a just-confirmed transaction may
		// not be visible yet, and the async scan can still settle it.
		return &VerifyResult{Valid: false, Reason: "transaction not found", Donation: donation}, nil
	}
	if candidate.Failed {
		return r.fail(ctx, donation, "transaction failed on chain")
	}
	if !candidate.HasParticipant(*donation.ReferenceTag) {
		return r.fail(ctx, donation, "reference key not found in transaction")
	}
	if candidate.TransferredAmount.Sub(donation.RequestedAmount).Abs().GreaterThan(DefaultTolerance) {
		return r.fail(ctx, donation, fmt.Sprintf(
			"amount mismatch: expected %s SOL, received %s SOL",
			donation.RequestedAmount, candidate.TransferredAmount))
	}

	campaign, _, err := r.credit(ctx, donation, signature)
	if err != nil {
		return nil, err
	}
	donation, err = r.donations.GetDonation(ctx, donationId)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: true, Donation: donation, Campaign: campaign}, nil
}

func (r *Reconciler) fail(ctx context.Context, donation *models.Donation, reason string) (*VerifyResult, error) {
	if _, err := r.donations.MarkFailed(ctx, donation.ID, reason); err != nil {
		return nil, err
	}
	refreshed, err := r.donations.GetDonation(ctx, donation.ID)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: false, Reason: reason, Donation: refreshed}, nil
}
