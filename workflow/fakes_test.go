package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/config"
	"github.com/fundraiseapp/fundraise_backend/models"
	"github.com/fundraiseapp/fundraise_backend/solana"
	"github.com/fundraiseapp/fundraise_backend/utils"
)

// testRecipient is a well-formed 32-byte base58 address.
const testRecipient = "11111111111111111111111111111111"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeDonationStore mirrors DonationRepo semantics in memory,
// including the conditional status transitions the idempotency
// guarantees rest on.
type fakeDonationStore struct {
	mu     sync.Mutex
	nextID int
	rows   map[int]*models.Donation
}

func newFakeDonationStore() *fakeDonationStore {
	return &fakeDonationStore{rows: map[int]*models.Donation{}}
}

func (f *fakeDonationStore) put(donation *models.Donation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if donation.ID >= f.nextID {
		f.nextID = donation.ID
	}
	copied := *donation
	f.rows[donation.ID] = &copied
}

func (f *fakeDonationStore) GetDonation(_ context.Context, id int) (*models.Donation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeDonationStore) CreateDonation(_ context.Context, donation *models.Donation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	donation.ID = f.nextID
	donation.CreatedAt = time.Now()
	copied := *donation
	f.rows[donation.ID] = &copied
	return nil
}

func (f *fakeDonationStore) SetReferenceTag(_ context.Context, id int, referenceTag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.ReferenceTag != nil {
		return false, nil
	}
	row.ReferenceTag = &referenceTag
	return true, nil
}

func (f *fakeDonationStore) UsedSignatures(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var signatures []string
	for _, row := range f.rows {
		if row.PaymentStatus == models.PaymentStatusSuccess && row.SettlementTransactionId != nil {
			signatures = append(signatures, *row.SettlementTransactionId)
		}
	}
	return signatures, nil
}

func (f *fakeDonationStore) MarkSuccess(_ context.Context, id int, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	if row.PaymentStatus != models.PaymentStatusPending && row.PaymentStatus != models.PaymentStatusFailed {
		return false, nil
	}
	// Mirrors the unique index on settlement_transaction_id: a
	// signature already held by another row cannot be claimed again.
	for otherId, other := range f.rows {
		if otherId != id && other.SettlementTransactionId != nil && *other.SettlementTransactionId == signature {
			return false, nil
		}
	}
	row.PaymentStatus = models.PaymentStatusSuccess
	row.SettlementTransactionId = &signature
	row.FailureReason = nil
	return true, nil
}

func (f *fakeDonationStore) MarkFailed(_ context.Context, id int, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	row.PaymentStatus = models.PaymentStatusFailed
	row.FailureReason = &reason
	return true, nil
}

func (f *fakeDonationStore) SumSettledByCampaign(_ context.Context, campaignId int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, row := range f.rows {
		if row.CampaignId == campaignId && row.PaymentStatus == models.PaymentStatusSuccess {
			total = total.Add(row.AccountingAmount)
		}
	}
	return total, nil
}

type fakeCampaignStore struct {
	mu       sync.Mutex
	rows     map[int]*models.Campaign
	applyErr error
}

func newFakeCampaignStore(campaigns ...*models.Campaign) *fakeCampaignStore {
	store := &fakeCampaignStore{rows: map[int]*models.Campaign{}}
	for _, campaign := range campaigns {
		copied := *campaign
		store.rows[campaign.ID] = &copied
	}
	return store
}

func (f *fakeCampaignStore) GetCampaign(_ context.Context, id int) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeCampaignStore) ApplyDonation(_ context.Context, campaignId int, amount decimal.Decimal) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	row, ok := f.rows[campaignId]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	row.CurrentAmount = row.CurrentAmount.Add(amount)
	if row.Status == models.CampaignStatusApproved && row.CurrentAmount.GreaterThanOrEqual(row.GoalAmount) {
		row.Status = models.CampaignStatusEnded
	}
	copied := *row
	return &copied, nil
}

func (f *fakeCampaignStore) SetCurrentAmount(_ context.Context, id int, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	row.CurrentAmount = amount
	return nil
}

func (f *fakeCampaignStore) ListCampaignIds(_ context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for id := range f.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeCampaignStore) EndExpired(_ context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	now := time.Now()
	for id, row := range f.rows {
		if row.Status == models.CampaignStatusApproved && row.EndDate != nil && row.EndDate.Before(now) {
			row.Status = models.CampaignStatusEnded
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeLedger struct {
	mu         sync.Mutex
	candidates []solana.SettlementCandidate
	scanErr    error
	fetchErr   error
}

func (f *fakeLedger) add(candidate solana.SettlementCandidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
}

func (f *fakeLedger) Scan(_ context.Context, _ string, opts solana.ScanOptions) ([]solana.SettlementCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	excluded := make(map[string]struct{}, len(opts.ExcludeSignatures))
	for _, sig := range opts.ExcludeSignatures {
		excluded[sig] = struct{}{}
	}
	var out []solana.SettlementCandidate
	for _, candidate := range f.candidates {
		if _, used := excluded[candidate.Signature]; used {
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}

func (f *fakeLedger) Candidate(_ context.Context, _ string, signature string) (*solana.SettlementCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	for i := range f.candidates {
		if f.candidates[i].Signature == signature {
			copied := f.candidates[i]
			return &copied, nil
		}
	}
	return nil, nil
}

type fixedRate struct {
	rate decimal.Decimal
}

func (f fixedRate) SolPriceUSD(context.Context) decimal.Decimal {
	return f.rate
}

func (f fixedRate) USDToVNDRate(context.Context) decimal.Decimal {
	return decimal.NewFromInt(25000)
}

type recordBroadcaster struct {
	mu     sync.Mutex
	events []config.CampaignEvent
}

func (b *recordBroadcaster) PublishCampaignEvent(_ context.Context, event config.CampaignEvent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return "msg-1", nil
}

func (b *recordBroadcaster) eventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, event := range b.events {
		names = append(names, event.Event)
	}
	return names
}

type testEnv struct {
	donations *fakeDonationStore
	campaigns *fakeCampaignStore
	ledger    *fakeLedger
	broadcast *recordBroadcaster
	rec       *Reconciler
}

func newTestEnv(t *testing.T, campaigns ...*models.Campaign) *testEnv {
	t.Helper()
	env := &testEnv{
		donations: newFakeDonationStore(),
		campaigns: newFakeCampaignStore(campaigns...),
		ledger:    &fakeLedger{},
		broadcast: &recordBroadcaster{},
	}
	rec, err := NewReconciler(
		env.donations,
		env.campaigns,
		env.ledger,
		fixedRate{rate: decimal.NewFromInt(150)},
		env.broadcast,
		nil,
		quietLogger(),
		testRecipient,
	)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	env.rec = rec
	return env
}

// pendingDonation seeds a PENDING donation row with its reference tag
// already attached, as CreatePaymentRequest leaves it.
func (env *testEnv) pendingDonation(id, campaignId int, amountUSD, amountSOL string) *models.Donation {
	reference := solana.NewReferenceTag(id)
	donation := &models.Donation{
		ID:                 id,
		CampaignId:         campaignId,
		AccountingAmount:   decimal.RequireFromString(amountUSD),
		AccountingCurrency: "USD",
		RequestedAmount:    decimal.RequireFromString(amountSOL),
		SettlementAsset:    "SOL",
		ExchangeRate:       decimal.NewFromInt(150),
		ReferenceTag:       &reference,
		PaymentStatus:      models.PaymentStatusPending,
		CreatedAt:          time.Now().Add(-time.Minute),
	}
	env.donations.put(donation)
	return donation
}

// settlementFor puts a matching transfer for the donation on the fake
// ledger.
func (env *testEnv) settlementFor(donation *models.Donation, signature string) {
	env.ledger.add(solana.SettlementCandidate{
		Signature:            signature,
		ParticipantAddresses: []string{"SenderAddr", testRecipient, *donation.ReferenceTag},
		TransferredAmount:    donation.RequestedAmount,
		BlockTime:            time.Now(),
	})
}

var errLedgerDown = errors.New("rpc node unreachable")
