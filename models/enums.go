package models

// PaymentStatus is the settlement state of a donation. PENDING rows
// are waiting for an on-chain transfer; SUCCESS is terminal and set
// exactly once by the reconciliation workflow.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSuccess, PaymentStatusFailed:
		return true
	}
	return false
}

type CampaignStatus string

const (
	CampaignStatusPending  CampaignStatus = "PENDING"
	CampaignStatusApproved CampaignStatus = "APPROVED"
	CampaignStatusRejected CampaignStatus = "REJECTED"
	CampaignStatusEnded    CampaignStatus = "ENDED"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusPending, CampaignStatusApproved, CampaignStatusRejected, CampaignStatusEnded:
		return true
	}
	return false
}
