package solana

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress = errors.New("invalid solana address")
	ErrInvalidAmount  = errors.New("invalid transfer amount")
)

// MinTransferSOL is one lamport, the smallest transferable unit.
var MinTransferSOL = decimal.New(1, -9)

// TransferRequest is an encoded Solana Pay transfer request. The URI
// follows the transfer-request spec (solana:<recipient>?amount=..&
// reference=..&label=..&message=..) so third-party wallets can parse
// it unmodified. ReferenceTag must be persisted by the caller: it is
// the key the scanner later searches for on the ledger.
type TransferRequest struct {
	URI          string
	ReferenceTag string
	Recipient    string
	Amount       decimal.Decimal
	Label        string
	Message      string
}

// BuildTransferRequest validates the inputs, derives a fresh
// reference tag for the donation and serializes the payment URI.
func BuildTransferRequest(recipient string, amount decimal.Decimal, donationId int) (*TransferRequest, error) {
	if err := ValidateAddress(recipient); err != nil {
		return nil, err
	}
	if amount.LessThan(MinTransferSOL) {
		return nil, fmt.Errorf("%w: %s SOL (minimum %s)", ErrInvalidAmount, amount, MinTransferSOL)
	}

	reference := NewReferenceTag(donationId)
	label := fmt.Sprintf("Donation #%d", donationId)
	message := "Thank you for your donation!"

	params := url.Values{}
	params.Set("amount", amount.String())
	// reference is a repeatable key: Solana Pay allows multiple
	// references per request.
	params.Add("reference", reference)
	params.Set("label", label)
	params.Set("message", message)

	var uri strings.Builder
	uri.WriteString("solana:")
	uri.WriteString(recipient)
	uri.WriteString("?")
	uri.WriteString(params.Encode())

	return &TransferRequest{
		URI:          uri.String(),
		ReferenceTag: reference,
		Recipient:    recipient,
		Amount:       amount,
		Label:        label,
		Message:      message,
	}, nil
}
