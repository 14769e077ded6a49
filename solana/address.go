// Package solana integrates with the Solana ledger: it encodes
// Solana Pay transfer requests, renders them as QR codes, and scans
// the chain for settlement transactions at the receiving wallet.
package solana

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// AddressLength is the byte length of a Solana public key.
const AddressLength = 32

// ValidateAddress checks that addr is a well-formed base58 Solana
// address (exactly 32 decoded bytes).
func ValidateAddress(addr string) error {
	if addr == "" {
		return ErrInvalidAddress
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLength {
		return fmt.Errorf("%w: decoded to %d bytes, want %d", ErrInvalidAddress, len(raw), AddressLength)
	}
	return nil
}

// NewReferenceTag derives a unique, address-shaped reference for one
// donation. The digest input mixes the donation id, a nanosecond
// timestamp and a random nonce, so two requests for the same donation
// in the same instant still get distinct tags. The result is a valid
// 32-byte account key that can ride along as a transaction
// participant; it is never a spendable account.
func NewReferenceTag(donationId int) string {
	seed := fmt.Sprintf("donation_%d_%d_%s", donationId, time.Now().UnixNano(), uuid.NewString())
	digest := sha256.Sum256([]byte(seed))
	return base58.Encode(digest[:])
}
