package solana

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/config"
)

// RPC is the ledger surface the scanner depends on. *Client satisfies
// it; tests supply fakes.
type RPC interface {
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error)
}

// ScanOptions bounds a ledger scan. MinTime excludes transactions
// confirmed before the donation could have existed;
// ExcludeSignatures drops transactions already credited to another
// donation.
type ScanOptions struct {
	Limit             int
	MinTime           *time.Time
	ExcludeSignatures []string
}

type Scanner struct {
	rpc    RPC
	logger *logrus.Logger
}

func NewScanner(rpc RPC, logger *logrus.Logger) *Scanner {
	return &Scanner{rpc: rpc, logger: logger}
}

// Scan lists settlement candidates at the recipient address, newest
// first. Transactions that are not found, unconfirmed, failed, too
// old, or excluded are skipped. A detail fetch failing for one
// signature skips that signature only; the scan keeps going with the
// rest.
func (s *Scanner) Scan(ctx context.Context, recipient string, opts ScanOptions) ([]SettlementCandidate, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	sigs, err := s.rpc.GetSignaturesForAddress(ctx, recipient, limit)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(opts.ExcludeSignatures))
	for _, sig := range opts.ExcludeSignatures {
		excluded[sig] = struct{}{}
	}

	candidates := make([]SettlementCandidate, 0, len(sigs))
	for _, sigInfo := range sigs {
		if _, used := excluded[sigInfo.Signature]; used {
			continue
		}

		detail, err := s.rpc.GetTransaction(ctx, sigInfo.Signature)
		if err != nil {
			config.LogError(s.logger, "scanner.go", "Scan", "GetTransaction "+sigInfo.Signature, nil, err)
			continue
		}
		candidate := s.normalize(recipient, sigInfo.Signature, detail)
		if candidate == nil || candidate.Failed {
			continue
		}
		if opts.MinTime != nil && candidate.BlockTime.Before(*opts.MinTime) {
			continue
		}
		candidates = append(candidates, *candidate)
	}
	return candidates, nil
}

// Candidate fetches a single transaction for the synchronous
// verify-by-signature path. Returns (nil, nil) when the ledger does
// not know the signature.
func (s *Scanner) Candidate(ctx context.Context, recipient, signature string) (*SettlementCandidate, error) {
	detail, err := s.rpc.GetTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	return s.normalize(recipient, signature, detail), nil
}

// normalize reduces a raw transaction to the internal candidate
// shape. Returns nil for transactions without confirmation metadata.
func (s *Scanner) normalize(recipient, signature string, detail *TransactionDetail) *SettlementCandidate {
	if detail == nil || detail.Meta == nil {
		return nil
	}

	keys := detail.Transaction.Message.AccountKeys
	participants := make([]string, 0, len(keys))
	for _, key := range keys {
		participants = append(participants, key.Pubkey)
	}

	// Net balance delta at the recipient: post minus pre, converted
	// from lamports to SOL. Balance slices are index-aligned with the
	// account keys.
	transferred := decimal.Zero
	for i, key := range keys {
		if key.Pubkey != recipient {
			continue
		}
		if i < len(detail.Meta.PreBalances) && i < len(detail.Meta.PostBalances) {
			delta := int64(detail.Meta.PostBalances[i]) - int64(detail.Meta.PreBalances[i])
			transferred = decimal.New(delta, -9)
		}
		break
	}

	var blockTime time.Time
	if detail.BlockTime != nil {
		blockTime = time.Unix(*detail.BlockTime, 0).UTC()
	}

	return &SettlementCandidate{
		Signature:            signature,
		ParticipantAddresses: participants,
		TransferredAmount:    transferred,
		BlockTime:            blockTime,
		Slot:                 detail.Slot,
		Failed:               detail.Meta.Failed(),
	}
}
