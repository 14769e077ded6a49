package workflow

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fundraiseapp/fundraise_backend/solana"
)

func candidate(signature, reference, amount string) solana.SettlementCandidate {
	return solana.SettlementCandidate{
		Signature:            signature,
		ParticipantAddresses: []string{"SenderAddr", "RecipientAddr", reference},
		TransferredAmount:    decimal.RequireFromString(amount),
	}
}

func TestMatchSettlementRequiresReferenceAndAmount(t *testing.T) {
	expected := decimal.RequireFromString("0.0667")
	candidates := []solana.SettlementCandidate{
		candidate("sigOther", "OtherRef", "0.0667"),
		candidate("sigMatch", "MyRef", "0.0667"),
	}

	match, found := MatchSettlement(candidates, "MyRef", expected, DefaultTolerance)
	if !found {
		t.Fatal("expected a match")
	}
	if match.Signature != "sigMatch" {
		t.Errorf("matched %s, want sigMatch", match.Signature)
	}
}

func TestMatchSettlementRejectsAmountOnlyMatch(t *testing.T) {
	expected := decimal.RequireFromString("0.0667")
	// The amount agrees exactly but the reference tag is absent. An
	// amount-only match is ambiguous between concurrent donations of
	// the same size and must never settle.
	candidates := []solana.SettlementCandidate{
		candidate("sig1", "SomeoneElsesRef", "0.0667"),
	}

	if _, found := MatchSettlement(candidates, "MyRef", expected, DefaultTolerance); found {
		t.Fatal("matched on amount alone")
	}
}

func TestMatchSettlementTolerance(t *testing.T) {
	expected := decimal.RequireFromString("0.066666667")
	cases := []struct {
		name   string
		amount string
		want   bool
	}{
		{"exact", "0.066666667", true},
		{"fee shaved within tolerance", "0.065700000", true},
		{"overpaid within tolerance", "0.067600000", true},
		{"underpaid beyond tolerance", "0.065600000", false},
		{"overpaid beyond tolerance", "0.067700000", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candidates := []solana.SettlementCandidate{candidate("sig", "Ref", tc.amount)}
			_, found := MatchSettlement(candidates, "Ref", expected, DefaultTolerance)
			if found != tc.want {
				t.Errorf("amount %s: found = %v, want %v", tc.amount, found, tc.want)
			}
		})
	}
}

func TestMatchSettlementSkipsFailedCandidates(t *testing.T) {
	expected := decimal.RequireFromString("0.5")
	failed := candidate("sigFailed", "Ref", "0.5")
	failed.Failed = true
	good := candidate("sigGood", "Ref", "0.5")

	match, found := MatchSettlement([]solana.SettlementCandidate{failed, good}, "Ref", expected, DefaultTolerance)
	if !found || match.Signature != "sigGood" {
		t.Fatalf("match = %+v found = %v, want sigGood", match, found)
	}
}

func TestMatchSettlementEmptyReferenceNeverMatches(t *testing.T) {
	candidates := []solana.SettlementCandidate{
		{
			Signature:            "sig",
			ParticipantAddresses: []string{"RecipientAddr", ""},
			TransferredAmount:    decimal.RequireFromString("1"),
		},
	}
	if _, found := MatchSettlement(candidates, "", decimal.RequireFromString("1"), DefaultTolerance); found {
		t.Fatal("empty reference tag matched")
	}
}

func TestMatchSettlementNewestFirstWins(t *testing.T) {
	expected := decimal.RequireFromString("1")
	candidates := []solana.SettlementCandidate{
		candidate("sigNewest", "Ref", "1"),
		candidate("sigOlder", "Ref", "1"),
	}
	match, found := MatchSettlement(candidates, "Ref", expected, DefaultTolerance)
	if !found || match.Signature != "sigNewest" {
		t.Fatalf("match = %+v, want sigNewest", match)
	}
}
