package solana

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SignatureInfo is one entry from getSignaturesForAddress,
// newest first.
type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	BlockTime          *int64          `json:"blockTime"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// TransactionDetail is the getTransaction response body.
type TransactionDetail struct {
	Slot        uint64              `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *TransactionMeta    `json:"meta"`
	Transaction TransactionEnvelope `json:"transaction"`
}

type TransactionMeta struct {
	Err          json.RawMessage `json:"err"`
	Fee          uint64          `json:"fee"`
	PreBalances  []uint64        `json:"preBalances"`
	PostBalances []uint64        `json:"postBalances"`
}

type TransactionEnvelope struct {
	Message TransactionMessage `json:"message"`
}

type TransactionMessage struct {
	AccountKeys []AccountKey `json:"accountKeys"`
}

// AccountKey normalizes the two shapes the RPC returns for account
// keys: a plain base58 string ("json" encoding) or an object with a
// pubkey field ("jsonParsed" encoding). Normalizing here keeps the
// ambiguity out of the scanner and matcher.
type AccountKey struct {
	Pubkey string
}

func (k *AccountKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		k.Pubkey = s
		return nil
	}
	var obj struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	k.Pubkey = obj.Pubkey
	return nil
}

func (k AccountKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Pubkey)
}

func (m *TransactionMeta) Failed() bool {
	return m != nil && len(m.Err) > 0 && string(m.Err) != "null"
}

// SettlementCandidate is one ledger transaction found at the
// recipient address, reduced to the fields the matcher needs. It is
// ephemeral: produced per scan, never persisted.
type SettlementCandidate struct {
	Signature            string
	ParticipantAddresses []string
	TransferredAmount    decimal.Decimal
	BlockTime            time.Time
	Slot                 uint64
	Failed               bool
}

// HasParticipant reports whether addr appears in the transaction's
// account keys.
func (c *SettlementCandidate) HasParticipant(addr string) bool {
	for _, participant := range c.ParticipantAddresses {
		if participant == addr {
			return true
		}
	}
	return false
}
