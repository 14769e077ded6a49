package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const defaultDevnetRPC = "https://api.devnet.solana.com"

// RPCError is a JSON-RPC level failure returned by the ledger node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is a minimal JSON-RPC client for the two ledger queries the
// scanner needs. One instance is created per process and reused; the
// endpoint is rate-limited upstream, so calls carry bounded timeouts
// and callers degrade on failure instead of retrying tightly.
type Client struct {
	endpoint   string
	commitment string
	http       *http.Client
	nextID     uint64
}

func NewClient() *Client {
	endpoint := strings.TrimSpace(os.Getenv("SOLANA_RPC_URL"))
	if endpoint == "" {
		endpoint = defaultDevnetRPC
	}
	return NewClientWithEndpoint(endpoint)
}

func NewClientWithEndpoint(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		commitment: "confirmed",
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	payload := rpcRequest{
		Jsonrpc: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc http error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("malformed rpc response: %w", err)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if result == nil || len(parsed.Result) == 0 || string(parsed.Result) == "null" {
		return nil
	}
	return json.Unmarshal(parsed.Result, result)
}

// GetSignaturesForAddress returns the most recent transaction
// references touching address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	var sigs []SignatureInfo
	params := []interface{}{
		address,
		map[string]interface{}{
			"limit":      limit,
			"commitment": c.commitment,
		},
	}
	if err := c.call(ctx, "getSignaturesForAddress", params, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// GetTransaction fetches full transaction detail by signature.
// Returns (nil, nil) when the ledger does not know the signature yet:
// a just-confirmed transaction may not appear immediately.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error) {
	var detail TransactionDetail
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}
	raw := json.RawMessage{}
	if err := c.call(ctx, "getTransaction", params, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("malformed transaction detail: %w", err)
	}
	return &detail, nil
}
