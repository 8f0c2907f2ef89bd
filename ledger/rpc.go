package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
)

// Client is the JSON-RPC 2.0 implementation of Gateway.
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        slog.Logger
	nextID     atomic.Uint64

	// confirmPoll is the interval between status polls inside Confirm.
	confirmPoll time.Duration
}

// NewClient returns a Gateway talking to the given RPC endpoint.
func NewClient(endpoint string, timeout time.Duration, log slog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:         log,
		confirmPoll: 2 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      uint64        `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: %w", method, rr.Error)
	}
	if result != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

// contextEnvelope wraps results that come with a slot context.
type contextEnvelope struct {
	Value json.RawMessage `json:"value"`
}

func (c *Client) Balance(ctx context.Context, addr string) (uint64, error) {
	var env struct {
		Value uint64 `json:"value"`
	}
	err := c.call(ctx, "getBalance", []interface{}{addr, map[string]string{"commitment": string(CommitmentConfirmed)}}, &env)
	if err != nil {
		return 0, err
	}
	return env.Value, nil
}

func (c *Client) Account(ctx context.Context, addr string) (*Account, error) {
	var env contextEnvelope
	err := c.call(ctx, "getAccountInfo", []interface{}{
		addr,
		map[string]string{"commitment": string(CommitmentConfirmed), "encoding": "base64"},
	}, &env)
	if err != nil {
		return nil, err
	}
	var v *struct {
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
		Data     []string `json:"data"`
	}
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return nil, fmt.Errorf("getAccountInfo: decode value: %w", err)
		}
	}
	if v == nil {
		return nil, ErrAccountNotFound
	}
	var data []byte
	if len(v.Data) > 0 {
		data, err = base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, fmt.Errorf("getAccountInfo: decode data: %w", err)
		}
	}
	return &Account{Address: addr, Owner: v.Owner, Lamports: v.Lamports, Data: data}, nil
}

func (c *Client) MinRentExempt(ctx context.Context, dataLen int) (uint64, error) {
	var out uint64
	err := c.call(ctx, "getMinimumBalanceForRentExemption", []interface{}{dataLen}, &out)
	return out, err
}

func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	var env struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := c.call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": string(CommitmentConfirmed)}}, &env)
	if err != nil {
		return Blockhash{}, err
	}
	return Blockhash{Hash: env.Value.Blockhash, LastValidBlockHeight: env.Value.LastValidBlockHeight}, nil
}

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	var out uint64
	err := c.call(ctx, "getBlockHeight", []interface{}{map[string]string{"commitment": string(CommitmentConfirmed)}}, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, tx *Tx) (string, error) {
	wire, err := tx.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal tx: %w", err)
	}
	var sig string
	err = c.call(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(wire),
		map[string]interface{}{"encoding": "base64", "skipPreflight": true, "maxRetries": 0},
	}, &sig)
	if err != nil {
		return "", err
	}
	c.log.Debugf("submitted tx sig=%s", sig)
	return sig, nil
}

func (c *Client) Simulate(ctx context.Context, tx *Tx) (*Simulation, error) {
	wire, err := tx.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal tx: %w", err)
	}
	var env struct {
		Value struct {
			Err           json.RawMessage `json:"err"`
			Logs          []string        `json:"logs"`
			UnitsConsumed uint64          `json:"unitsConsumed"`
		} `json:"value"`
	}
	err = c.call(ctx, "simulateTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(wire),
		map[string]interface{}{"encoding": "base64", "commitment": string(CommitmentConfirmed)},
	}, &env)
	if err != nil {
		return nil, err
	}
	sim := &Simulation{Logs: env.Value.Logs, UnitsConsumed: env.Value.UnitsConsumed}
	if string(env.Value.Err) != "null" && len(env.Value.Err) > 0 {
		sim.Err = string(env.Value.Err)
	}
	return sim, nil
}

func (c *Client) SignatureStatus(ctx context.Context, sig string) (*TxStatus, error) {
	var env struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			Confirmations      *int            `json:"confirmations"`
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	err := c.call(ctx, "getSignatureStatuses", []interface{}{
		[]string{sig},
		map[string]bool{"searchTransactionHistory": true},
	}, &env)
	if err != nil {
		return nil, err
	}
	if len(env.Value) == 0 || env.Value[0] == nil {
		return nil, nil
	}
	v := env.Value[0]
	st := &TxStatus{Slot: v.Slot, Commitment: Commitment(v.ConfirmationStatus)}
	if v.Confirmations != nil {
		st.Confirmations = *v.Confirmations
	}
	if string(v.Err) != "null" && len(v.Err) > 0 {
		st.Err = string(v.Err)
	}
	return st, nil
}

// Confirm polls the signature status until the requested commitment is
// reached, the transaction fails on-chain, or ctx's deadline passes. A nil
// status (node has not seen the signature yet) is tolerated; visibility lag
// is expected.
func (c *Client) Confirm(ctx context.Context, sig string, commitment Commitment) (*TxStatus, error) {
	t := time.NewTicker(c.confirmPoll)
	defer t.Stop()
	for {
		st, err := c.SignatureStatus(ctx, sig)
		if err == nil && st != nil {
			if st.Err != "" {
				return st, fmt.Errorf("transaction failed on-chain: %s", st.Err)
			}
			if reached(st.Commitment, commitment) {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ErrConfirmTimeout
		case <-t.C:
		}
	}
}

func reached(have, want Commitment) bool {
	rank := map[Commitment]int{CommitmentProcessed: 1, CommitmentConfirmed: 2, CommitmentFinalized: 3}
	return rank[have] >= rank[want]
}
