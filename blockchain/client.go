// Package blockchain talks to a Solana RPC node to read WAYL token balances,
// confirm and verify token payments, and derive the holder's tier.
package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// TokenProgramID is the SPL token program.
	TokenProgramID   = "TokenkegQfeZyiNwAdMNvXn7vfDr1YzYx8RpJMhhVtgfG1ftpz"
	lamportsPerSOL   = 1e9
	commitmentLevel  = "confirmed"
	defaultRPCTimout = 30 * time.Second
)

var ErrNoMint = errors.New("token mint address is not configured")

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Config struct {
	RPCURL       string
	TokenMint    string
	Decimals     int
	Timeout      time.Duration
	MaxRetries   int
	TxTimeout    time.Duration
	PollInterval time.Duration
}

// Client provides Solana JSON-RPC access for the WAYL token.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	mint       string
	decimals   int

	MaxRetries   int
	TxTimeout    time.Duration
	PollInterval time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRPCTimout
	}
	c := &Client{
		rpcURL:       cfg.RPCURL,
		httpClient:   &http.Client{Timeout: timeout},
		mint:         cfg.TokenMint,
		decimals:     cfg.Decimals,
		MaxRetries:   cfg.MaxRetries,
		TxTimeout:    cfg.TxTimeout,
		PollInterval: cfg.PollInterval,
	}
	if c.decimals == 0 {
		c.decimals = 9
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c, nil
}

func (c *Client) Mint() string { return c.mint }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// Call makes a JSON-RPC call and returns the "result" member.
func (c *Client) Call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("%s: invalid JSON response", method)
	}

	parsed := gjson.ParseBytes(respBody)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, &RPCError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
	}
	return parsed.Get("result"), nil
}

// Health returns nil when the node reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.Call(ctx, "getHealth")
	if err != nil {
		return err
	}
	if res.String() != "ok" {
		return fmt.Errorf("node unhealthy: %s", res.Raw)
	}
	return nil
}

// GetBalance returns the SOL balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (float64, error) {
	res, err := c.Call(ctx, "getBalance", address, map[string]any{"commitment": commitmentLevel})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return float64(res.Get("value").Uint()) / lamportsPerSOL, nil
}

// GetTokenBalance sums the owner's token accounts for the configured mint.
func (c *Client) GetTokenBalance(ctx context.Context, owner string) (float64, error) {
	if c.mint == "" {
		return 0, ErrNoMint
	}
	res, err := c.Call(ctx, "getTokenAccountsByOwner",
		owner,
		map[string]any{"mint": c.mint},
		map[string]any{"encoding": "jsonParsed", "commitment": commitmentLevel},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to get token balance: %w", err)
	}

	var total float64
	for _, acct := range res.Get("value").Array() {
		total += c.uiAmount(acct.Get("account.data.parsed.info.tokenAmount"))
	}
	return total, nil
}

// uiAmount converts a tokenAmount object (raw amount + decimals) to tokens.
func (c *Client) uiAmount(tokenAmount gjson.Result) float64 {
	raw, err := strconv.ParseFloat(tokenAmount.Get("amount").String(), 64)
	if err != nil {
		return 0
	}
	decimals := c.decimals
	if d := tokenAmount.Get("decimals"); d.Exists() {
		decimals = int(d.Int())
	}
	return raw / math.Pow10(decimals)
}

// SignatureStatus is the confirmation state of a transaction.
type SignatureStatus struct {
	ConfirmationStatus string
	Err                string
	Slot               uint64
}

func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// GetSignatureStatus returns nil when the node does not know the signature yet.
func (c *Client) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	res, err := c.Call(ctx, "getSignatureStatuses", []string{sig}, map[string]any{"searchTransactionHistory": true})
	if err != nil {
		return nil, err
	}
	st := res.Get("value.0")
	if !st.Exists() || st.Type == gjson.Null {
		return nil, nil
	}
	status := &SignatureStatus{
		ConfirmationStatus: st.Get("confirmationStatus").String(),
		Slot:               st.Get("slot").Uint(),
	}
	if e := st.Get("err"); e.Exists() && e.Type != gjson.Null {
		status.Err = e.Raw
	}
	return status, nil
}

// GetTransaction returns the jsonParsed transaction, or a non-existent result
// when the node does not have it.
func (c *Client) GetTransaction(ctx context.Context, sig string) (gjson.Result, error) {
	return c.Call(ctx, "getTransaction", sig, map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     commitmentLevel,
		"maxSupportedTransactionVersion": 0,
	})
}

type SignatureInfo struct {
	Signature string
	BlockTime int64
	Err       string
}

func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int, before string) ([]SignatureInfo, error) {
	opts := map[string]any{"limit": limit}
	if before != "" {
		opts["before"] = before
	}
	res, err := c.Call(ctx, "getSignaturesForAddress", address, opts)
	if err != nil {
		return nil, err
	}

	var out []SignatureInfo
	for _, s := range res.Array() {
		info := SignatureInfo{
			Signature: s.Get("signature").String(),
			BlockTime: s.Get("blockTime").Int(),
		}
		if e := s.Get("err"); e.Exists() && e.Type != gjson.Null {
			info.Err = e.Raw
		}
		out = append(out, info)
	}
	return out, nil
}
