package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMint = "WAYLmint1111111111111111111111111111111111"
	payer    = "Payer111111111111111111111111111111111111"
	treasury = "Treasury1111111111111111111111111111111111"
)

// fakeNode answers JSON-RPC calls from a per-method table of raw results.
type fakeNode struct {
	results map[string]func(params []json.RawMessage) string
	calls   atomic.Int32
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	node := &fakeNode{results: map[string]func([]json.RawMessage) string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node.calls.Add(1)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		fn, ok := node.results[req.Method]
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, fn(req.Params))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		RPCURL:       srv.URL,
		TokenMint:    testMint,
		TxTimeout:    50 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return node, c
}

func static(raw string) func([]json.RawMessage) string {
	return func([]json.RawMessage) string { return raw }
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestCallReturnsRPCError(t *testing.T) {
	_, c := newFakeNode(t)
	_, err := c.Call(context.Background(), "nope")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(-32601), rpcErr.Code)
}

func TestGetBalance(t *testing.T) {
	node, c := newFakeNode(t)
	node.results["getBalance"] = static(`{"context":{"slot":1},"value":2500000000}`)

	sol, err := c.GetBalance(context.Background(), payer)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, sol, 1e-9)
}

func TestGetTokenBalanceSumsAccounts(t *testing.T) {
	node, c := newFakeNode(t)
	node.results["getTokenAccountsByOwner"] = func(params []json.RawMessage) string {
		assert.JSONEq(t, `{"mint":"`+testMint+`"}`, string(params[1]))
		return `{"value":[
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"1500000000000","decimals":9}}}}}},
			{"account":{"data":{"parsed":{"info":{"tokenAmount":{"amount":"250000000","decimals":9}}}}}}
		]}`
	}

	bal, err := c.GetTokenBalance(context.Background(), payer)
	require.NoError(t, err)
	assert.InDelta(t, 1500.25, bal, 1e-9)
	assert.Equal(t, LevelSilver, LevelFor(bal))
}

func TestGetTokenBalanceWithoutMint(t *testing.T) {
	c, err := NewClient(Config{RPCURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = c.GetTokenBalance(context.Background(), payer)
	assert.ErrorIs(t, err, ErrNoMint)
}

func TestHealth(t *testing.T) {
	node, c := newFakeNode(t)
	node.results["getHealth"] = static(`"ok"`)
	assert.NoError(t, c.Health(context.Background()))

	node.results["getHealth"] = static(`"behind"`)
	assert.Error(t, c.Health(context.Background()))
}

func TestConfirmTransactionAfterPending(t *testing.T) {
	node, c := newFakeNode(t)
	var polls atomic.Int32
	node.results["getSignatureStatuses"] = func([]json.RawMessage) string {
		if polls.Add(1) < 3 {
			return `{"value":[null]}`
		}
		return `{"value":[{"slot":5,"confirmationStatus":"confirmed","err":null}]}`
	}

	require.NoError(t, c.ConfirmTransaction(context.Background(), "sig"))
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestConfirmTransactionFailed(t *testing.T) {
	node, c := newFakeNode(t)
	node.results["getSignatureStatuses"] = static(`{"value":[{"slot":5,"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}`)

	err := c.ConfirmTransaction(context.Background(), "sig")
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestConfirmTransactionTimesOutAfterRetries(t *testing.T) {
	node, c := newFakeNode(t)
	c.TxTimeout = 10 * time.Millisecond
	node.results["getSignatureStatuses"] = static(`{"value":[null]}`)

	start := time.Now()
	err := c.ConfirmTransaction(context.Background(), "sig")
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 3*c.TxTimeout)
}

func TestConfirmTransactionRetriesAfterTimeout(t *testing.T) {
	node, c := newFakeNode(t)
	c.TxTimeout = 10 * time.Millisecond
	start := time.Now()
	node.results["getSignatureStatuses"] = func([]json.RawMessage) string {
		if time.Since(start) < 15*time.Millisecond {
			return `{"value":[null]}`
		}
		return `{"value":[{"slot":5,"confirmationStatus":"finalized","err":null}]}`
	}

	require.NoError(t, c.ConfirmTransaction(context.Background(), "sig"))
	assert.GreaterOrEqual(t, time.Since(start), c.TxTimeout)
}

func TestConfirmTransactionStopsOnCancel(t *testing.T) {
	node, c := newFakeNode(t)
	node.results["getSignatureStatuses"] = static(`{"value":[null]}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, c.ConfirmTransaction(ctx, "sig"))
	assert.Zero(t, node.calls.Load())
}

const transferTx = `{
	"blockTime": 1700000000,
	"meta": {
		"err": null,
		"fee": 5000,
		"preTokenBalances": [
			{"accountIndex":1,"mint":"` + testMint + `","owner":"` + payer + `","uiTokenAmount":{"amount":"500000000000","decimals":9}},
			{"accountIndex":2,"mint":"` + testMint + `","owner":"` + treasury + `","uiTokenAmount":{"amount":"0","decimals":9}}
		],
		"postTokenBalances": [
			{"accountIndex":1,"mint":"` + testMint + `","owner":"` + payer + `","uiTokenAmount":{"amount":"400000000000","decimals":9}},
			{"accountIndex":2,"mint":"` + testMint + `","owner":"` + treasury + `","uiTokenAmount":{"amount":"100000000000","decimals":9}}
		]
	},
	"transaction": {"message": {"instructions": [{"programId":"` + TokenProgramID + `"}]}}
}`

func newConfirmedNode(t *testing.T) (*fakeNode, *Client) {
	node, c := newFakeNode(t)
	node.results["getSignatureStatuses"] = static(`{"value":[{"slot":5,"confirmationStatus":"finalized","err":null}]}`)
	node.results["getTransaction"] = static(transferTx)
	return node, c
}

func TestVerifyTransfer(t *testing.T) {
	_, c := newConfirmedNode(t)

	tr, err := c.VerifyTransfer(context.Background(), "sig", payer, treasury, 100)
	require.NoError(t, err)
	assert.InDelta(t, 100, tr.Amount, 1e-9)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), tr.BlockTime)
}

func TestVerifyTransferRejects(t *testing.T) {
	_, c := newConfirmedNode(t)
	ctx := context.Background()

	_, err := c.VerifyTransfer(ctx, "sig", payer, treasury, 150)
	assert.ErrorIs(t, err, ErrInsufficientTransfer)

	_, err = c.VerifyTransfer(ctx, "sig", "Someone", treasury, 10)
	assert.ErrorIs(t, err, ErrInsufficientTransfer, "sender must be the paying wallet")
}

func TestVerifyTransferMissingTransaction(t *testing.T) {
	node, c := newConfirmedNode(t)
	node.results["getTransaction"] = static(`null`)

	_, err := c.VerifyTransfer(context.Background(), "sig", payer, treasury, 1)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestHistory(t *testing.T) {
	node, c := newConfirmedNode(t)
	node.results["getSignaturesForAddress"] = func(params []json.RawMessage) string {
		assert.JSONEq(t, `{"limit":2}`, string(params[1]))
		return `[{"signature":"s1","blockTime":1700000000,"err":null},{"signature":"s2","blockTime":1690000000,"err":{"x":1}}]`
	}

	hist, err := c.History(context.Background(), payer, 2, "")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, HistoryEntry{
		Signature: "s1", Timestamp: 1700000000, Success: true,
		Amount: 100, Type: "transfer", Fee: 0.000005,
	}, hist[0])
	assert.False(t, hist[1].Success)
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		balance float64
		want    int
	}{
		{0, LevelBasic},
		{99.99, LevelBasic},
		{100, LevelBronze},
		{1_000, LevelSilver},
		{10_000, LevelGold},
		{100_000, LevelPlatinum},
		{1_000_000, LevelDiamond},
		{5e9, LevelDiamond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.balance), "balance %v", tt.balance)
	}
	assert.Equal(t, "gold", LevelName(LevelGold))
	assert.Equal(t, "basic", LevelName(42))
}

func TestBenefits(t *testing.T) {
	basic := BenefitsFor(LevelBasic)
	assert.Equal(t, DailyLimit(100), basic.DailyRequests)
	assert.True(t, basic.CanUseModel("deepseek-7b"))
	assert.False(t, basic.CanUseModel("deepseek-33b"))

	plat := BenefitsFor(LevelPlatinum)
	assert.True(t, plat.CanUseModel("anything"))

	diamond := BenefitsFor(LevelDiamond)
	assert.True(t, diamond.DailyRequests.IsUnlimited())
	b, err := json.Marshal(diamond)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"daily_requests":"unlimited"`)

	var back Benefits
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, diamond, back)

	basic.ModelAccess[0] = "mutated"
	assert.Equal(t, "deepseek-7b", BenefitsFor(LevelBasic).ModelAccess[0])
}

func TestWalletSignatures(t *testing.T) {
	kp, err := NewKeypair()
	require.NoError(t, err)
	addr := kp.Address()
	require.NoError(t, ValidateAddress(addr))

	msg := "Connect wallet " + addr + " to WAYL AI Platform user 1"
	sig := kp.Sign(msg)
	assert.NoError(t, VerifySignature(addr, msg, sig))
	assert.ErrorIs(t, VerifySignature(addr, msg+"x", sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(addr, msg, "0OIl"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("short", msg, sig), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("not-base58-0OIl"), ErrInvalidAddress)

	restored, err := KeypairFromSecret(kp.Secret())
	require.NoError(t, err)
	assert.Equal(t, addr, restored.Address())

	_, err = KeypairFromSecret("abc")
	assert.Error(t, err)
}
