package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayl-ai/wayl/blockchain"
	"github.com/wayl-ai/wayl/breaker"
	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/models"
)

const treasury = "Treasury1111111111111111111111111111111111"

func walletUser(id, wallet string) *models.User {
	u := &models.User{ID: id, Username: id, Role: models.RoleUser}
	if wallet != "" {
		u.WalletAddress = &wallet
	}
	return u
}

func newTestPayments(ledger *fakeLedger) (*PaymentService, *memStore) {
	store := newMemStore()
	var l TokenLedger
	if ledger != nil {
		l = ledger
	}
	return NewPaymentService(store, l, cache.NewMemoryCache(), breaker.New(5, time.Minute), treasury), store
}

func TestTokenInfoWithoutWallet(t *testing.T) {
	payments, _ := newTestPayments(&fakeLedger{})

	info, err := payments.TokenInfo(context.Background(), walletUser("u1", ""))
	require.NoError(t, err)
	assert.Zero(t, info.Balance)
	assert.Equal(t, blockchain.LevelBasic, info.Level)
	assert.Equal(t, "basic", info.LevelName)
	assert.Equal(t, 2, info.Benefits.MaxAgents)
}

func TestTokenInfoCachesBalance(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]float64{"w1": 1500}}
	payments, _ := newTestPayments(ledger)
	user := walletUser("u1", "w1")

	info, err := payments.TokenInfo(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, info.Balance)
	assert.Equal(t, "silver", info.LevelName)

	_, err = payments.TokenInfo(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.balanceCalls)
}

func TestCheckUserLimits(t *testing.T) {
	payments, store := newTestPayments(&fakeLedger{})
	user := walletUser("u1", "")
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	payments.now = func() time.Time { return now }

	store.setUsage("u1", 99)
	_, err := payments.CheckUserLimits(context.Background(), user)
	require.NoError(t, err)

	store.setUsage("u1", 100)
	_, err = payments.CheckUserLimits(context.Background(), user)
	apiErr := requireAPIError(t, err, http.StatusTooManyRequests)
	assert.Equal(t, 100, apiErr.Params["limit"])
	assert.Equal(t, 100, apiErr.Params["current"])
	assert.Equal(t, "2024-03-11T00:00:00Z", apiErr.Params["reset_at"])
}

func TestRecordUsage(t *testing.T) {
	payments, store := newTestPayments(nil)
	require.NoError(t, payments.RecordUsage(context.Background(), "u1", 12))
	require.NoError(t, payments.RecordUsage(context.Background(), "u1", 3))

	usage := store.usageFor("u1")
	assert.Equal(t, 2, usage.RequestCount)
	assert.Equal(t, 15, usage.TokensUsed)
}

func TestProcessPayment(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]float64{"w1": 50}}
	payments, _ := newTestPayments(ledger)
	user := walletUser("u1", "w1")
	ctx := context.Background()

	_, err := payments.TokenInfo(ctx, user)
	require.NoError(t, err)

	req := PaymentRequest{Amount: 25, Description: "credits", TxSignature: "sig-1"}
	record, err := payments.ProcessPayment(ctx, user, req)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, record.Status)
	assert.Equal(t, 25.0, record.Amount)

	_, err = payments.ProcessPayment(ctx, user, req)
	assert.Equal(t, errDuplicatePayment, err)

	// the balance cache is dropped after a payment
	_, err = payments.TokenInfo(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.balanceCalls)

	list, err := payments.Payments(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProcessPaymentValidation(t *testing.T) {
	payments, _ := newTestPayments(&fakeLedger{})
	ctx := context.Background()
	user := walletUser("u1", "w1")

	tests := []struct {
		name   string
		user   *models.User
		req    PaymentRequest
		status int
	}{
		{"zero amount", user, PaymentRequest{Amount: 0, Description: "x", TxSignature: "s"}, http.StatusBadRequest},
		{"no description", user, PaymentRequest{Amount: 1, Description: " ", TxSignature: "s"}, http.StatusBadRequest},
		{"no signature", user, PaymentRequest{Amount: 1, Description: "x"}, http.StatusBadRequest},
		{"no wallet", walletUser("u2", ""), PaymentRequest{Amount: 1, Description: "x", TxSignature: "s"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payments.ProcessPayment(ctx, tt.user, tt.req)
			requireAPIError(t, err, tt.status)
		})
	}

	disabled, _ := newTestPayments(nil)
	_, err := disabled.ProcessPayment(ctx, user, PaymentRequest{Amount: 1, Description: "x", TxSignature: "s"})
	requireAPIError(t, err, http.StatusServiceUnavailable)
}

func TestProcessPaymentFailures(t *testing.T) {
	ctx := context.Background()
	user := walletUser("u1", "w1")
	req := PaymentRequest{Amount: 10, Description: "credits", TxSignature: "sig-bad"}

	t.Run("insufficient transfer", func(t *testing.T) {
		payments, store := newTestPayments(&fakeLedger{transferErr: blockchain.ErrInsufficientTransfer})
		_, err := payments.ProcessPayment(ctx, user, req)
		apiErr := requireAPIError(t, err, http.StatusPaymentRequired)
		assert.Equal(t, 10.0, apiErr.Params["required"])
		assert.Empty(t, store.payments)
	})

	t.Run("failed transaction is recorded", func(t *testing.T) {
		payments, store := newTestPayments(&fakeLedger{transferErr: blockchain.ErrTransactionFailed})
		_, err := payments.ProcessPayment(ctx, user, req)
		requireAPIError(t, err, http.StatusBadRequest)
		require.Len(t, store.payments, 1)
		assert.Equal(t, models.PaymentFailed, store.payments[0].Status)

		_, err = payments.ProcessPayment(ctx, user, req)
		assert.Equal(t, errDuplicatePayment, err)
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		payments, _ := newTestPayments(&fakeLedger{transferErr: blockchain.ErrConfirmationTimeout})
		_, err := payments.ProcessPayment(ctx, user, req)
		requireAPIError(t, err, http.StatusGatewayTimeout)
	})

	t.Run("open circuit", func(t *testing.T) {
		payments, _ := newTestPayments(&fakeLedger{})
		payments.breaker.ForceOpen(blockchainService)
		_, err := payments.ProcessPayment(ctx, user, req)
		requireAPIError(t, err, http.StatusServiceUnavailable)
	})

	t.Run("unexpected error", func(t *testing.T) {
		payments, _ := newTestPayments(&fakeLedger{transferErr: errors.New("rpc exploded")})
		_, err := payments.ProcessPayment(ctx, user, req)
		var apiErr *APIError
		assert.False(t, errors.As(err, &apiErr))
	})
}

func TestRejectedPaymentsKeepCircuitClosed(t *testing.T) {
	ctx := context.Background()
	ledger := &fakeLedger{
		balances:    map[string]float64{"w2": 500},
		transferErr: blockchain.ErrInsufficientTransfer,
	}
	payments, _ := newTestPayments(ledger)

	for i := 0; i < 5; i++ {
		req := PaymentRequest{Amount: 10, Description: "credits", TxSignature: fmt.Sprintf("sig-%d", i)}
		_, err := payments.ProcessPayment(ctx, walletUser("u1", "w1"), req)
		requireAPIError(t, err, http.StatusPaymentRequired)
	}
	assert.Equal(t, breaker.Closed, payments.breaker.State(blockchainService))

	info, err := payments.TokenInfo(ctx, walletUser("u2", "w2"))
	require.NoError(t, err)
	assert.Equal(t, "bronze", info.LevelName)
}

func TestRPCFailuresOpenCircuit(t *testing.T) {
	ctx := context.Background()
	payments, _ := newTestPayments(&fakeLedger{transferErr: errors.New("connection refused")})

	for i := 0; i < 5; i++ {
		req := PaymentRequest{Amount: 10, Description: "credits", TxSignature: fmt.Sprintf("sig-%d", i)}
		_, err := payments.ProcessPayment(ctx, walletUser("u1", "w1"), req)
		require.Error(t, err)
	}
	assert.Equal(t, breaker.Open, payments.breaker.State(blockchainService))

	_, err := payments.TokenInfo(ctx, walletUser("u2", "w2"))
	requireAPIError(t, err, http.StatusServiceUnavailable)
}

func TestTransactions(t *testing.T) {
	ledger := &fakeLedger{history: []blockchain.HistoryEntry{{Signature: "s1", Success: true}}}
	payments, _ := newTestPayments(ledger)
	ctx := context.Background()

	got, err := payments.Transactions(ctx, walletUser("u1", "w1"), 10, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = payments.Transactions(ctx, walletUser("u2", ""), 10, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}
