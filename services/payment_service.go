package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wayl-ai/wayl/blockchain"
	"github.com/wayl-ai/wayl/breaker"
	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/metrics"
	"github.com/wayl-ai/wayl/models"
	"github.com/wayl-ai/wayl/repository"
)

const (
	blockchainService = "blockchain"
	balanceCacheTTL   = 60 * time.Second
)

// TokenLedger is the on-chain view of the WAYL token.
type TokenLedger interface {
	GetTokenBalance(ctx context.Context, owner string) (float64, error)
	VerifyTransfer(ctx context.Context, sig, from, to string, minAmount float64) (*blockchain.Transfer, error)
	History(ctx context.Context, address string, limit int, before string) ([]blockchain.HistoryEntry, error)
}

type PaymentStore interface {
	GetTodayUsage(ctx context.Context, userID string, now time.Time) (*models.UsageRecord, error)
	IncrementUsage(ctx context.Context, userID string, now time.Time, tokens int) error
	CreatePayment(ctx context.Context, payment *models.PaymentRecord) error
	PaymentExists(ctx context.Context, txHash string) (bool, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error)
}

type DailyUsage struct {
	Requests int `json:"requests"`
	Tokens   int `json:"tokens"`
}

type TokenInfo struct {
	Address    *string             `json:"address"`
	Balance    float64             `json:"balance"`
	Level      int                 `json:"level"`
	LevelName  string              `json:"level_name"`
	Benefits   blockchain.Benefits `json:"benefits"`
	DailyUsage DailyUsage          `json:"daily_usage"`
}

type PaymentRequest struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	TxSignature string  `json:"tx_signature"`
}

var (
	errLedgerUnavailable = newAPIError(http.StatusServiceUnavailable, "blockchain_unavailable", "Blockchain service unavailable")
	errDuplicatePayment  = newAPIError(http.StatusConflict, "duplicate_transaction", "Transaction already processed")
)

type PaymentService struct {
	repo     PaymentStore
	ledger   TokenLedger
	cache    cache.Cache
	breaker  *breaker.Breaker
	treasury string
	now      func() time.Time
}

// NewPaymentService wires payments. A nil ledger treats every balance as zero
// and rejects payments.
func NewPaymentService(repo PaymentStore, ledger TokenLedger, c cache.Cache, b *breaker.Breaker, treasury string) *PaymentService {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if b == nil {
		b = breaker.New(0, 0)
	}
	return &PaymentService{
		repo:     repo,
		ledger:   ledger,
		cache:    c,
		breaker:  b,
		treasury: treasury,
		now:      time.Now,
	}
}

func balanceKey(wallet string) string { return "token_balance:" + wallet }

func (s *PaymentService) balance(ctx context.Context, wallet string) (float64, error) {
	var cached float64
	if cache.GetJSON(ctx, s.cache, balanceKey(wallet), &cached) {
		return cached, nil
	}

	bal, err := breaker.Call(ctx, s.breaker, blockchainService, func(ctx context.Context) (float64, error) {
		return s.ledger.GetTokenBalance(ctx, wallet)
	})
	if err != nil {
		slog.Error("Failed to get token balance", "error", err, "wallet", wallet)
		return 0, errLedgerUnavailable
	}
	if err := cache.SetJSON(ctx, s.cache, balanceKey(wallet), bal, balanceCacheTTL, "balances"); err != nil {
		slog.Warn("Failed to cache token balance", "error", err)
	}
	return bal, nil
}

// TokenInfo reports the user's balance, tier and today's usage. Users without
// a wallet hold zero tokens.
func (s *PaymentService) TokenInfo(ctx context.Context, user *models.User) (*TokenInfo, error) {
	var bal float64
	if user.WalletAddress != nil && s.ledger != nil {
		var err error
		if bal, err = s.balance(ctx, *user.WalletAddress); err != nil {
			return nil, err
		}
	}

	usage, err := s.repo.GetTodayUsage(ctx, user.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	level := blockchain.LevelFor(bal)
	return &TokenInfo{
		Address:    user.WalletAddress,
		Balance:    bal,
		Level:      level,
		LevelName:  blockchain.LevelName(level),
		Benefits:   blockchain.BenefitsFor(level),
		DailyUsage: DailyUsage{Requests: usage.RequestCount, Tokens: usage.TokensUsed},
	}, nil
}

// APIRateLimit returns the per-window request allowance of the user's tier.
// The balance lookup shares the token balance cache.
func (s *PaymentService) APIRateLimit(ctx context.Context, user *models.User) (int, error) {
	var bal float64
	if user.WalletAddress != nil && s.ledger != nil {
		var err error
		if bal, err = s.balance(ctx, *user.WalletAddress); err != nil {
			return 0, err
		}
	}
	return blockchain.BenefitsFor(blockchain.LevelFor(bal)).APIRateLimit, nil
}

func nextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// CheckUserLimits fails with 429 once today's requests reach the tier quota.
func (s *PaymentService) CheckUserLimits(ctx context.Context, user *models.User) (*TokenInfo, error) {
	info, err := s.TokenInfo(ctx, user)
	if err != nil {
		return nil, err
	}
	limit := info.Benefits.DailyRequests
	if !limit.IsUnlimited() && info.DailyUsage.Requests >= int(limit) {
		metrics.RateLimited("daily_quota")
		apiErr := newAPIError(http.StatusTooManyRequests, "daily_limit_exceeded", "Daily request limit exceeded")
		apiErr.Params = map[string]any{
			"limit":    int(limit),
			"current":  info.DailyUsage.Requests,
			"reset_at": nextUTCMidnight(s.now()).Format(time.RFC3339),
		}
		return nil, apiErr
	}
	return info, nil
}

// CanUseModel reports whether the tier in info grants modelID.
func CanUseModel(info *TokenInfo, modelID string) bool {
	return info != nil && info.Benefits.CanUseModel(modelID)
}

// RecordUsage counts one request and its tokens for today.
func (s *PaymentService) RecordUsage(ctx context.Context, userID string, tokens int) error {
	if err := s.repo.IncrementUsage(ctx, userID, s.now(), tokens); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ProcessPayment verifies a client-signed transfer of at least req.Amount
// tokens from the user's wallet to the treasury and records it.
func (s *PaymentService) ProcessPayment(ctx context.Context, user *models.User, req PaymentRequest) (*models.PaymentRecord, error) {
	req.Description = strings.TrimSpace(req.Description)
	req.TxSignature = strings.TrimSpace(req.TxSignature)
	switch {
	case req.Amount <= 0:
		return nil, badRequest("Amount must be greater than 0")
	case len(req.Description) < 1 || len(req.Description) > 200:
		return nil, badRequest("Description must be between 1 and 200 characters")
	case req.TxSignature == "" || len(req.TxSignature) > 128:
		return nil, badRequest("A transaction signature is required")
	case user.WalletAddress == nil:
		return nil, errNoWallet
	case s.ledger == nil || s.treasury == "":
		return nil, newAPIError(http.StatusServiceUnavailable, "payments_disabled", "Payments are not configured")
	}

	exists, err := s.repo.PaymentExists(ctx, req.TxSignature)
	if err != nil {
		return nil, fmt.Errorf("failed to check payment: %w", err)
	}
	if exists {
		return nil, errDuplicatePayment
	}

	start := s.now()
	transfer, err := breaker.Call(ctx, s.breaker, blockchainService, func(ctx context.Context) (*blockchain.Transfer, error) {
		t, err := s.ledger.VerifyTransfer(ctx, req.TxSignature, *user.WalletAddress, s.treasury, req.Amount)
		if isTransferVerdict(err) {
			return nil, breaker.Benign(err)
		}
		return t, err
	})
	if err != nil {
		return nil, s.paymentFailed(ctx, user, req, err)
	}

	record := &models.PaymentRecord{
		UserID:      user.ID,
		Amount:      transfer.Amount,
		TxHash:      req.TxSignature,
		Description: req.Description,
		Status:      models.PaymentCompleted,
	}
	if err := s.repo.CreatePayment(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, errDuplicatePayment
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	if err := s.cache.Delete(ctx, balanceKey(*user.WalletAddress)); err != nil {
		slog.Warn("Failed to invalidate balance cache", "error", err)
	}

	metrics.Payment(models.PaymentCompleted)
	slog.Info("Payment processed", "user_id", user.ID, "amount", transfer.Amount, "tx", req.TxSignature, "duration", s.now().Sub(start))
	return record, nil
}

// isTransferVerdict reports whether err is the chain's answer about the
// submitted transaction rather than an RPC failure.
func isTransferVerdict(err error) bool {
	return errors.Is(err, blockchain.ErrInsufficientTransfer) ||
		errors.Is(err, blockchain.ErrTransactionFailed) ||
		errors.Is(err, blockchain.ErrTransactionNotFound)
}

// paymentFailed maps a verification error and records definitively failed
// transactions so the signature cannot be replayed.
func (s *PaymentService) paymentFailed(ctx context.Context, user *models.User, req PaymentRequest, err error) error {
	metrics.Payment(models.PaymentFailed)
	slog.Error("Payment verification failed", "error", err, "user_id", user.ID, "tx", req.TxSignature)

	switch {
	case errors.Is(err, blockchain.ErrInsufficientTransfer):
		apiErr := newAPIError(http.StatusPaymentRequired, "insufficient_balance", "Insufficient token balance")
		apiErr.Params = map[string]any{"required": req.Amount}
		return apiErr
	case errors.Is(err, blockchain.ErrTransactionFailed), errors.Is(err, blockchain.ErrTransactionNotFound):
		failed := &models.PaymentRecord{
			UserID:      user.ID,
			Amount:      req.Amount,
			TxHash:      req.TxSignature,
			Description: req.Description,
			Status:      models.PaymentFailed,
		}
		if cerr := s.repo.CreatePayment(ctx, failed); cerr != nil && !errors.Is(cerr, repository.ErrDuplicate) {
			slog.Error("Failed to record failed payment", "error", cerr)
		}
		return badRequest("Payment transaction failed")
	case errors.Is(err, blockchain.ErrConfirmationTimeout):
		return newAPIError(http.StatusGatewayTimeout, "confirmation_timeout", "Transaction was not confirmed in time")
	case errors.Is(err, breaker.ErrCircuitOpen):
		return errLedgerUnavailable
	default:
		return fmt.Errorf("payment verification: %w", err)
	}
}

func (s *PaymentService) Payments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	return s.repo.ListPayments(ctx, userID, limit)
}

// Transactions lists recent on-chain activity of the user's wallet.
func (s *PaymentService) Transactions(ctx context.Context, user *models.User, limit int, before string) ([]blockchain.HistoryEntry, error) {
	if user.WalletAddress == nil || s.ledger == nil {
		return []blockchain.HistoryEntry{}, nil
	}
	history, err := breaker.Call(ctx, s.breaker, blockchainService, func(ctx context.Context) ([]blockchain.HistoryEntry, error) {
		return s.ledger.History(ctx, *user.WalletAddress, limit, before)
	})
	if err != nil {
		slog.Error("Failed to get transaction history", "error", err, "user_id", user.ID)
		return nil, errLedgerUnavailable
	}
	return history, nil
}
