package blockchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

var (
	ErrTransactionFailed    = errors.New("transaction failed")
	ErrConfirmationTimeout  = errors.New("transaction confirmation timeout")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInsufficientTransfer = errors.New("transfer amount below required amount")
)

// ConfirmTransaction polls until sig is confirmed. Each attempt polls every
// PollInterval for up to TxTimeout, and attempts are spaced by an exponential
// backoff starting at PollInterval. A failed transaction ends the wait
// immediately.
func (c *Client) ConfirmTransaction(ctx context.Context, sig string) error {
	var retries uint64
	if c.MaxRetries > 1 {
		retries = uint64(c.MaxRetries - 1)
	}
	backoff := retry.WithMaxRetries(retries, retry.NewExponential(c.PollInterval))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.waitConfirmed(ctx, sig)
		if err == nil || errors.Is(err, ErrTransactionFailed) || ctx.Err() != nil {
			return err
		}
		slog.Warn("Transaction confirmation attempt failed", "signature", sig, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		slog.Error("Transaction not confirmed", "signature", sig, "attempts", attempt, "error", err)
		return err
	}
	slog.Info("Transaction confirmed", "signature", sig)
	return nil
}

func (c *Client) waitConfirmed(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, c.TxTimeout)
	defer cancel()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		status, err := c.GetSignatureStatus(ctx, sig)
		switch {
		case err != nil && ctx.Err() == nil:
			return err
		case status != nil && status.Err != "":
			return fmt.Errorf("%w: %s", ErrTransactionFailed, status.Err)
		case status != nil && status.Confirmed():
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, sig)
		case <-ticker.C:
		}
	}
}

// Transfer is a verified token movement.
type Transfer struct {
	Signature string
	From      string
	To        string
	Amount    float64
	BlockTime time.Time
}

// tokenDeltas returns post-minus-pre token balances per owner for the mint.
func (c *Client) tokenDeltas(tx gjson.Result) map[string]float64 {
	deltas := make(map[string]float64)
	add := func(list gjson.Result, sign float64) {
		for _, b := range list.Array() {
			if b.Get("mint").String() != c.mint {
				continue
			}
			deltas[b.Get("owner").String()] += sign * c.uiAmount(b.Get("uiTokenAmount"))
		}
	}
	add(tx.Get("meta.postTokenBalances"), 1)
	add(tx.Get("meta.preTokenBalances"), -1)
	return deltas
}

// VerifyTransfer confirms sig and checks it moved at least minAmount tokens of
// the configured mint from the from wallet to the to wallet.
func (c *Client) VerifyTransfer(ctx context.Context, sig, from, to string, minAmount float64) (*Transfer, error) {
	if c.mint == "" {
		return nil, ErrNoMint
	}
	if err := c.ConfirmTransaction(ctx, sig); err != nil {
		return nil, err
	}

	tx, err := c.GetTransaction(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if !tx.Exists() || tx.Type == gjson.Null {
		return nil, ErrTransactionNotFound
	}
	if e := tx.Get("meta.err"); e.Exists() && e.Type != gjson.Null {
		return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, e.Raw)
	}

	deltas := c.tokenDeltas(tx)
	received := round(deltas[to])
	sent := round(-deltas[from])
	if sent <= 0 {
		return nil, fmt.Errorf("%w: no tokens left %s", ErrInsufficientTransfer, from)
	}
	if received < minAmount {
		return nil, fmt.Errorf("%w: received %.9g, need %.9g", ErrInsufficientTransfer, received, minAmount)
	}

	return &Transfer{
		Signature: sig,
		From:      from,
		To:        to,
		Amount:    received,
		BlockTime: time.Unix(tx.Get("blockTime").Int(), 0).UTC(),
	}, nil
}

// HistoryEntry summarises one transaction touching an address.
type HistoryEntry struct {
	Signature string  `json:"signature"`
	Timestamp int64   `json:"timestamp"`
	Success   bool    `json:"success"`
	Amount    float64 `json:"amount"`
	Type      string  `json:"type"`
	Fee       float64 `json:"fee"`
}

// History returns up to limit recent transactions for address, newest first.
// before continues from an earlier page's last signature.
func (c *Client) History(ctx context.Context, address string, limit int, before string) ([]HistoryEntry, error) {
	sigs, err := c.GetSignaturesForAddress(ctx, address, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}

	history := make([]HistoryEntry, 0, len(sigs))
	for _, s := range sigs {
		tx, err := c.GetTransaction(ctx, s.Signature)
		if err != nil {
			return nil, fmt.Errorf("failed to get transaction %s: %w", s.Signature, err)
		}
		if !tx.Exists() || tx.Type == gjson.Null {
			continue
		}
		history = append(history, HistoryEntry{
			Signature: s.Signature,
			Timestamp: s.BlockTime,
			Success:   s.Err == "",
			Amount:    round(math.Abs(c.tokenDeltas(tx)[address])),
			Type:      transactionType(tx),
			Fee:       float64(tx.Get("meta.fee").Uint()) / lamportsPerSOL,
		})
	}
	return history, nil
}

func transactionType(tx gjson.Result) string {
	for _, p := range tx.Get("transaction.message.instructions.#.programId").Array() {
		if p.String() == TokenProgramID {
			return "transfer"
		}
	}
	return "unknown"
}

// round trims float noise from decimal conversion.
func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
