package settlement

import (
	"CoinArena/internal/ledger"
	fpmath "CoinArena/internal/math"
	"CoinArena/internal/observability"
	"CoinArena/internal/treasury"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PayoutStore is the payout read/write surface the executor drives.
type PayoutStore interface {
	PayoutByLobby(ctx context.Context, lobbyID string) (*ledger.Payout, error)
	PendingItems(ctx context.Context, payoutID uuid.UUID) ([]ledger.PayoutItem, error)
	MarkItemSent(ctx context.Context, itemID uuid.UUID, txHash string) error
	MarkItemFailed(ctx context.Context, itemID uuid.UUID, errText string) error
	CompletePayout(ctx context.Context, payoutID uuid.UUID, status ledger.PayoutStatus, fromWallet, errText string) error
}

// Chain is the RPC surface used to submit transfers.
type Chain interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	TransactionKnown(ctx context.Context, txHash string) (bool, error)
}

// NonceReserver hands out contiguous nonce blocks for a signer.
type NonceReserver interface {
	Reserve(ctx context.Context, address string, count int) (uint64, error)
}

// TxSigner signs transfers with the treasury key.
type TxSigner interface {
	Address() string
	Sign(t treasury.Transfer) ([]byte, string, error)
}

// Result is what one execution did. Sent and Failed count items processed
// by this call only.
type Result struct {
	PayoutID uuid.UUID           `json:"payout_id"`
	LobbyID  string              `json:"lobby_id"`
	Status   ledger.PayoutStatus `json:"status"`
	Sent     int                 `json:"sent"`
	Failed   int                 `json:"failed"`
}

// ExecutorConfig carries the send policy.
type ExecutorConfig struct {
	GasLimit         uint64
	FallbackGasPrice *big.Int
	SendRetries      int
	SendBackoff      time.Duration
}

// Executor signs and submits one transfer per PENDING payout item.
type Executor struct {
	store   PayoutStore
	chain   Chain
	nonces  NonceReserver
	signer  TxSigner
	cfg     ExecutorConfig
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewExecutor(
	store PayoutStore,
	chain Chain,
	nonces NonceReserver,
	signer TxSigner,
	cfg ExecutorConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Executor {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 60000
	}
	if cfg.FallbackGasPrice == nil {
		cfg.FallbackGasPrice = big.NewInt(1_200_000_000)
	}
	if cfg.SendRetries < 1 {
		cfg.SendRetries = 1
	}
	return &Executor{
		store:   store,
		chain:   chain,
		nonces:  nonces,
		signer:  signer,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
	}
}

// Execute settles the payout for lobbyID.
//
// Zero totals are marked SENT without touching the chain. A terminal record
// with no PENDING items is returned unchanged. Otherwise every PENDING item
// is sent in order on a freshly reserved nonce block; a failed item is
// recorded and the batch moves on. The record ends SENT when at least one
// item went out in this call, FAILED otherwise.
func (e *Executor) Execute(ctx context.Context, lobbyID string) (Result, error) {
	payout, err := e.store.PayoutByLobby(ctx, lobbyID)
	if err != nil {
		return Result{}, err
	}
	res := Result{PayoutID: payout.ID, LobbyID: lobbyID, Status: payout.Status}
	log := e.log.With().Str("lobby_id", lobbyID).Str("payout_id", payout.ID.String()).Logger()

	total, err := fpmath.ToWei(payout.TotalQuai)
	if err != nil {
		return Result{}, fmt.Errorf("payout %s total: %w", payout.ID, err)
	}
	if total.Sign() == 0 {
		return e.completeEmpty(ctx, res, payout)
	}

	items, err := e.store.PendingItems(ctx, payout.ID)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		if payout.Status.IsTerminal() {
			e.metrics.PayoutExecutions.WithLabelValues("noop").Inc()
			return res, nil
		}
		return e.completeEmpty(ctx, res, payout)
	}

	from := e.signer.Address()
	nonce, err := e.nonces.Reserve(ctx, from, len(items))
	if err != nil {
		e.metrics.PayoutExecutions.WithLabelValues("error").Inc()
		return Result{}, err
	}

	gasPrice, err := e.chain.GasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		log.Warn().Err(err).Str("fallback_wei", e.cfg.FallbackGasPrice.String()).Msg("gas price unavailable, using fallback")
		gasPrice = e.cfg.FallbackGasPrice
	}

	for _, item := range items {
		// Items that cannot be built do not consume a nonce.
		tr, sendErr := e.transfer(item, gasPrice)
		var txHash string
		if sendErr == nil {
			tr.Nonce = nonce
			nonce++
			txHash, sendErr = e.sendItem(ctx, tr, from)
		}

		if sendErr == nil {
			if err := e.store.MarkItemSent(ctx, item.ID, txHash); err != nil {
				sendErr = fmt.Errorf("record tx %s: %w", txHash, err)
			}
		}
		if sendErr != nil {
			res.Failed++
			e.metrics.PayoutItems.WithLabelValues(itemOutcome(sendErr)).Inc()
			log.Error().
				Str("item_id", item.ID.String()).
				Str("payout_address", item.PayoutAddress).
				Str("err", observability.RedactError(sendErr)).
				Msg("payout transfer failed")
			if err := e.store.MarkItemFailed(ctx, item.ID, observability.RedactError(sendErr)); err != nil {
				log.Error().Err(err).Str("item_id", item.ID.String()).Msg("record item failure")
			}
			continue
		}

		res.Sent++
		e.metrics.PayoutItems.WithLabelValues("sent").Inc()
		log.Debug().Str("item_id", item.ID.String()).Str("tx_hash", txHash).Msg("payout transfer sent")
	}

	res.Status = ledger.PayoutSent
	errText := ""
	if res.Sent == 0 {
		res.Status = ledger.PayoutFailed
		errText = "All payouts failed"
	}
	if err := e.store.CompletePayout(ctx, payout.ID, res.Status, from, errText); err != nil {
		return res, err
	}
	// Report what the record now holds; a SENT record stays SENT.
	if !payout.Status.CanTransitionTo(res.Status) {
		res.Status = payout.Status
	}
	e.metrics.PayoutExecutions.WithLabelValues(string(res.Status)).Inc()

	ev := log.Info()
	if res.Sent == 0 {
		ev = log.Warn()
	}
	ev.Str("from", from).Int("sent", res.Sent).Int("failed", res.Failed).Msg("payout execution complete")
	return res, nil
}

func (e *Executor) completeEmpty(ctx context.Context, res Result, payout *ledger.Payout) (Result, error) {
	if payout.Status.IsTerminal() {
		e.metrics.PayoutExecutions.WithLabelValues("noop").Inc()
		return res, nil
	}
	if err := e.store.CompletePayout(ctx, payout.ID, ledger.PayoutSent, "", ""); err != nil {
		return Result{}, err
	}
	res.Status = ledger.PayoutSent
	e.metrics.PayoutExecutions.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (e *Executor) transfer(item ledger.PayoutItem, gasPrice *big.Int) (treasury.Transfer, error) {
	value, err := fpmath.ToWei(item.AmountQuai)
	if err != nil {
		return treasury.Transfer{}, fmt.Errorf("item amount: %w", err)
	}
	if !common.IsHexAddress(item.PayoutAddress) {
		return treasury.Transfer{}, fmt.Errorf("%w: %q", treasury.ErrInvalidRecipient, item.PayoutAddress)
	}
	return treasury.Transfer{
		To:       item.PayoutAddress,
		ValueWei: value,
		GasPrice: gasPrice,
		GasLimit: e.cfg.GasLimit,
	}, nil
}

// sendItem signs and submits tr and returns the transaction hash.
func (e *Executor) sendItem(ctx context.Context, tr treasury.Transfer, from string) (string, error) {
	raw, hash, err := e.signer.Sign(tr)
	if err != nil {
		return "", err
	}

	renonced := false
	for attempt := 1; attempt <= e.cfg.SendRetries; attempt++ {
		sent, err := e.chain.SendRawTransaction(ctx, raw)
		if err == nil {
			if strings.HasPrefix(strings.TrimSpace(sent), "0x") {
				return strings.TrimSpace(sent), nil
			}
			return hash, nil
		}
		msg := err.Error()

		if isAlreadyKnown(msg) {
			return hash, nil
		}
		// The node may have accepted it without answering.
		if known, _ := e.chain.TransactionKnown(ctx, hash); known {
			return hash, nil
		}
		if isInsufficientFunds(msg) {
			return "", fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}

		// Only the first attempt may re-reserve, once per item, without
		// spending an attempt. Later it means an earlier send landed.
		if isNonceTooLow(msg) && attempt == 1 && !renonced {
			renonced = true
			fresh, rerr := e.nonces.Reserve(ctx, from, 1)
			if rerr != nil {
				return "", rerr
			}
			tr.Nonce = fresh
			if raw, hash, err = e.signer.Sign(tr); err != nil {
				return "", err
			}
			attempt--
			continue
		}

		if !isRetryable(msg) {
			return "", err
		}
		if attempt >= e.cfg.SendRetries {
			return "", fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
		}

		e.metrics.PayoutSendRetries.Inc()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.SendBackoff * time.Duration(attempt)):
		}
	}
	return "", ErrRetriesExhausted
}

func itemOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	default:
		return "failed"
	}
}
