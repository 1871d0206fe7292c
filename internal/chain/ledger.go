// Package chain is the on-chain settlement ledger: the game contract records
// each cycle's result and holds participant balances, and the token contract
// applies the oracle's mint or burn.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/romankoyan-pixel/scandal-oracle/internal/crypto"
	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// Backend is the part of an Ethereum JSON-RPC client the ledger uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config describes the contracts and transaction parameters.
type Config struct {
	RPCURL            string
	ChainID           int64
	GameAddress       string
	TokenAddress      string
	GasLimit          uint64
	ConfirmTimeout    time.Duration
	PollInterval      time.Duration
	RequestsPerSecond float64
	// Decimals converts on-chain balances to whole token units.
	Decimals int
}

// Ledger implements domain.ExternalLedger and domain.BalanceSource.
type Ledger struct {
	cfg     Config
	backend Backend
	signer  *crypto.TxSigner
	game    common.Address
	token   common.Address
	limiter *rate.Limiter
	logger  *slog.Logger
	closeFn func()

	// sendMu keeps nonces in order across concurrent settlements.
	sendMu sync.Mutex
}

var (
	_ domain.ExternalLedger = (*Ledger)(nil)
	_ domain.BalanceSource  = (*Ledger)(nil)
)

// Dial connects to cfg.RPCURL and returns a Ledger.
func Dial(ctx context.Context, cfg Config, signer *crypto.TxSigner, logger *slog.Logger) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	l, err := New(client, cfg, signer, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.closeFn = client.Close
	return l, nil
}

// New creates a Ledger over an existing backend.
func New(backend Backend, cfg Config, signer *crypto.TxSigner, logger *slog.Logger) (*Ledger, error) {
	if !common.IsHexAddress(cfg.GameAddress) {
		return nil, fmt.Errorf("chain: invalid game address %q", cfg.GameAddress)
	}
	if cfg.TokenAddress != "" && !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("chain: invalid token address %q", cfg.TokenAddress)
	}
	if signer == nil {
		return nil, errors.New("chain: signer is required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300_000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = 18
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	l := &Ledger{
		cfg:     cfg,
		backend: backend,
		signer:  signer,
		game:    common.HexToAddress(cfg.GameAddress),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(slog.String("component", "chain")),
	}
	if cfg.TokenAddress != "" {
		l.token = common.HexToAddress(cfg.TokenAddress)
	}
	return l, nil
}

// Close releases the RPC connection.
func (l *Ledger) Close() {
	if l.closeFn != nil {
		l.closeFn()
	}
}

// CloseRound sends closeRound(result, rate) to the game contract and waits
// for a successful receipt. It returns the transaction hash.
func (l *Ledger) CloseRound(ctx context.Context, action domain.Action, rateBps int) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("chain: close round: %w: action %d", domain.ErrValidation, action)
	}
	data, err := gameABI.Pack("closeRound", action.ContractCode(), big.NewInt(int64(rateBps)))
	if err != nil {
		return "", fmt.Errorf("chain: pack closeRound: %w", err)
	}
	hash, err := l.transact(ctx, l.game, data)
	if err != nil {
		return "", fmt.Errorf("chain: closeRound: %w", err)
	}
	return hash, nil
}

// AdjustSupply calls oracleMint or oracleBurn on the token contract.
// NEUTRAL is a no-op.
func (l *Ledger) AdjustSupply(ctx context.Context, action domain.Action, rateBps int) error {
	var method string
	switch action {
	case domain.ActionMint:
		method = "oracleMint"
	case domain.ActionBurn:
		method = "oracleBurn"
	default:
		return nil
	}
	if l.token == (common.Address{}) {
		return errors.New("chain: no token contract configured")
	}

	data, err := tokenABI.Pack(method, big.NewInt(int64(rateBps)))
	if err != nil {
		return fmt.Errorf("chain: pack %s: %w", method, err)
	}
	hash, err := l.transact(ctx, l.token, data)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	l.logger.InfoContext(ctx, "supply adjusted",
		slog.String("method", method),
		slog.Int("rate_bps", rateBps),
		slog.String("tx", hash),
	)
	return nil
}

// BalanceOf reads a participant's game balance in whole token units.
func (l *Ledger) BalanceOf(ctx context.Context, participant string) (int64, error) {
	if !common.IsHexAddress(participant) {
		return 0, fmt.Errorf("chain: balance: %w: %q is not an address", domain.ErrValidation, participant)
	}
	wei, err := l.callUint(ctx, "balances", common.HexToAddress(participant))
	if err != nil {
		return 0, fmt.Errorf("chain: balances: %w", err)
	}
	return ToUnits(wei, l.cfg.Decimals), nil
}

// CurrentRoundID reads the game contract's round counter.
func (l *Ledger) CurrentRoundID(ctx context.Context) (int64, error) {
	id, err := l.callUint(ctx, "currentRoundId")
	if err != nil {
		return 0, fmt.Errorf("chain: currentRoundId: %w", err)
	}
	if !id.IsInt64() {
		return 0, fmt.Errorf("chain: round id %s overflows int64", id)
	}
	return id.Int64(), nil
}

func (l *Ledger) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := gameABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &l.game, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := gameABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, errors.New("empty result")
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", vals[0])
	}
	return v, nil
}

// transact signs and sends a call to contract and waits for its receipt.
func (l *Ledger) transact(ctx context.Context, contract common.Address, data []byte) (string, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	from := l.signer.Address()
	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      l.cfg.GasLimit,
		To:       &contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := l.signer.SignTx(tx)
	if err != nil {
		return "", err
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	hash := signed.Hash()
	l.logger.DebugContext(ctx, "transaction sent",
		slog.String("tx", hash.Hex()),
		slog.String("to", contract.Hex()),
		slog.Uint64("nonce", nonce),
	)

	receipt, err := l.waitReceipt(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("wait receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("tx %s reverted", hash.Hex())
	}
	return hash.Hex(), nil
}

func (l *Ledger) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			l.logger.DebugContext(ctx, "receipt poll failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ToUnits converts a base-unit amount to whole tokens, rounding down.
func ToUnits(amount *big.Int, decimals int) int64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	q := new(big.Int).Quo(amount, scale)
	if !q.IsInt64() {
		return math.MaxInt64
	}
	return q.Int64()
}
