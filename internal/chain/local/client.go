// Package local runs a ledger.Bank in-process and exposes it as a
// chain.Client. It is what treasuryd uses when no external ledger exists.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/chain"
	xerrors "Treasury-Relay/internal/errors"
	"Treasury-Relay/internal/ledger"
	"Treasury-Relay/internal/programs/system"
	"Treasury-Relay/internal/programs/token"
	"Treasury-Relay/internal/treasury"
)

const eventBuffer = 64

// Config describes how to open the embedded ledger.
type Config struct {
	// DataDir holds the account database; empty keeps state in memory.
	DataDir     string
	GenesisPath string
	Logger      *slog.Logger
	Observer    ledger.Observer
}

// Client implements chain.Client over an embedded bank.
type Client struct {
	db       *ledger.AccountsDB
	bank     *ledger.Bank
	programs []string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ chain.Client = (*Client)(nil)

// Open opens the account database, installs the built-in programs and applies
// the genesis file.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := ledger.OpenAccountsDB(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	opts := []ledger.Option{ledger.WithLogger(logger)}
	if cfg.Observer != nil {
		opts = append(opts, ledger.WithObserver(cfg.Observer))
	}
	bank, err := ledger.NewBank(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	programs := []ledger.Program{system.New(), token.New(), token.NewAssociated(), treasury.New()}
	if err := bank.Register(programs...); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("注册内置程序失败: %w", err)
	}
	ids := make([]string, 0, len(programs))
	for _, p := range programs {
		ids = append(ids, p.ID().String())
	}
	sort.Strings(ids)

	c := &Client{db: db, bank: bank, programs: ids, logger: logger}
	genesis, err := chain.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	addrs, err := treasury.DeriveAddresses()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := genesis.Apply(ctx, c, addrs.Vault.Address); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("应用创世配置失败: %w", err)
	}
	return c, nil
}

// Bank exposes the underlying bank for tests and tooling.
func (c *Client) Bank() *ledger.Bank {
	return c.bank
}

// Snapshot reports the current slot and installed programs.
func (c *Client) Snapshot(ctx context.Context) (chain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return chain.Snapshot{}, err
	}
	slot := c.bank.Slot()
	return chain.Snapshot{
		Slot:      slot,
		Blockhash: c.bank.LatestBlockhash().String(),
		Programs:  append([]string(nil), c.programs...),
		Notes:     "embedded ledger",
	}, nil
}

// LatestBlockhash returns the blockhash new transactions should reference.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := ctx.Err(); err != nil {
		return solana.Hash{}, err
	}
	return c.bank.LatestBlockhash(), nil
}

// SendTransaction submits a signed transaction and waits for it to commit.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (*chain.Receipt, error) {
	receipt, err := c.bank.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &chain.Receipt{Signature: receipt.Signature, Slot: receipt.Slot, Logs: receipt.Logs}, nil
}

// Account returns the stored account or nil.
func (c *Client) Account(ctx context.Context, key solana.PublicKey) (*chain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	account, err := c.bank.Account(key)
	if err != nil || account == nil {
		return nil, err
	}
	return &chain.AccountInfo{
		Address:    key,
		Lamports:   account.Lamports,
		Owner:      account.Owner,
		Executable: account.Executable,
		Data:       account.Data,
	}, nil
}

// Balance returns the lamports held by key.
func (c *Client) Balance(ctx context.Context, key solana.PublicKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.bank.Balance(key)
}

// MinimumBalanceForRentExemption returns the lamports an account with size
// bytes of data must hold.
func (c *Client) MinimumBalanceForRentExemption(ctx context.Context, size int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.bank.Rent().MinimumBalance(size), nil
}

// TokenBalance returns the amount held by a token account.
func (c *Client) TokenBalance(ctx context.Context, key solana.PublicKey) (uint64, error) {
	info, err := c.Account(ctx, key)
	if err != nil {
		return 0, err
	}
	if info == nil || !info.Owner.Equals(solana.TokenProgramID) {
		return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("token account %s not found", key))
	}
	holding, err := token.DecodeHolding(info.Data)
	if err != nil {
		return 0, err
	}
	return holding.Amount, nil
}

// Airdrop credits lamports directly, bypassing transactions.
func (c *Client) Airdrop(ctx context.Context, key solana.PublicKey, lamports uint64) error {
	return c.bank.Airdrop(ctx, key, lamports)
}

// SubscribeEvents streams processed transactions until ctx ends or the
// subscription is closed.
func (c *Client) SubscribeEvents(ctx context.Context) (*chain.EventSubscription, error) {
	ch := make(chan ledger.TransactionEvent, eventBuffer)
	sub := c.bank.SubscribeTransactions(ch)
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.Err():
		}
	}()
	return chain.NewEventSubscription(ch, sub), nil
}

// Close releases the account database. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.db.Close(); err != nil {
		c.logger.Warn("关闭账户数据库失败", slog.Any("error", err))
	}
}
