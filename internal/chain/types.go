package chain

import (
	"context"

	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/gagliardetto/solana-go"

	"Treasury-Relay/internal/ledger"
)

// Snapshot summarises ledger state for status endpoints.
type Snapshot struct {
	Slot      uint64   `json:"slot"`
	Blockhash string   `json:"blockhash"`
	Programs  []string `json:"programs"`
	Notes     string   `json:"notes,omitempty"`
}

// Receipt is returned for a committed transaction.
type Receipt struct {
	Signature solana.Signature
	Slot      uint64
	Logs      []string
}

// AccountInfo is a read-only view of one account.
type AccountInfo struct {
	Address    solana.PublicKey
	Lamports   uint64
	Owner      solana.PublicKey
	Executable bool
	Data       []byte
}

// EventSubscription wraps a transaction event subscription so callers can
// manage its lifecycle without depending on the go-ethereum event package.
type EventSubscription struct {
	events <-chan ledger.TransactionEvent
	sub    gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(events <-chan ledger.TransactionEvent, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{events: events, sub: sub}
}

// Events returns the channel that receives processed transactions. It must
// be drained: the ledger blocks on delivery.
func (e *EventSubscription) Events() <-chan ledger.TransactionEvent {
	if e == nil {
		return nil
	}
	return e.events
}

// Err forwards the subscription error channel. It is closed on Close.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client is the ledger surface used by the operator, relay and API.
type Client interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (*Receipt, error)
	// Account returns nil without error when the address holds nothing.
	Account(ctx context.Context, key solana.PublicKey) (*AccountInfo, error)
	Balance(ctx context.Context, key solana.PublicKey) (uint64, error)
	MinimumBalanceForRentExemption(ctx context.Context, size int) (uint64, error)
	TokenBalance(ctx context.Context, key solana.PublicKey) (uint64, error)
	SubscribeEvents(ctx context.Context) (*EventSubscription, error)
	Close()
}
