package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gagliardetto/solana-go"
)

var (
	accountPrefix   = []byte("acct/")
	signaturePrefix = []byte("sig/")
	metaSlotKey     = []byte("meta/slot")
)

// AccountsDB persists accounts in badger. A whole transaction's writes land
// in a single badger transaction, so a crash never leaves half a commit.
type AccountsDB struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenAccountsDB opens a store under dir. An empty dir keeps everything in
// memory.
func OpenAccountsDB(dir string, logger *slog.Logger) (*AccountsDB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(logger)).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger data dir: %w", err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger accounts db: %w", err)
	}
	return &AccountsDB{db: db, logger: logger}, nil
}

func accountKey(key solana.PublicKey) []byte {
	return append(append([]byte(nil), accountPrefix...), key[:]...)
}

func signatureKey(sig solana.Signature) []byte {
	return append(append([]byte(nil), signaturePrefix...), sig[:]...)
}

// Get loads an account; a missing account is returned as nil without error.
func (d *AccountsDB) Get(key solana.PublicKey) (*Account, error) {
	var account *Account
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		account, err = decodeAccount(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", key, err)
	}
	return account, nil
}

// SeenSignature reports whether a transaction signature was already committed.
func (d *AccountsDB) SeenSignature(sig solana.Signature) (bool, error) {
	seen := false
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(signatureKey(sig))
		if err == nil {
			seen = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return seen, err
}

// Slot returns the last committed slot.
func (d *AccountsDB) Slot() (uint64, error) {
	var slot uint64
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSlotKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt slot record")
			}
			slot = binary.LittleEndian.Uint64(val)
			return nil
		})
	})
	return slot, err
}

// commit writes the changed accounts, the signature marker and the new slot
// atomically. Empty accounts are deleted.
func (d *AccountsDB) commit(accounts map[solana.PublicKey]*Account, sig *solana.Signature, slot uint64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		for key, account := range accounts {
			if account.IsEmpty() {
				if err := txn.Delete(accountKey(key)); err != nil {
					return err
				}
				continue
			}
			raw, err := encodeAccount(account)
			if err != nil {
				return fmt.Errorf("encode account %s: %w", key, err)
			}
			if err := txn.Set(accountKey(key), raw); err != nil {
				return err
			}
		}
		if sig != nil {
			if err := txn.Set(signatureKey(*sig), []byte{1}); err != nil {
				return err
			}
		}
		return txn.Set(metaSlotKey, binary.LittleEndian.AppendUint64(nil, slot))
	})
}

// ForEach visits every stored account in key order.
func (d *AccountsDB) ForEach(fn func(key solana.PublicKey, account *Account) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = accountPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			account, err := decodeAccount(raw)
			if err != nil {
				return err
			}
			key := solana.PublicKeyFromBytes(item.Key()[len(accountPrefix):])
			if err := fn(key, account); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes badger.
func (d *AccountsDB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With("component", "badger")}
}

func (b *badgerLogger) Errorf(msg string, args ...any) {
	b.logger.Error(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Warningf(msg string, args ...any) {
	b.logger.Warn(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Infof(msg string, args ...any) {
	b.logger.Info(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Debugf(msg string, args ...any) {
	b.logger.Debug(fmt.Sprintf(msg, args...))
}
