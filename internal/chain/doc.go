// Package chain defines how the relay talks to a ledger: a Client interface
// for reading accounts and submitting signed transactions, transaction event
// subscriptions, and the YAML genesis file that pre-funds accounts on a fresh
// ledger. The local subpackage implements Client over an embedded ledger.Bank.
package chain
