// Package sqlstore opens the relational databases used by the relay (MySQL
// in production, embedded SQLite for single-node and tests), applies the
// embedded schema migrations and persists the proposal log.
package sqlstore
