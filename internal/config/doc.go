// Package config loads treasuryd configuration from a JSON file and applies
// TREASURY_* environment overrides on top of it.
package config
