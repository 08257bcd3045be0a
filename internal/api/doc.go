// Package api exposes the treasury over HTTP: governor and proposal
// management, immediate relays, the execution job queue and read-only
// account views.
package api
