// Package store defines the persisted records of the gate: credentials, the
// append-only scan event log, request snapshots and terminals, together with
// the interfaces the memory, sqlite and postgres backends implement.
package store

// Store bundles every repository a backend provides.
type Store interface {
	CredentialStore
	EventStore
	RequestStore
	TerminalStore
}
