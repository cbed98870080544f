// Package identity provides the durable device identifier exchanged with the bound peer.
//
// The identifier is a ULID generated once and persisted by a Store (memory, file, or Postgres).
// Provider.Get returns the same value for the life of the store.
package identity
