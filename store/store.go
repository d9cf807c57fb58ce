// Package store is the extension point for fetched content. The dispatch
// engine attaches data responses here; nothing is persisted to disk.
package store

// Store keeps fetched content addressable by its content identifier.
type Store interface {
	Put(id string, data []byte)
	Get(id string) ([]byte, bool)
	Has(id string) bool
	Len() int
	Keys() []string
}
