// Package store persists job records across restarts.
//
// The dispatcher treats it as a plain upsert-by-id table; crash recovery
// and auditing read it back. Drivers: "file" (default, journal+snapshot)
// and "sqlite" (optional build tag).
package store
