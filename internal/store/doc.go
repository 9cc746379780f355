// Package store persists entity state history to PostgreSQL in batches.
package store
