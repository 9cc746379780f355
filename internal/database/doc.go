// Package database provides connection pool management for the optional
// PostgreSQL state history store.
package database
