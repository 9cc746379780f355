// Package dispatch implements request/reply correlation over the pool.
//
// Each outgoing message gets a monotonically increasing correlation id
// and a pending-table entry; replies resolve the entry exactly once.
// Timeouts, send failures, and teardown all clean the table so no call
// is left dangling.
package dispatch
