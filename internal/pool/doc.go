// Package pool implements the connection pool.
//
// The pool:
//   - dials a fixed number of connections concurrently at connect time
//   - requires only one open connection to operate (partial-success
//     startup; failed slots stay closed until the next reconnect cycle)
//   - routes outgoing traffic to the least-loaded open connection
//   - merges inbound frames from every connection onto one channel
//   - runs reconnection with exponential backoff when the active set
//     empties, gated by the circuit breaker, up to a retry budget
//
// The pool is the sole owner of its connections.
package pool
