// Package client is the synchronization client facade: a pooled
// WebSocket connection to the hub with command/response correlation,
// event subscriptions, coalesced state delivery, heartbeat health
// checks, and automatic reconnection behind a circuit breaker.
package client
