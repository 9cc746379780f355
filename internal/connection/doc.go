// Package connection implements a single duplex WebSocket connection
// to the hub.
//
// Each Conn:
//   - owns its read loop and decodes inbound JSON frames
//   - serializes writes, preserving per-connection message order
//   - tracks an in-flight load counter for least-loaded routing
//   - reports failures on a dedicated error channel
//
// Conns are owned exclusively by the pool; nothing else creates or
// closes them.
package connection
