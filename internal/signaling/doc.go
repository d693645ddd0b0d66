// Package signaling is the WebSocket transport for the pairing relay.
//
// Each connection gets a UUID, a bounded outbound queue and a read/write pump
// pair. Inbound frames are parsed into relay messages and handed to the
// relay.Coordinator; the outbound messages it returns are routed to the
// addressed connections through the hub.
package signaling
