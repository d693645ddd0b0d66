// Package relay implements the pairing protocol on top of the session
// registry: create-session, join-session, blind forwarding of negotiation
// messages between paired peers, and the disconnect sweep.
//
// The Coordinator never touches a socket. Every handler returns the messages
// to deliver and the transport sends them.
package relay
