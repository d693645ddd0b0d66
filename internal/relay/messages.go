package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

type MessageType string

// Inbound message types.
const (
	TypeCreateSession MessageType = "create-session"
	TypeJoinSession   MessageType = "join-session"
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICECandidate  MessageType = "ice-candidate"
	TypeHangup        MessageType = "hangup"
	TypeOpenDoor      MessageType = "open-door"
)

// Outbound-only message types. offer, answer, ice-candidate, hangup and
// open-door are also sent outbound when relayed.
const (
	TypeConnected        MessageType = "connected"
	TypeSessionCreated   MessageType = "session-created"
	TypeSessionJoined    MessageType = "session-joined"
	TypePeerJoined       MessageType = "peer-joined"
	TypePeerDisconnected MessageType = "peer-disconnected"
	TypeError            MessageType = "error"
)

// Message is the single JSON envelope used in both directions. Which fields
// are meaningful depends on Type.
//
// SDP and Candidate are opaque to the relay and are carried as raw JSON so
// they reach the peer unchanged.
type Message struct {
	Type MessageType `json:"type"`

	Token  pairing.Token  `json:"token,omitempty"`
	Target pairing.ConnID `json:"target,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	ID        pairing.ConnID `json:"id,omitempty"`
	Role      pairing.Role   `json:"role,omitempty"`
	PeerID    pairing.ConnID `json:"peerId,omitempty"`
	Caller    pairing.ConnID `json:"caller,omitempty"`
	Responder pairing.ConnID `json:"responder,omitempty"`
	Sender    pairing.ConnID `json:"sender,omitempty"`

	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Outbound is a message addressed to a single connection.
type Outbound struct {
	To  pairing.ConnID
	Msg Message
}

var errTrailingData = errors.New("unexpected trailing data")

// ParseMessage decodes exactly one JSON object. Unknown fields are ignored
// since peers may attach their own metadata; unknown types are left for the
// Coordinator to reject.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, errTrailingData
	}
	return msg, nil
}

// EncodeMessage renders msg as a single JSON text frame. HTML escaping is
// disabled so relayed payloads are not rewritten.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
