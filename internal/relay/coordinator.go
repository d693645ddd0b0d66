package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

type handlerFunc func(conn pairing.ConnID, msg Message) []Outbound

// Coordinator applies pairing protocol events to a session registry.
//
// Handle and Disconnect run under a single mutex, so each event observes and
// mutates the registry atomically with respect to every other event.
type Coordinator struct {
	sessions *pairing.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	handlers map[MessageType]handlerFunc

	mu sync.Mutex
}

func NewCoordinator(sessions *pairing.Registry, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if sessions == nil {
		sessions = pairing.NewRegistry(pairing.Config{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		sessions: sessions,
		metrics:  m,
		log:      logger,
	}
	c.handlers = map[MessageType]handlerFunc{
		TypeCreateSession: c.createSession,
		TypeJoinSession:   c.joinSession,
		TypeOffer:         c.relayOffer,
		TypeAnswer:        c.relayAnswer,
		TypeICECandidate:  c.relayICECandidate,
		TypeHangup:        c.relayHangup,
		TypeOpenDoor:      c.relayOpenDoor,
	}
	return c
}

func (c *Coordinator) Registry() *pairing.Registry { return c.sessions }

// ActiveSessions reports the number of live sessions.
func (c *Coordinator) ActiveSessions() int { return c.sessions.Len() }

// Handle dispatches one inbound message from conn and returns the messages to
// deliver. Unknown message types are answered with a bad_message error.
func (c *Coordinator) Handle(conn pairing.ConnID, msg Message) []Outbound {
	if conn == "" {
		return nil
	}

	h, ok := c.handlers[msg.Type]
	if !ok {
		c.metrics.Inc(metrics.BadMessage)
		return reply(conn, ErrorMessage(CodeBadMessage, fmt.Sprintf("unsupported message type %q", msg.Type)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return h(conn, msg)
}

// Disconnect runs the cleanup sweep for conn across every session it hosts or
// guests. Hosted sessions are destroyed; guested sessions lose their guest.
func (c *Coordinator) Disconnect(conn pairing.ConnID) []Outbound {
	if conn == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Outbound
	for _, sess := range c.sessions.FindByConnection(conn) {
		switch sess.RoleOf(conn) {
		case pairing.RoleHost:
			if sess.HasGuest() {
				out = append(out,
					Outbound{To: sess.Guest, Msg: Message{Type: TypePeerDisconnected}},
					Outbound{To: sess.Guest, Msg: Message{Type: TypeHangup, Sender: conn}},
				)
			}
			c.sessions.Remove(sess.Token)
			c.metrics.Inc(metrics.SessionDestroyed)
			c.log.Info("session destroyed", "token", sess.Token, "host", conn)

		case pairing.RoleGuest:
			if err := c.sessions.ClearGuest(sess.Token); err != nil {
				c.log.Warn("clear guest failed", "token", sess.Token, "err", err)
				continue
			}
			out = append(out, Outbound{To: sess.Host, Msg: Message{Type: TypePeerDisconnected}})
			c.metrics.Inc(metrics.GuestLeft)
			c.log.Info("guest left session", "token", sess.Token, "guest", conn)
		}
	}
	return out
}

func (c *Coordinator) createSession(conn pairing.ConnID, _ Message) []Outbound {
	token, err := c.sessions.Create(conn)
	if err != nil {
		switch errorForCreate(err).Code {
		case CodeTooManySessions:
			c.metrics.Inc(metrics.DropReasonTooManySessions)
		case CodeTokenSpaceExhausted:
			c.metrics.Inc(metrics.DropReasonTokenExhausted)
		}
		c.log.Warn("create session failed", "conn_id", conn, "err", err)
		return reply(conn, errorForCreate(err))
	}

	c.metrics.Inc(metrics.SessionCreated)
	c.log.Info("session created", "token", token, "host", conn)
	return reply(conn, Message{Type: TypeSessionCreated, Token: token})
}

func (c *Coordinator) joinSession(conn pairing.ConnID, msg Message) []Outbound {
	if !msg.Token.Valid() {
		c.metrics.Inc(metrics.JoinInvalidToken)
		return reply(conn, ErrorMessage(CodeInvalidToken, msgInvalidToken))
	}
	sess, ok := c.sessions.Get(msg.Token)
	if !ok {
		c.metrics.Inc(metrics.JoinInvalidToken)
		return reply(conn, ErrorMessage(CodeInvalidToken, msgInvalidToken))
	}
	if sess.Host == conn {
		c.metrics.Inc(metrics.JoinRejected)
		return reply(conn, ErrorMessage(CodeSelfJoin, msgSelfJoin))
	}

	prev, err := c.sessions.SetGuest(sess.Token, conn)
	if err != nil {
		c.log.Error("set guest failed", "token", sess.Token, "conn_id", conn, "err", err)
		return reply(conn, ErrorMessage(CodeInternalError, msgInternalError))
	}

	var out []Outbound
	if prev != "" && prev != conn {
		out = append(out, Outbound{To: prev, Msg: ErrorMessage(CodeSessionTakenOver, msgSessionTakenOver)})
		c.metrics.Inc(metrics.GuestEvicted)
		c.log.Info("guest evicted", "token", sess.Token, "old_guest", prev, "new_guest", conn)
	}

	c.metrics.Inc(metrics.SessionJoined)
	c.log.Info("session joined", "token", sess.Token, "host", sess.Host, "guest", conn)
	return append(out,
		Outbound{To: conn, Msg: Message{Type: TypeSessionJoined, Role: pairing.RoleGuest, PeerID: sess.Host}},
		Outbound{To: sess.Host, Msg: Message{Type: TypePeerJoined, Role: pairing.RoleHost, PeerID: conn}},
	)
}

func (c *Coordinator) relayOffer(conn pairing.ConnID, msg Message) []Outbound {
	return c.forward(msg.Target, Message{Type: TypeOffer, SDP: msg.SDP, Caller: conn})
}

func (c *Coordinator) relayAnswer(conn pairing.ConnID, msg Message) []Outbound {
	return c.forward(msg.Target, Message{Type: TypeAnswer, SDP: msg.SDP, Responder: conn})
}

func (c *Coordinator) relayICECandidate(conn pairing.ConnID, msg Message) []Outbound {
	return c.forward(msg.Target, Message{Type: TypeICECandidate, Candidate: msg.Candidate, Sender: conn})
}

func (c *Coordinator) relayHangup(conn pairing.ConnID, msg Message) []Outbound {
	return c.forward(msg.Target, Message{Type: TypeHangup, Sender: conn})
}

func (c *Coordinator) relayOpenDoor(conn pairing.ConnID, msg Message) []Outbound {
	return c.forward(msg.Target, Message{Type: TypeOpenDoor, Sender: conn})
}

// forward addresses out to target without consulting the registry. A missing
// target drops the message.
func (c *Coordinator) forward(target pairing.ConnID, out Message) []Outbound {
	if target == "" {
		c.metrics.Inc(metrics.RelayMissingTarget)
		return nil
	}
	c.metrics.Inc(metrics.RelayForwarded)
	c.log.Debug("relaying message", "type", out.Type, "to", target)
	return reply(target, out)
}

func reply(to pairing.ConnID, msg Message) []Outbound {
	return []Outbound{{To: to, Msg: msg}}
}
