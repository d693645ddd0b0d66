package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/relay"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type testServer struct {
	srv     *Server
	metrics *metrics.Metrics
	url     string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.Coordinator == nil {
		cfg.Coordinator = relay.NewCoordinator(pairing.NewRegistry(pairing.Config{}), m, logger)
	}
	cfg.Metrics = m
	cfg.Logger = logger

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testServer{
		srv:     srv,
		metrics: m,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/webrtc/signal",
	}
}

// dial connects and consumes the connected greeting.
func (ts *testServer) dial(t *testing.T) (*websocket.Conn, pairing.ConnID) {
	t.Helper()

	c, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	hello := readMessage(t, c)
	require.Equal(t, relay.TypeConnected, hello.Type)
	require.NotEmpty(t, hello.ID)
	return c, hello.ID
}

func readMessage(t *testing.T, c *websocket.Conn) relay.Message {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	msg, err := relay.ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		require.Truef(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
		return
	}
}

func createSession(t *testing.T, host *websocket.Conn) pairing.Token {
	t.Helper()
	sendJSON(t, host, map[string]string{"type": "create-session"})
	msg := readMessage(t, host)
	require.Equal(t, relay.TypeSessionCreated, msg.Type)
	require.True(t, msg.Token.Valid())
	return msg.Token
}

func newPionOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.CreateDataChannel("door", nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	return offer
}

func TestSignaling_PairingFlow(t *testing.T) {
	ts := newTestServer(t, Config{})

	host, hostID := ts.dial(t)
	guest, guestID := ts.dial(t)
	require.NotEqual(t, hostID, guestID)

	token := createSession(t, host)

	sendJSON(t, guest, map[string]string{"type": "join-session", "token": string(token)})
	joined := readMessage(t, guest)
	assert.Equal(t, relay.TypeSessionJoined, joined.Type)
	assert.Equal(t, pairing.RoleGuest, joined.Role)
	assert.Equal(t, hostID, joined.PeerID)

	peer := readMessage(t, host)
	assert.Equal(t, relay.TypePeerJoined, peer.Type)
	assert.Equal(t, pairing.RoleHost, peer.Role)
	assert.Equal(t, guestID, peer.PeerID)

	offer := newPionOffer(t)
	sendJSON(t, guest, map[string]any{"type": "offer", "target": hostID, "sdp": offer})
	relayed := readMessage(t, host)
	require.Equal(t, relay.TypeOffer, relayed.Type)
	assert.Equal(t, guestID, relayed.Caller)

	var got webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(relayed.SDP, &got))
	assert.Equal(t, webrtc.SDPTypeOffer, got.Type)
	assert.Equal(t, offer.SDP, got.SDP)

	sendJSON(t, host, map[string]any{"type": "answer", "target": guestID, "sdp": map[string]string{"type": "answer", "sdp": "v=0\r\n"}})
	answer := readMessage(t, guest)
	assert.Equal(t, relay.TypeAnswer, answer.Type)
	assert.Equal(t, hostID, answer.Responder)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0\r\n"}`, string(answer.SDP))

	sendJSON(t, guest, map[string]any{"type": "ice-candidate", "target": hostID, "candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMLineIndex": 0}})
	cand := readMessage(t, host)
	assert.Equal(t, relay.TypeICECandidate, cand.Type)
	assert.Equal(t, guestID, cand.Sender)
	assert.JSONEq(t, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMLineIndex":0}`, string(cand.Candidate))

	sendJSON(t, host, map[string]string{"type": "open-door", "target": string(guestID)})
	door := readMessage(t, guest)
	assert.Equal(t, relay.TypeOpenDoor, door.Type)
	assert.Equal(t, hostID, door.Sender)

	// Guest leaves; the host is told and the session accepts a new guest.
	require.NoError(t, guest.Close())
	left := readMessage(t, host)
	assert.Equal(t, relay.TypePeerDisconnected, left.Type)

	guest2, guest2ID := ts.dial(t)
	sendJSON(t, guest2, map[string]string{"type": "join-session", "token": string(token)})
	assert.Equal(t, relay.TypeSessionJoined, readMessage(t, guest2).Type)
	peer = readMessage(t, host)
	assert.Equal(t, relay.TypePeerJoined, peer.Type)
	assert.Equal(t, guest2ID, peer.PeerID)

	// Host leaves; the session is gone and the guest is hung up on.
	require.NoError(t, host.Close())
	assert.Equal(t, relay.TypePeerDisconnected, readMessage(t, guest2).Type)
	hangup := readMessage(t, guest2)
	assert.Equal(t, relay.TypeHangup, hangup.Type)
	assert.Equal(t, hostID, hangup.Sender)

	require.Eventually(t, func() bool {
		return ts.srv.coord.ActiveSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)

	sendJSON(t, guest2, map[string]string{"type": "join-session", "token": string(token)})
	invalid := readMessage(t, guest2)
	assert.Equal(t, relay.TypeError, invalid.Type)
	assert.Equal(t, relay.CodeInvalidToken, invalid.Code)
	assert.Equal(t, "Invalid Token", invalid.Message)
}

func TestSignaling_LatestJoinEvictsGuest(t *testing.T) {
	ts := newTestServer(t, Config{})

	host, _ := ts.dial(t)
	first, _ := ts.dial(t)
	second, secondID := ts.dial(t)

	token := createSession(t, host)

	sendJSON(t, first, map[string]string{"type": "join-session", "token": string(token)})
	require.Equal(t, relay.TypeSessionJoined, readMessage(t, first).Type)
	require.Equal(t, relay.TypePeerJoined, readMessage(t, host).Type)

	sendJSON(t, second, map[string]string{"type": "join-session", "token": string(token)})

	evicted := readMessage(t, first)
	assert.Equal(t, relay.TypeError, evicted.Type)
	assert.Equal(t, relay.CodeSessionTakenOver, evicted.Code)

	assert.Equal(t, relay.TypeSessionJoined, readMessage(t, second).Type)
	peer := readMessage(t, host)
	assert.Equal(t, relay.TypePeerJoined, peer.Type)
	assert.Equal(t, secondID, peer.PeerID)

	// The evicted socket stays usable.
	sendJSON(t, first, map[string]string{"type": "create-session"})
	assert.Equal(t, relay.TypeSessionCreated, readMessage(t, first).Type)

	require.Eventually(t, func() bool {
		return ts.metrics.Get(metrics.GuestEvicted) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignaling_UnknownTypeKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t, Config{})
	c, _ := ts.dial(t)

	sendJSON(t, c, map[string]string{"type": "ring-bell"})
	msg := readMessage(t, c)
	assert.Equal(t, relay.TypeError, msg.Type)
	assert.Equal(t, relay.CodeBadMessage, msg.Code)

	sendJSON(t, c, map[string]string{"type": "create-session"})
	assert.Equal(t, relay.TypeSessionCreated, readMessage(t, c).Type)
}

func TestSignaling_MalformedJSONClosesConnection(t *testing.T) {
	ts := newTestServer(t, Config{})
	c, _ := ts.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	msg := readMessage(t, c)
	assert.Equal(t, relay.TypeError, msg.Type)
	assert.Equal(t, relay.CodeBadMessage, msg.Code)
	expectClose(t, c, websocket.ClosePolicyViolation)

	require.Eventually(t, func() bool {
		return ts.metrics.Get(metrics.BadMessage) == 1 && ts.srv.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignaling_BinaryFrameClosesConnection(t *testing.T) {
	ts := newTestServer(t, Config{})
	c, _ := ts.dial(t)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"create-session"}`)))
	msg := readMessage(t, c)
	assert.Equal(t, relay.CodeBadMessage, msg.Code)
	expectClose(t, c, websocket.CloseUnsupportedData)
}

func TestSignaling_RateLimitClosesConnection(t *testing.T) {
	ts := newTestServer(t, Config{
		MaxSignalingMessagesPerSecond: 3,
		Clock:                         fixedClock{t: time.Unix(1_700_000_000, 0)},
	})
	c, _ := ts.dial(t)

	for i := 0; i < 3; i++ {
		sendJSON(t, c, map[string]string{"type": "ring-bell"})
		require.Equal(t, relay.CodeBadMessage, readMessage(t, c).Code)
	}

	sendJSON(t, c, map[string]string{"type": "ring-bell"})
	msg := readMessage(t, c)
	assert.Equal(t, relay.CodeRateLimited, msg.Code)
	expectClose(t, c, websocket.ClosePolicyViolation)

	require.Eventually(t, func() bool {
		return ts.metrics.Get(metrics.DropReasonRateLimited) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignaling_OversizeMessageClosesConnection(t *testing.T) {
	ts := newTestServer(t, Config{MaxSignalingMessageBytes: 128})
	c, _ := ts.dial(t)

	payload := `{"type":"offer","target":"x","sdp":"` + strings.Repeat("a", 1024) + `"}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(payload)))
	expectClose(t, c, websocket.CloseMessageTooBig)

	require.Eventually(t, func() bool {
		return ts.metrics.Get(metrics.MessageTooLarge) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignaling_RejectsDisallowedOrigin(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example"}})

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(ts.url, h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, uint64(1), ts.metrics.Get(metrics.OriginRejected))

	h.Set("Origin", "https://app.example")
	c, _, err := websocket.DefaultDialer.Dial(ts.url, h)
	require.NoError(t, err)
	_ = c.Close()
}

func TestSignaling_CloseSendsGoingAwayAndRejectsNewConnections(t *testing.T) {
	ts := newTestServer(t, Config{})
	host, _ := ts.dial(t)
	createSession(t, host)

	ts.srv.Close()
	expectClose(t, host, websocket.CloseGoingAway)

	require.Eventually(t, func() bool {
		return ts.srv.ActiveConnections() == 0 && ts.srv.coord.ActiveSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSignaling_ConcurrentJoinsLeaveOneGuest(t *testing.T) {
	ts := newTestServer(t, Config{})
	host, _ := ts.dial(t)
	token := createSession(t, host)

	const n = 8
	guests := make([]*websocket.Conn, n)
	for i := range guests {
		guests[i], _ = ts.dial(t)
	}

	var wg sync.WaitGroup
	for _, g := range guests {
		wg.Add(1)
		go func(g *websocket.Conn) {
			defer wg.Done()
			_ = g.WriteJSON(map[string]string{"type": "join-session", "token": string(token)})
		}(g)
	}
	wg.Wait()

	// Every join produces exactly one peer-joined for the host.
	var last relay.Message
	for i := 0; i < n; i++ {
		last = readMessage(t, host)
		require.Equal(t, relay.TypePeerJoined, last.Type)
	}

	sess, ok := ts.srv.coord.Registry().Get(token)
	require.True(t, ok)
	assert.Equal(t, last.PeerID, sess.Guest)
	assert.Equal(t, uint64(n-1), ts.metrics.Get(metrics.GuestEvicted))
}

func TestWSConnEnqueue(t *testing.T) {
	c := &wsConn{send: make(chan []byte, 1), done: make(chan struct{})}

	require.NoError(t, c.enqueue([]byte("a")))
	require.ErrorIs(t, c.enqueue([]byte("b")), errSendQueueFull)

	close(c.done)
	<-c.send
	require.ErrorIs(t, c.enqueue([]byte("c")), errConnClosed)
}

func TestSignaling_SlowConsumerIsClosedAndSwept(t *testing.T) {
	ts := newTestServer(t, Config{
		SendQueueLength:               2,
		MaxSignalingMessageBytes:      1 << 20,
		MaxSignalingMessagesPerSecond: 1000,
	})

	host, hostID := ts.dial(t)
	guest, _ := ts.dial(t)
	token := createSession(t, host)

	// The host stops reading from here on.
	sendJSON(t, guest, map[string]string{"type": "join-session", "token": string(token)})
	require.Equal(t, relay.TypeSessionJoined, readMessage(t, guest).Type)

	payload := json.RawMessage(`"` + strings.Repeat("a", 500<<10) + `"`)
	for i := 0; i < 64; i++ {
		sendJSON(t, guest, map[string]any{"type": "offer", "target": hostID, "sdp": payload})
	}

	assert.Equal(t, relay.TypePeerDisconnected, readMessage(t, guest).Type)

	require.Eventually(t, func() bool {
		return ts.metrics.Get(metrics.DropReasonSendQueueFull) >= 1 &&
			ts.srv.coord.ActiveSessions() == 0 &&
			ts.srv.ActiveConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)
	// Later offers find the host gone instead of a full queue.
	assert.Equal(t, uint64(1), ts.metrics.Get(metrics.DropReasonSendQueueFull))
}
