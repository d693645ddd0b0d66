package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"join-session","token":"4821","clientVersion":3}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinSession, msg.Type)
	assert.Equal(t, pairing.Token("4821"), msg.Token)
}

func TestParseMessage_Rejects(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`{"type":"offer"`,
		`{"type":"offer"}{"type":"answer"}`,
		`{"type":"offer"} trailing`,
		`{"type":"join-session","token":4821}`,
		`["offer"]`,
	} {
		_, err := ParseMessage([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

func TestRelayedPayloadSurvivesRoundTrip(t *testing.T) {
	// HTML-sensitive characters and escaped CRLFs must reach the peer as sent.
	in := []byte(`{"type":"offer","target":"peer","sdp":"v=0\r\na=fingerprint:<sha-256> & more\r\n"}`)

	msg, err := ParseMessage(in)
	require.NoError(t, err)

	c, _ := newTestCoordinator(t, pairing.Config{})
	out := c.Handle("caller", msg)
	require.Len(t, out, 1)

	encoded, err := EncodeMessage(out[0].Msg)
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"offer","sdp":"v=0\r\na=fingerprint:<sha-256> & more\r\n","caller":"caller"}`,
		string(encoded),
	)
}

func TestEncodeMessage_OmitsUnsetFields(t *testing.T) {
	encoded, err := EncodeMessage(Message{Type: TypePeerDisconnected})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"peer-disconnected"}`, string(encoded))

	encoded, err = EncodeMessage(ErrorMessage(CodeInvalidToken, "Invalid Token"))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"error","code":"invalid_token","message":"Invalid Token"}`, string(encoded))
}
