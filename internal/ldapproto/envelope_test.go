package ldapproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	frame := encodeTestBindRequest(t, 7, "cn=admin")
	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	require.EqualValues(t, 7, env.MessageID)
	require.EqualValues(t, ApplicationBindRequest, env.OpTag)
	require.Nil(t, env.Controls)
}

func TestDecodeEnvelopeRejectsTruncatedMessage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0x30, 0x03, 0x02, 0x01, 0x01})
	require.Error(t, err)
}

func TestRewriteMessageIDPreservesBody(t *testing.T) {
	frame := encodeTestBindRequest(t, 1, "cn=admin")
	rewritten, err := RewriteMessageID(frame, 42)
	require.NoError(t, err)

	env, err := DecodeEnvelope(rewritten)
	require.NoError(t, err)
	require.EqualValues(t, 42, env.MessageID)

	req, err := DecodeBindRequest(env.Op)
	require.NoError(t, err)
	require.Equal(t, "cn=admin", req.Name)
}

func TestRewriteMessageIDNoopWhenUnchanged(t *testing.T) {
	frame := encodeTestBindRequest(t, 5, "cn=admin")
	out, err := RewriteMessageID(frame, 5)
	require.NoError(t, err)
	require.Equal(t, frame, out)
}
