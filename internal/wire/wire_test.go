// ABOUTME: Tests for the agent protocol codec covering framing and payload bodies.
// ABOUTME: Validates round-trip laws, malformed input handling, and size limits.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessageFraming(t *testing.T) {
	t.Run("reads a well-formed frame", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 1, MsgRequestIdentities})

		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, byte(MsgRequestIdentities), msg.Type)
		assert.Equal(t, []byte{MsgRequestIdentities}, msg.Raw)
	})

	t.Run("clean EOF at frame boundary", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("truncated length prefix is a protocol error", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{0, 0}))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("truncated payload is a protocol error", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 10, MsgFailure}))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("zero-length frame is a protocol error", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("oversized frame is rejected without reading the payload", func(t *testing.T) {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxMessageLen+1)
		_, err := ReadMessage(bytes.NewReader(hdr[:]))
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("frame at the size limit is accepted", func(t *testing.T) {
		raw := make([]byte, MaxMessageLen)
		raw[0] = MsgFailure
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, &Message{Type: MsgFailure, Raw: raw}))

		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Len(t, msg.Raw, MaxMessageLen)
	})
}

func TestWriteMessageRejectsEmptyFrame(t *testing.T) {
	err := WriteMessage(io.Discard, &Message{})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSignRequestRoundTrip(t *testing.T) {
	orig := &SignRequest{
		KeyBlob: []byte("pubkey-blob"),
		Data:    []byte("data to sign"),
		Flags:   0x02,
	}

	msg := NewSignRequest(orig)
	assert.Equal(t, byte(MsgSignRequest), msg.Type)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)

	parsed, err := ParseSignRequest(decoded)
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestSignResponseRoundTrip(t *testing.T) {
	sig := []byte{0xde, 0xad, 0xbe, 0xef}
	msg := NewSignResponse(sig)

	parsed, err := ParseSignResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)
}

func TestIdentitiesAnswerRoundTrip(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		parsed, err := ParseIdentitiesAnswer(NewIdentitiesAnswer(nil))
		require.NoError(t, err)
		assert.Empty(t, parsed)
	})

	t.Run("multiple identities", func(t *testing.T) {
		ids := []Identity{
			{Blob: []byte("key-one"), Comment: "alice@laptop"},
			{Blob: []byte("key-two"), Comment: ""},
			{Blob: []byte{0x00, 0x01, 0x02}, Comment: "hardware token"},
		}

		parsed, err := ParseIdentitiesAnswer(NewIdentitiesAnswer(ids))
		require.NoError(t, err)
		assert.Equal(t, ids, parsed)
	})

	t.Run("trailing bytes rejected", func(t *testing.T) {
		msg := NewIdentitiesAnswer([]Identity{{Blob: []byte("k"), Comment: "c"}})
		msg.Raw = append(msg.Raw, 0xff)
		_, err := ParseIdentitiesAnswer(msg)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("count larger than payload rejected", func(t *testing.T) {
		msg := NewIdentitiesAnswer(nil)
		binary.BigEndian.PutUint32(msg.Raw[1:5], 3)
		_, err := ParseIdentitiesAnswer(msg)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("huge count in a tiny frame rejected without allocating", func(t *testing.T) {
		// 5 bytes claiming 2^32-1 identities. The count must be checked
		// against the payload before it sizes any allocation.
		msg := &Message{
			Type: MsgIdentitiesAnswer,
			Raw:  []byte{MsgIdentitiesAnswer, 0xff, 0xff, 0xff, 0xff},
		}
		_, err := ParseIdentitiesAnswer(msg)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("count just above what the payload can hold rejected", func(t *testing.T) {
		msg := NewIdentitiesAnswer([]Identity{{Blob: []byte("k"), Comment: "c"}})
		binary.BigEndian.PutUint32(msg.Raw[1:5], 2)
		_, err := ParseIdentitiesAnswer(msg)
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestExtensionRoundTrip(t *testing.T) {
	msg := NewExtension("session-bind@openssh.com", []byte("payload"))

	name, contents, err := ParseExtension(msg)
	require.NoError(t, err)
	assert.Equal(t, "session-bind@openssh.com", name)
	assert.Equal(t, []byte("payload"), contents)
}

func TestParseRejectsWrongType(t *testing.T) {
	if _, err := ParseSignRequest(Failure()); !errors.Is(err, ErrProtocol) {
		t.Errorf("ParseSignRequest on failure message: got %v, want ErrProtocol", err)
	}
	if _, err := ParseSignResponse(Failure()); !errors.Is(err, ErrProtocol) {
		t.Errorf("ParseSignResponse on failure message: got %v, want ErrProtocol", err)
	}
	if _, err := ParseIdentitiesAnswer(Success()); !errors.Is(err, ErrProtocol) {
		t.Errorf("ParseIdentitiesAnswer on success message: got %v, want ErrProtocol", err)
	}
	if _, _, err := ParseExtension(Success()); !errors.Is(err, ErrProtocol) {
		t.Errorf("ParseExtension on success message: got %v, want ErrProtocol", err)
	}
}

func TestBareMessages(t *testing.T) {
	assert.Equal(t, []byte{MsgFailure}, Failure().Raw)
	assert.Equal(t, []byte{MsgSuccess}, Success().Raw)
	assert.Equal(t, []byte{MsgExtensionFailure}, ExtensionFailure().Raw)
	assert.Equal(t, []byte{MsgRequestIdentities}, NewRequestIdentities().Raw)
}

func TestFingerprintStableAndCommentIndependent(t *testing.T) {
	a := Fingerprint([]byte("blob"))
	b := Fingerprint([]byte("blob"))
	c := Fingerprint([]byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
