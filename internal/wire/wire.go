// ABOUTME: Codec for the SSH agent wire protocol: framing, message types, payload bodies.
// ABOUTME: Pure encode/decode with no I/O state; used on both the client and upstream side.

package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// Message type tags from the agent protocol (draft-miller-ssh-agent).
const (
	// Client -> agent.
	MsgRequestIdentities          = 11
	MsgSignRequest                = 13
	MsgAddIdentity                = 17
	MsgRemoveIdentity             = 18
	MsgRemoveAllIdentities        = 19
	MsgAddSmartcardKey            = 20
	MsgRemoveSmartcardKey         = 21
	MsgLock                       = 22
	MsgUnlock                     = 23
	MsgAddIDConstrained           = 25
	MsgAddSmartcardKeyConstrained = 26
	MsgExtension                  = 27

	// Agent -> client.
	MsgFailure          = 5
	MsgSuccess          = 6
	MsgIdentitiesAnswer = 12
	MsgSignResponse     = 14
	MsgExtensionFailure = 28
)

// MaxMessageLen caps a single framed message, matching OpenSSH's agent limit.
const MaxMessageLen = 256 * 1024

// ErrProtocol indicates a malformed message. The connection it arrived on
// must be closed; partial or ambiguous framing is never retried.
var ErrProtocol = errors.New("malformed agent message")

// ErrTooLarge indicates a frame whose declared length exceeds MaxMessageLen.
var ErrTooLarge = errors.New("agent message exceeds maximum length")

// Message is one decoded agent protocol message. Raw holds the complete
// frame payload including the leading type byte, so a message can be
// relayed to an upstream (or back to a client) byte for byte.
type Message struct {
	Type byte
	Raw  []byte
}

// ReadMessage reads one length-prefixed message from r.
// It returns io.EOF only on a clean close at a frame boundary.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrProtocol)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrProtocol)
	}
	if length > MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame", ErrProtocol)
		}
		return nil, err
	}

	return &Message{Type: raw[0], Raw: raw}, nil
}

// WriteMessage writes m to w as one length-prefixed frame.
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Raw) == 0 || len(m.Raw) > MaxMessageLen {
		return fmt.Errorf("%w: invalid outgoing frame length %d", ErrProtocol, len(m.Raw))
	}
	buf := make([]byte, 4+len(m.Raw))
	binary.BigEndian.PutUint32(buf, uint32(len(m.Raw)))
	copy(buf[4:], m.Raw)
	_, err := w.Write(buf)
	return err
}

// Identity is one public key held by an upstream agent: the serialized
// public key blob and its comment. Identity equality is byte equality of
// the blob; the comment is cosmetic.
type Identity struct {
	Blob    []byte
	Comment string
}

// Fingerprint returns the SHA256 fingerprint of a public key blob as
// lowercase hex. Used for logging and auditing so raw blobs never leave
// the routing path.
func Fingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

type signRequestBody struct {
	KeyBlob []byte `sshtype:"13"`
	Data    []byte
	Flags   uint32
}

type signResponseBody struct {
	SigBlob []byte `sshtype:"14"`
}

type identitiesAnswerBody struct {
	NumKeys uint32 `sshtype:"12"`
	Keys    []byte `ssh:"rest"`
}

type extensionBody struct {
	Name     string `sshtype:"27"`
	Contents []byte `ssh:"rest"`
}

// SignRequest is the decoded body of a sign request.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

// ParseSignRequest decodes the body of a MsgSignRequest message.
func ParseSignRequest(m *Message) (*SignRequest, error) {
	if m.Type != MsgSignRequest {
		return nil, fmt.Errorf("%w: expected sign request, got type %d", ErrProtocol, m.Type)
	}
	var body signRequestBody
	if err := ssh.Unmarshal(m.Raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &SignRequest{KeyBlob: body.KeyBlob, Data: body.Data, Flags: body.Flags}, nil
}

// NewSignRequest encodes a sign request message.
func NewSignRequest(req *SignRequest) *Message {
	raw := ssh.Marshal(signRequestBody{KeyBlob: req.KeyBlob, Data: req.Data, Flags: req.Flags})
	return &Message{Type: MsgSignRequest, Raw: raw}
}

// ParseSignResponse decodes the signature blob from a MsgSignResponse.
func ParseSignResponse(m *Message) ([]byte, error) {
	if m.Type != MsgSignResponse {
		return nil, fmt.Errorf("%w: expected sign response, got type %d", ErrProtocol, m.Type)
	}
	var body signResponseBody
	if err := ssh.Unmarshal(m.Raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return body.SigBlob, nil
}

// NewSignResponse encodes a sign response carrying the signature blob.
func NewSignResponse(sig []byte) *Message {
	raw := ssh.Marshal(signResponseBody{SigBlob: sig})
	return &Message{Type: MsgSignResponse, Raw: raw}
}

// ParseIdentitiesAnswer decodes the identity list from a MsgIdentitiesAnswer.
func ParseIdentitiesAnswer(m *Message) ([]Identity, error) {
	if m.Type != MsgIdentitiesAnswer {
		return nil, fmt.Errorf("%w: expected identities answer, got type %d", ErrProtocol, m.Type)
	}
	var body identitiesAnswerBody
	if err := ssh.Unmarshal(m.Raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	// NumKeys comes off the wire; bound it against the payload before it
	// sizes an allocation. The smallest identity encoding is two empty
	// strings, 8 bytes of length prefixes.
	if uint64(body.NumKeys) > uint64(len(body.Keys)/8) {
		return nil, fmt.Errorf("%w: identity count %d exceeds %d payload bytes",
			ErrProtocol, body.NumKeys, len(body.Keys))
	}

	ids := make([]Identity, 0, body.NumKeys)
	data := body.Keys
	for i := uint32(0); i < body.NumKeys; i++ {
		var record struct {
			Blob    []byte
			Comment string
			Rest    []byte `ssh:"rest"`
		}
		if err := ssh.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("%w: identity %d: %v", ErrProtocol, i, err)
		}
		ids = append(ids, Identity{Blob: record.Blob, Comment: record.Comment})
		data = record.Rest
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after identity list", ErrProtocol, len(data))
	}
	return ids, nil
}

// NewIdentitiesAnswer encodes an identity list message.
func NewIdentitiesAnswer(ids []Identity) *Message {
	var keys []byte
	for _, id := range ids {
		keys = append(keys, ssh.Marshal(struct {
			Blob    []byte
			Comment string
		}{id.Blob, id.Comment})...)
	}
	raw := ssh.Marshal(identitiesAnswerBody{NumKeys: uint32(len(ids)), Keys: keys})
	return &Message{Type: MsgIdentitiesAnswer, Raw: raw}
}

// ParseExtension decodes the extension name and contents from a MsgExtension.
func ParseExtension(m *Message) (name string, contents []byte, err error) {
	if m.Type != MsgExtension {
		return "", nil, fmt.Errorf("%w: expected extension, got type %d", ErrProtocol, m.Type)
	}
	var body extensionBody
	if err := ssh.Unmarshal(m.Raw, &body); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return body.Name, body.Contents, nil
}

// NewExtension encodes an extension request message.
func NewExtension(name string, contents []byte) *Message {
	raw := ssh.Marshal(extensionBody{Name: name, Contents: contents})
	return &Message{Type: MsgExtension, Raw: raw}
}

// NewQueryResponse encodes the reply to the "query" extension: a success
// message listing the extension names the agent supports.
func NewQueryResponse(names []string) *Message {
	raw := []byte{MsgSuccess}
	for _, n := range names {
		raw = append(raw, ssh.Marshal(struct{ Name string }{n})...)
	}
	return &Message{Type: MsgSuccess, Raw: raw}
}

// NewRequestIdentities encodes a request-identities message.
func NewRequestIdentities() *Message {
	return &Message{Type: MsgRequestIdentities, Raw: []byte{MsgRequestIdentities}}
}

// Failure returns the generic failure message.
func Failure() *Message {
	return &Message{Type: MsgFailure, Raw: []byte{MsgFailure}}
}

// Success returns the generic success message.
func Success() *Message {
	return &Message{Type: MsgSuccess, Raw: []byte{MsgSuccess}}
}

// ExtensionFailure returns the extension-specific failure message.
func ExtensionFailure() *Message {
	return &Message{Type: MsgExtensionFailure, Raw: []byte{MsgExtensionFailure}}
}
