// ABOUTME: Wire protocol between the gateway and on-machine agents
// ABOUTME: JSON tagged unions for agent and server messages plus the application catalog types

package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message tags on the wire.
const (
	TagHello           = "hello"
	TagSessionClosed   = "vdi_closed"
	TagCertificateHash = "vdi_certificate_hash"
	TagOpenSession     = "open_vdi"
)

const (
	defaultCategory       = "Misc"
	maxApplicationNameLen = 256
)

var (
	// ErrMalformedMessage indicates a payload that is not a valid tagged message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownMessage indicates a well-formed message with an unrecognised tag.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Bytes is a byte slice encoded on the wire as a JSON array of numbers.
// Decoding also accepts a base64 string.
type Bytes []byte

// MarshalJSON encodes b as an array of numbers.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// UnmarshalJSON accepts an array of numbers in 0..255 or a base64 string.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decoding base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}

	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("decoding byte array: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// ApplicationInfo describes an application the agent can launch.
// IconBytes holds raw RGBA pixels of a square icon.
type ApplicationInfo struct {
	Name      string `json:"name" yaml:"name"`
	IconBytes Bytes  `json:"icon_bytes" yaml:"-"`
	IconName  string `json:"icon_name" yaml:"icon_name"`
	Exec      string `json:"exec" yaml:"exec"`
	Category  string `json:"category" yaml:"category"`
}

// DisplayCategory returns the category, or "Misc" when none is set.
func (a ApplicationInfo) DisplayCategory() string {
	c := strings.Trim(a.Category, `"`)
	if c == "" {
		return defaultCategory
	}
	return c
}

// Hello is the first message an agent sends after connecting.
type Hello struct {
	MachineName  string            `json:"machine_name"`
	Applications []ApplicationInfo `json:"applications"`
}

// Validate checks that the hello names a machine and its applications are usable.
func (h *Hello) Validate() error {
	if h.MachineName == "" {
		return fmt.Errorf("%w: hello without machine_name", ErrMalformedMessage)
	}
	for i, app := range h.Applications {
		if app.Name == "" || len(app.Name) > maxApplicationNameLen {
			return fmt.Errorf("%w: application %d has an invalid name", ErrMalformedMessage, i)
		}
	}
	return nil
}

// AgentMessage is a message sent by an agent. The set of implementations is closed.
type AgentMessage interface {
	agentMessage()
	tag() string
}

// SessionClosed reports that the remote desktop session on the machine ended.
type SessionClosed struct{}

// CertificateHash carries the hash of the certificate presented by the
// remote desktop server, so clients can pin it.
type CertificateHash struct {
	Hash Bytes
}

func (*Hello) agentMessage()           {}
func (*Hello) tag() string             { return TagHello }
func (SessionClosed) agentMessage()    {}
func (SessionClosed) tag() string      { return TagSessionClosed }
func (*CertificateHash) agentMessage() {}
func (*CertificateHash) tag() string   { return TagCertificateHash }

// ServerMessage is a message sent by the gateway to an agent.
type ServerMessage interface {
	serverMessage()
	tag() string
}

// OpenSession asks the agent to start a remote desktop session.
type OpenSession struct{}

func (OpenSession) serverMessage() {}
func (OpenSession) tag() string    { return TagOpenSession }

// splitTagged decodes {"tag": body}. A bare JSON string is a tag with a null body.
func splitTagged(data []byte) (string, json.RawMessage, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, json.RawMessage("null"), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformedMessage, len(obj))
	}
	var tag string
	var body json.RawMessage
	for tag, body = range obj {
	}
	return tag, body, nil
}

func isNull(body json.RawMessage) bool {
	return len(body) == 0 || strings.TrimSpace(string(body)) == "null"
}

// DecodeAgentMessage parses one agent message.
func DecodeAgentMessage(data []byte) (AgentMessage, error) {
	tag, body, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagHello:
		var h Hello
		if err := json.Unmarshal(body, &h); err != nil {
			return nil, fmt.Errorf("%w: hello: %v", ErrMalformedMessage, err)
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		return &h, nil
	case TagSessionClosed:
		if !isNull(body) {
			return nil, fmt.Errorf("%w: %s carries no payload", ErrMalformedMessage, tag)
		}
		return SessionClosed{}, nil
	case TagCertificateHash:
		var hash Bytes
		if err := json.Unmarshal(body, &hash); err != nil {
			return nil, fmt.Errorf("%w: certificate hash: %v", ErrMalformedMessage, err)
		}
		return &CertificateHash{Hash: hash}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, tag)
	}
}

// EncodeAgentMessage serializes an agent message.
func EncodeAgentMessage(msg AgentMessage) ([]byte, error) {
	switch m := msg.(type) {
	case *Hello:
		return json.Marshal(map[string]*Hello{TagHello: m})
	case SessionClosed:
		return json.Marshal(map[string]any{TagSessionClosed: nil})
	case *CertificateHash:
		return json.Marshal(map[string]Bytes{TagCertificateHash: m.Hash})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// DecodeServerMessage parses one gateway message.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	tag, body, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagOpenSession:
		if !isNull(body) {
			return nil, fmt.Errorf("%w: %s carries no payload", ErrMalformedMessage, tag)
		}
		return OpenSession{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, tag)
	}
}

// EncodeServerMessage serializes a gateway message.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	switch msg.(type) {
	case OpenSession:
		return json.Marshal(map[string]any{TagOpenSession: nil})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}
