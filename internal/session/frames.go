// ABOUTME: JSON control frames exchanged with the browser terminal
// ABOUTME: Decodes input and resize requests and encodes error frames

package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownFrame is returned for a text frame whose message tag is not recognized.
	ErrUnknownFrame = errors.New("unknown frame")

	// ErrMalformedFrame is returned for a text frame that is not valid JSON of the expected shape.
	ErrMalformedFrame = errors.New("malformed frame")
)

// ClientFrame is a decoded text frame from the browser. The set of
// implementations is closed.
type ClientFrame interface {
	clientFrame()
}

// Input is text typed into the terminal.
type Input struct {
	Data string
}

// ChangeSize asks for the remote terminal to be resized.
type ChangeSize struct {
	Cols int
	Rows int
}

func (Input) clientFrame()      {}
func (ChangeSize) clientFrame() {}

type envelope struct {
	Message map[string]json.RawMessage `json:"message"`
}

// DecodeClientFrame parses a text frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(env.Message) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one message, got %d", ErrMalformedFrame, len(env.Message))
	}

	for tag, body := range env.Message {
		switch tag {
		case "input":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("%w: input: %v", ErrMalformedFrame, err)
			}
			return Input{Data: s}, nil

		case "change_size":
			var size [2]int
			if err := json.Unmarshal(body, &size); err != nil {
				return nil, fmt.Errorf("%w: change_size: %v", ErrMalformedFrame, err)
			}
			if size[0] <= 0 || size[1] <= 0 || size[0] > maxTermDim || size[1] > maxTermDim {
				return nil, fmt.Errorf("%w: change_size must be within 1..%d, got %dx%d", ErrMalformedFrame, maxTermDim, size[0], size[1])
			}
			return ChangeSize{Cols: size[0], Rows: size[1]}, nil

		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, tag)
		}
	}
	return nil, ErrMalformedFrame
}

// maxTermDim caps terminal columns and rows.
const maxTermDim = 65535

// EncodeInput builds the text frame for typed input.
func EncodeInput(s string) []byte {
	data, _ := json.Marshal(map[string]map[string]string{"message": {"input": s}})
	return data
}

// EncodeChangeSize builds the text frame for a resize request.
func EncodeChangeSize(cols, rows int) []byte {
	data, _ := json.Marshal(map[string]map[string][2]int{"message": {"change_size": {cols, rows}}})
	return data
}

// ErrorFrame builds the text frame reporting msg to the browser.
func ErrorFrame(msg string) []byte {
	data, _ := json.Marshal(map[string]map[string]string{"message": {"error": msg}})
	return data
}
