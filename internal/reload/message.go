// Package reload implements the channel a watching process uses to tell a
// running dev server which files changed: newline-delimited JSON messages
// over a local TCP connection.
package reload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	TypeReload = "reload"
	TypePing   = "ping"

	// DefaultPort is used when no discovery file names the channel port.
	DefaultPort = 3001

	maxFrame = 1 << 20
)

var ErrUnknownType = errors.New("unknown message type")

type Message struct {
	Type      string   `json:"type"`
	Files     []string `json:"files,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func NewReload(files []string) Message {
	return Message{Type: TypeReload, Files: files, Timestamp: time.Now().UnixMilli()}
}

func NewPing() Message {
	return Message{Type: TypePing, Timestamp: time.Now().UnixMilli()}
}

// Encode writes msg as one line.
func Encode(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Decode parses one frame without its trailing newline.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return msg, fmt.Errorf("decode frame: %w", err)
	}
	switch msg.Type {
	case TypeReload, TypePing:
		return msg, nil
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}
