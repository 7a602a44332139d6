// Package protocol defines the Huddle wire formats: the line-delimited JSON
// control messages exchanged over TCP and the binary datagram headers used on
// the UDP media sockets.
//
// Inbound control messages decode into a closed set of variants via [Decode];
// dispatch on the concrete type is a single switch. Outbound messages are
// plain structs with constructors that stamp the "type" field, serialised
// with [Encode].
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxLineBytes is the largest accepted control frame, including the trailing
// LF. Longer lines are a protocol error and close the connection.
const MaxLineBytes = 64 * 1024

// Control protocol errors.
var (
	// ErrMalformed indicates a line that is not valid JSON or has no type
	// field. The session replies with an error and stays open.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType indicates a syntactically valid message whose type is
	// not part of the protocol.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Message is one inbound control message. The concrete type is one of the
// variant structs in this package ([Login], [Chat], [FileOffer], ...).
type Message interface {
	message()
}

// Login requests registration under a display name. Only valid as the first
// message of a session.
type Login struct {
	Username string `json:"username"`
}

// Heartbeat is a client liveness ping.
type Heartbeat struct{}

// Chat carries a room-wide chat message.
type Chat struct {
	Text string `json:"text"`
}

// Broadcast carries a room-wide announcement. Same delivery as [Chat],
// tagged differently.
type Broadcast struct {
	Text string `json:"text"`
}

// Unicast carries a private message for a single participant.
type Unicast struct {
	TargetUID uint32 `json:"target_uid"`
	Text      string `json:"text"`
}

// GetHistory requests a replay of recent chat entries.
type GetHistory struct{}

// FileOffer announces a file the client wants to upload.
type FileOffer struct {
	FID      string `json:"fid"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// FileRequest asks to download a previously offered file.
type FileRequest struct {
	FID string `json:"fid"`
}

// PresentStart marks the sender as presenting.
type PresentStart struct {
	Topic string `json:"topic"`
}

// PresentStop clears the sender's presenting flag.
type PresentStop struct{}

// Logout requests a clean session shutdown.
type Logout struct{}

func (Login) message()        {}
func (Heartbeat) message()    {}
func (Chat) message()         {}
func (Broadcast) message()    {}
func (Unicast) message()      {}
func (GetHistory) message()   {}
func (FileOffer) message()    {}
func (FileRequest) message()  {}
func (PresentStart) message() {}
func (PresentStop) message()  {}
func (Logout) message()       {}

// textEnvelope captures the body of text-bearing messages. Older clients send
// "message" instead of "text"; both are accepted, "text" wins when both are
// present.
type textEnvelope struct {
	Text      string `json:"text"`
	Message   string `json:"message"`
	TargetUID uint32 `json:"target_uid"`
}

func (e textEnvelope) text() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Message
}

// Decode parses one control line (without or with the trailing LF) into its
// message variant. It returns [ErrMalformed] for invalid JSON or a missing
// type field, and [ErrUnknownType] for types outside the protocol.
func Decode(line []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}

	switch env.Type {
	case "login":
		var m Login
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case "heartbeat":
		return Heartbeat{}, nil
	case "chat":
		var e textEnvelope
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Chat{Text: e.text()}, nil
	case "broadcast":
		var e textEnvelope
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Broadcast{Text: e.text()}, nil
	case "unicast":
		var e textEnvelope
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Unicast{TargetUID: e.TargetUID, Text: e.text()}, nil
	case "get_history":
		return GetHistory{}, nil
	case "file_offer":
		var m FileOffer
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case "file_request":
		var m FileRequest
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case "present_start":
		var m PresentStart
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case "present_stop":
		return PresentStop{}, nil
	case "logout":
		return Logout{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode serialises an outbound message as one LF-terminated JSON line.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return append(b, '\n'), nil
}

// Timestamp renders t in the ISO-8601 form used by all control messages.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}
