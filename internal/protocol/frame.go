// Package protocol implements a length-prefixed framed worker protocol:
// Command/Data/DataEnd/Error frames multiplexed over session ids, a
// JSON connect greeting, and client/server halves.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pigsty-io/physback/internal/errkind"
)

// FrameType tags the payload carried by one frame.
type FrameType uint8

const (
	FrameCommand FrameType = iota
	FrameData
	FrameDataEnd
	FrameError
)

// CommandType distinguishes session lifecycle commands from ordinary work.
type CommandType uint8

const (
	CmdNoSession CommandType = iota
	CmdOpen
	CmdProcess
	CmdClose
	CmdCancel
)

// Command is the Command{id, type, sessionId, param} frame payload.
type Command struct {
	ID        string          `json:"id"`
	Type      CommandType     `json:"type"`
	SessionID uint64          `json:"sessionId"`
	Param     json.RawMessage `json:"param,omitempty"`
}

// ErrorPayload is the Error{code, message, stackTrace} frame payload.
type ErrorPayload struct {
	Code       int32  `json:"code"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// Greeting is the JSON object the server writes immediately on connect.
type Greeting struct {
	Name    string `json:"name"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Frame is one decoded protocol frame.
type Frame struct {
	Type    FrameType
	Command *Command
	Data    []byte
	Error   *ErrorPayload
}

const maxFrameLen = 256 * 1024 * 1024

// WriteFrame length-prefixes and writes one frame: a uint8 type tag, a
// uint32 big-endian payload length, then the payload (JSON for Command/
// Error, raw bytes for Data/DataEnd).
func WriteFrame(w io.Writer, f Frame) error {
	var payload []byte
	var err error
	switch f.Type {
	case FrameCommand:
		payload, err = json.Marshal(f.Command)
	case FrameData:
		payload = f.Data
	case FrameDataEnd:
		payload = nil
	case FrameError:
		payload, err = json.Marshal(f.Error)
	default:
		return errkind.New(errkind.KindProtocolError, "protocol.WriteFrame", fmt.Errorf("unknown frame type %d", f.Type))
	}
	if err != nil {
		return errkind.New(errkind.KindJsonFormatError, "protocol.WriteFrame", err)
	}
	if len(payload) > maxFrameLen {
		return errkind.New(errkind.KindProtocolError, "protocol.WriteFrame", fmt.Errorf("frame too large: %d bytes", len(payload)))
	}
	header := make([]byte, 5)
	header[0] = byte(f.Type)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return errkind.New(errkind.KindFileWrite, "protocol.WriteFrame", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errkind.New(errkind.KindFileWrite, "protocol.WriteFrame", err)
		}
	}
	return nil
}

// ReadFrame reads and decodes one frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, err
		}
		return Frame{}, errkind.New(errkind.KindFileRead, "protocol.ReadFrame", err)
	}
	typ := FrameType(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLen {
		return Frame{}, errkind.New(errkind.KindProtocolError, "protocol.ReadFrame", fmt.Errorf("frame too large: %d bytes", length))
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errkind.New(errkind.KindFileRead, "protocol.ReadFrame", err)
		}
	}
	f := Frame{Type: typ}
	switch typ {
	case FrameCommand:
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Frame{}, errkind.New(errkind.KindProtocolError, "protocol.ReadFrame", err)
		}
		f.Command = &cmd
	case FrameData:
		f.Data = payload
	case FrameDataEnd:
		// no payload
	case FrameError:
		var ep ErrorPayload
		if err := json.Unmarshal(payload, &ep); err != nil {
			return Frame{}, errkind.New(errkind.KindProtocolError, "protocol.ReadFrame", err)
		}
		f.Error = &ep
	default:
		return Frame{}, errkind.New(errkind.KindProtocolError, "protocol.ReadFrame", fmt.Errorf("unknown frame type %d", typ))
	}
	return f, nil
}

// WriteGreeting writes the connect-time JSON greeting.
func WriteGreeting(w io.Writer, g Greeting) error {
	b, err := json.Marshal(g)
	if err != nil {
		return errkind.New(errkind.KindJsonFormatError, "protocol.WriteGreeting", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return errkind.New(errkind.KindFileWrite, "protocol.WriteGreeting", err)
	}
	return nil
}

// ReadGreeting reads and decodes the connect-time greeting line.
func ReadGreeting(r *bufio.Reader) (Greeting, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Greeting{}, errkind.New(errkind.KindProtocolError, "protocol.ReadGreeting", err)
	}
	var g Greeting
	if err := json.Unmarshal([]byte(line), &g); err != nil {
		return Greeting{}, errkind.New(errkind.KindProtocolError, "protocol.ReadGreeting", err)
	}
	return g, nil
}
