package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pigsty-io/physback/internal/errkind"
)

// Client is the protocol-speaking half used by callers that dispatch
// commands to a worker process (directly, or through internal/parallel).
type Client struct {
	Name    string
	Service string
	Version string
	Timeout time.Duration // protocol read timeout; 0 disables

	w  io.Writer
	r  *bufio.Reader
	dl interface{ SetDeadline(time.Time) error } // optional, e.g. *net.TCPConn

	mu       sync.Mutex
	sessions map[uint64]string // sessionId -> commandId, for diagnostics
}

// Connect reads the greeting from rw and validates it against the
// expected name/service/version before returning a ready Client.
func Connect(rw io.ReadWriter, wantName, wantService, wantVersion string, timeout time.Duration) (*Client, error) {
	r := bufio.NewReader(rw)
	g, err := ReadGreeting(r)
	if err != nil {
		return nil, err
	}
	if g.Name != wantName || g.Service != wantService || g.Version != wantVersion {
		return nil, errkind.New(errkind.KindProtocolError, "protocol.Connect",
			fmt.Errorf("greeting mismatch: got %+v, want name=%s service=%s version=%s", g, wantName, wantService, wantVersion))
	}
	c := &Client{Name: g.Name, Service: g.Service, Version: g.Version, Timeout: timeout, w: rw, r: r, sessions: make(map[uint64]string)}
	if d, ok := rw.(interface{ SetDeadline(time.Time) error }); ok {
		c.dl = d
	}
	return c, nil
}

// Result accumulates what a command produced: every Data frame payload
// in order, terminated by DataEnd, or the Error frame's payload.
type Result struct {
	Data [][]byte
}

func (c *Client) setDeadline() {
	if c.dl != nil && c.Timeout > 0 {
		_ = c.dl.SetDeadline(time.Now().Add(c.Timeout))
	}
}

func (c *Client) readUntilEnd() (*Result, error) {
	res := &Result{}
	for {
		c.setDeadline()
		f, err := ReadFrame(c.r)
		if err != nil {
			return nil, errkind.New(errkind.KindTimeout, "protocol.Client.readUntilEnd", err)
		}
		switch f.Type {
		case FrameData:
			res.Data = append(res.Data, f.Data)
		case FrameDataEnd:
			return res, nil
		case FrameError:
			return nil, &errkind.Error{Kind: errkind.Kind(f.Error.Code), Op: "protocol.Client.readUntilEnd", Err: fmt.Errorf("%s", f.Error.Message), Stack: f.Error.StackTrace}
		default:
			return nil, errkind.New(errkind.KindProtocolError, "protocol.Client.readUntilEnd", fmt.Errorf("unexpected frame type %d", f.Type))
		}
	}
}

// Execute sends a no-session command and waits for its Data/DataEnd (or
// Error). param is marshaled to JSON; pass nil for commands that take none.
func (c *Client) Execute(id string, param interface{}) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execute(Command{ID: id, Type: CmdNoSession}, param)
}

func (c *Client) execute(cmd Command, param interface{}) (*Result, error) {
	if param != nil {
		raw, err := json.Marshal(param)
		if err != nil {
			return nil, errkind.New(errkind.KindJsonFormatError, "protocol.Client.execute", err)
		}
		cmd.Param = raw
	}
	if err := WriteFrame(c.w, Frame{Type: FrameCommand, Command: &cmd}); err != nil {
		return nil, err
	}
	return c.readUntilEnd()
}

// Open starts a session for id and returns its server-allocated session
// id, which Process/Close/Cancel use for subsequent calls.
func (c *Client) Open(id string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := Command{ID: id, Type: CmdOpen}
	if err := WriteFrame(c.w, Frame{Type: FrameCommand, Command: &cmd}); err != nil {
		return 0, err
	}
	c.setDeadline()
	f, err := ReadFrame(c.r)
	if err != nil {
		return 0, errkind.New(errkind.KindTimeout, "protocol.Client.Open", err)
	}
	if f.Type == FrameError {
		return 0, &errkind.Error{Kind: errkind.Kind(f.Error.Code), Op: "protocol.Client.Open", Err: fmt.Errorf("%s", f.Error.Message)}
	}
	if f.Type != FrameData {
		return 0, errkind.New(errkind.KindProtocolError, "protocol.Client.Open", fmt.Errorf("expected data frame carrying session id, got %d", f.Type))
	}
	var sessionID uint64
	if err := json.Unmarshal(f.Data, &sessionID); err != nil {
		return 0, errkind.New(errkind.KindProtocolError, "protocol.Client.Open", err)
	}
	if _, err := c.readUntilEnd(); err != nil {
		return 0, err
	}
	c.sessions[sessionID] = id
	return sessionID, nil
}

// Process runs one unit of work within an open session.
func (c *Client) Process(sessionID uint64, param interface{}) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execute(Command{Type: CmdProcess, SessionID: sessionID}, param)
}

// Close ends a session.
func (c *Client) Close(sessionID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	_, err := c.execute(Command{Type: CmdClose, SessionID: sessionID}, nil)
	return err
}

// Cancel requests cooperative cancellation of in-flight work on a session.
func (c *Client) Cancel(sessionID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.execute(Command{Type: CmdCancel, SessionID: sessionID}, nil)
	return err
}

// Exit tells the server to stop serving; it does not wait for a reply
// since the server closes the connection instead of sending DataEnd.
func (c *Client) Exit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := Command{ID: "exit", Type: CmdNoSession}
	return WriteFrame(c.w, Frame{Type: FrameCommand, Command: &cmd})
}

// DataGet returns the concatenation of a Result's data frames, the shape
// most single-value commands want.
func DataGet(res *Result) []byte {
	total := 0
	for _, d := range res.Data {
		total += len(d)
	}
	out := make([]byte, 0, total)
	for _, d := range res.Data {
		out = append(out, d...)
	}
	return out
}
