package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pigsty-io/physback/internal/errkind"
)

// Session is the per-open-command handler state a worker command can use
// to stream results back before the framework sends DataEnd.
type Session struct {
	ID        uint64
	HandlerID string
	w         io.Writer
	mu        sync.Mutex
	cancelled bool
}

// SendData writes one Data frame carrying payload to the client. Handlers
// may call this any number of times before returning.
func (s *Session) SendData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.w, Frame{Type: FrameData, Data: payload})
}

// Cancelled reports whether the client sent a cancel command for this
// session; long-running handlers should poll this cooperatively.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Handler processes one `process` command within a session (or a
// no-session command when session is nil).
type Handler func(session *Session, param json.RawMessage) error

// Server dispatches framed commands to registered handlers, one
// connection at a time.
type Server struct {
	Greeting      Greeting
	RetryPolicy   []time.Duration // sleep intervals between retries of a retryable handler error
	KeepAliveEvery int            // emit a ping Data frame after this many completed units of work (0 disables)

	handlers map[string]Handler
	log      *logrus.Entry

	mu            sync.Mutex
	sessions      map[uint64]*Session
	nextSessionID uint64
	completed     int
}

// NewServer builds a server. log may be nil to use logrus's standard logger.
func NewServer(greeting Greeting, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		Greeting: greeting,
		log:      log,
		handlers: make(map[string]Handler),
		sessions: make(map[uint64]*Session),
	}
	s.handlers["noop"] = func(*Session, json.RawMessage) error { return nil }
	return s
}

// Handle registers a handler under commandID. "exit" is reserved by the
// framework and closes the serve loop when invoked as a noSession command.
func (s *Server) Handle(commandID string, h Handler) {
	s.handlers[commandID] = h
}

// Serve runs the read-dispatch-reply loop over rw until the peer sends
// "exit", the connection closes, or a fatal (non-retryable, retries
// exhausted) handler error occurs — in which case Serve returns that
// error so the caller can exit the process non-zero.
func (s *Server) Serve(rw io.ReadWriter) error {
	if err := WriteGreeting(rw, s.Greeting); err != nil {
		return err
	}
	br := bufio.NewReader(rw)
	for {
		frame, err := ReadFrame(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if frame.Type != FrameCommand {
			return errkind.New(errkind.KindProtocolError, "protocol.Server.Serve",
				fmt.Errorf("expected command frame, got type %d", frame.Type))
		}
		cmd := frame.Command
		if cmd.ID == "exit" && cmd.Type == CmdNoSession {
			return nil
		}
		if err := s.dispatch(rw, cmd); err != nil {
			if ek, ok := err.(*errkind.Error); ok && !ek.Kind.Retryable() {
				return err
			}
		}
	}
}

func (s *Server) dispatch(w io.Writer, cmd *Command) error {
	switch cmd.Type {
	case CmdOpen:
		return s.handleOpen(w, cmd)
	case CmdProcess:
		return s.handleProcess(w, cmd)
	case CmdClose:
		s.mu.Lock()
		delete(s.sessions, cmd.SessionID)
		s.mu.Unlock()
		return WriteFrame(w, Frame{Type: FrameDataEnd})
	case CmdCancel:
		s.mu.Lock()
		if sess, ok := s.sessions[cmd.SessionID]; ok {
			sess.mu.Lock()
			sess.cancelled = true
			sess.mu.Unlock()
		}
		s.mu.Unlock()
		return WriteFrame(w, Frame{Type: FrameDataEnd})
	case CmdNoSession:
		h, ok := s.handlers[cmd.ID]
		if !ok {
			return s.writeError(w, errkind.New(errkind.KindProtocolError, "protocol.Server.dispatch", fmt.Errorf("unknown command %q", cmd.ID)))
		}
		// No-session commands still get a Session so handlers can stream
		// Data frames back before DataEnd, e.g. a status query's payload.
		return s.invoke(w, &Session{HandlerID: cmd.ID, w: w}, h, cmd.Param)
	default:
		return s.writeError(w, errkind.New(errkind.KindProtocolError, "protocol.Server.dispatch", fmt.Errorf("unknown command type %d", cmd.Type)))
	}
}

func (s *Server) handleOpen(w io.Writer, cmd *Command) error {
	h, ok := s.handlers[cmd.ID]
	if !ok {
		return s.writeError(w, errkind.New(errkind.KindProtocolError, "protocol.Server.handleOpen", fmt.Errorf("unknown command %q", cmd.ID)))
	}
	s.mu.Lock()
	s.nextSessionID++
	id := s.nextSessionID
	sess := &Session{ID: id, HandlerID: cmd.ID, w: w}
	s.sessions[id] = sess
	s.mu.Unlock()

	idBytes, _ := json.Marshal(id)
	if err := WriteFrame(w, Frame{Type: FrameData, Data: idBytes}); err != nil {
		return err
	}
	_ = h // open only allocates; the first process carries the payload
	return WriteFrame(w, Frame{Type: FrameDataEnd})
}

func (s *Server) handleProcess(w io.Writer, cmd *Command) error {
	s.mu.Lock()
	sess, ok := s.sessions[cmd.SessionID]
	s.mu.Unlock()
	if !ok {
		return s.writeError(w, errkind.New(errkind.KindProtocolError, "protocol.Server.handleProcess", fmt.Errorf("unknown session %d", cmd.SessionID)))
	}
	h, ok := s.handlers[sess.HandlerID]
	if !ok {
		return s.writeError(w, errkind.New(errkind.KindProtocolError, "protocol.Server.handleProcess", fmt.Errorf("unknown command %q", sess.HandlerID)))
	}
	sess.mu.Lock()
	sess.w = w
	sess.mu.Unlock()
	return s.invoke(w, sess, h, cmd.Param)
}

// invoke runs h under the retry policy, sending a keep-alive ping after
// completed units of work, and writing DataEnd or Error as appropriate.
func (s *Server) invoke(w io.Writer, sess *Session, h Handler, param json.RawMessage) error {
	var firstErr *errkind.Error
	var retryCauses []string

	attempt := 0
	for {
		err := s.runOnce(w, sess, h, param)
		if err == nil {
			s.noteCompletion(w)
			return WriteFrame(w, Frame{Type: FrameDataEnd})
		}
		ek, _ := err.(*errkind.Error)
		if ek == nil {
			ek = errkind.New(errkind.KindAssertError, "protocol.Server.invoke", err)
		}
		if firstErr == nil {
			firstErr = ek
		} else {
			retryCauses = append(retryCauses, ek.Error())
		}
		if !ek.Kind.Retryable() || attempt >= len(s.RetryPolicy) {
			final := firstErr
			if len(retryCauses) > 0 {
				final = errkind.New(firstErr.Kind, firstErr.Op, fmt.Errorf("%w (after %d retries: %v)", firstErr.Err, len(retryCauses), retryCauses))
				final.Stack = firstErr.Stack
			}
			return s.writeError(w, final)
		}
		time.Sleep(s.RetryPolicy[attempt])
		attempt++
	}
}

func (s *Server) runOnce(w io.Writer, sess *Session, h Handler, param json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errkind.New(errkind.KindAssertError, "protocol.Server.runOnce", fmt.Errorf("panic: %v", r))
			err.(*errkind.Error).Stack = string(debug.Stack())
		}
	}()
	return h(sess, param)
}

func (s *Server) noteCompletion(w io.Writer) {
	s.mu.Lock()
	s.completed++
	n := s.completed
	s.mu.Unlock()
	if s.KeepAliveEvery > 0 && n%s.KeepAliveEvery == 0 {
		// Best-effort: a ping failure will surface on the next real frame write.
		_ = WriteFrame(w, Frame{Type: FrameData, Data: []byte("ping")})
	}
}

func (s *Server) writeError(w io.Writer, ek *errkind.Error) error {
	payload := &ErrorPayload{Code: int32(ek.Kind), Message: ek.Error(), StackTrace: ek.Stack}
	if werr := WriteFrame(w, Frame{Type: FrameError, Error: payload}); werr != nil {
		return werr
	}
	if !ek.Kind.Retryable() {
		return ek
	}
	return ek
}
