package protocol

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func startServer(t *testing.T, conn net.Conn, configure func(*Server)) {
	t.Helper()
	srv := NewServer(Greeting{Name: "physback", Service: "worker", Version: "1"}, nil)
	configure(srv)
	go func() {
		_ = srv.Serve(conn)
	}()
}

func dialClient(t *testing.T, conn net.Conn) *Client {
	t.Helper()
	c, err := Connect(conn, "physback", "worker", "1", 2*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

// Protocol: for every sequence of (command, data*, data-end) exchanges
// over an in-memory pair of streams, the client's execute returns the
// same data the server's handler wrote.
func TestExecuteRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	startServer(t, serverConn, func(s *Server) {
		s.Handle("upper", func(sess *Session, param json.RawMessage) error {
			var msg string
			_ = json.Unmarshal(param, &msg)
			upper := make([]byte, len(msg))
			for i := 0; i < len(msg); i++ {
				c := msg[i]
				if c >= 'a' && c <= 'z' {
					c -= 'a' - 'A'
				}
				upper[i] = c
			}
			return sess.SendData(upper)
		})
	})

	client := dialClient(t, clientConn)

	res, err := client.Execute("upper", "hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := string(DataGet(res))
	if got != "HELLO" {
		t.Fatalf("got %q, want HELLO", got)
	}
}

func TestNoopRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	startServer(t, serverConn, func(s *Server) {})
	client := dialClient(t, clientConn)

	res, err := client.Execute("noop", nil)
	if err != nil {
		t.Fatalf("Execute noop: %v", err)
	}
	if len(res.Data) != 0 {
		t.Fatalf("expected no data from noop, got %v", res.Data)
	}
}

func TestSessionOpenProcessClose(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	startServer(t, serverConn, func(s *Server) {
		count := 0
		s.Handle("counter", func(sess *Session, param json.RawMessage) error {
			count++
			b, _ := json.Marshal(count)
			return sess.SendData(b)
		})
	})
	client := dialClient(t, clientConn)

	sessionID, err := client.Open("counter")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sessionID == 0 {
		t.Fatalf("expected nonzero session id")
	}

	for i, want := range []string{"1", "2", "3"} {
		res, err := client.Process(sessionID, nil)
		if err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
		if got := string(DataGet(res)); got != want {
			t.Fatalf("Process %d: got %q, want %q", i, got, want)
		}
	}

	if err := client.Close(sessionID); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	startServer(t, serverConn, func(s *Server) {})
	client := dialClient(t, clientConn)

	if _, err := client.Execute("no-such-command", nil); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestExitStopsServeLoop(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	srv := NewServer(Greeting{Name: "physback", Service: "worker", Version: "1"}, nil)
	go func() { done <- srv.Serve(serverConn) }()

	client := dialClient(t, clientConn)
	if err := client.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error after exit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after exit command")
	}
}
