package parallel

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pigsty-io/physback/internal/protocol"
)

func newPairedWorker(t *testing.T, inFlight *int32, maxSeen *int32) *Worker {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	srv := protocol.NewServer(protocol.Greeting{Name: "physback", Service: "worker", Version: "1"}, nil)
	srv.Handle("work", func(sess *protocol.Session, param json.RawMessage) error {
		n := atomic.AddInt32(inFlight, 1)
		for {
			seen := atomic.LoadInt32(maxSeen)
			if n <= seen || atomic.CompareAndSwapInt32(maxSeen, seen, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(inFlight, -1)
		return sess.SendData([]byte("ok"))
	})
	go func() { _ = srv.Serve(serverConn) }()

	client, err := protocol.Connect(clientConn, "physback", "worker", "1", time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return &Worker{Client: client, Close: func() error { return clientConn.Close() }}
}

func TestExecutorNeverExceedsWorkerCount(t *testing.T) {
	const workerCount = 3
	const jobCount = 10

	var inFlight, maxSeen int32
	workers := make([]*Worker, workerCount)
	for i := range workers {
		workers[i] = newPairedWorker(t, &inFlight, &maxSeen)
	}

	jobs := make([]Job, jobCount)
	for i := range jobs {
		jobs[i] = Job{ID: "work"}
	}

	exec := New(workers, QueueSource(jobs), 2*time.Second)

	var mu sync.Mutex
	var results []JobResult
	err := exec.Run(func(r JobResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != jobCount {
		t.Fatalf("got %d results, want %d", len(results), jobCount)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("job error: %v", r.Err)
		}
	}
	if maxSeen > workerCount {
		t.Fatalf("observed %d jobs in flight, want <= %d", maxSeen, workerCount)
	}
}
