package attacher

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/el-tor/eltord/internal/control"
	"go.uber.org/zap"
)

type fakeRouter struct {
	mu         sync.Mutex
	conn       net.Conn
	attachLogs []string
}

func startFakeRouter(t *testing.T) (addr string, fr *fakeRouter) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	fr = &fakeRouter{}
	ready := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conn = conn
		fr.mu.Unlock()
		close(ready)

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "AUTHENTICATE"), strings.HasPrefix(line, "SETCONF"), strings.HasPrefix(line, "SETEVENTS"):
				fmt.Fprint(conn, "250 OK\r\n")
			case strings.HasPrefix(line, "ATTACHSTREAM"):
				fr.mu.Lock()
				fr.attachLogs = append(fr.attachLogs, line)
				fr.mu.Unlock()
				fmt.Fprint(conn, "250 OK\r\n")
			}
		}
	}()

	addr = ln.Addr().String()
	_ = ready
	return addr, fr
}

func (fr *fakeRouter) push(line string) {
	fr.mu.Lock()
	conn := fr.conn
	fr.mu.Unlock()
	for conn == nil {
		time.Sleep(time.Millisecond)
		fr.mu.Lock()
		conn = fr.conn
		fr.mu.Unlock()
	}
	fmt.Fprintf(conn, "650 %s\r\n", line)
}

func TestRoundRobinFairness(t *testing.T) {
	addr, fr := startFakeRouter(t)
	log := zap.NewNop().Sugar()

	ch, err := control.Dial(addr, "secret", log)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	a := New(ch, log)
	if err := a.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		a.Run(Targets{Primary: "circ-p", Backup: "circ-b"}, stop)
		close(done)
	}()

	const n = 20
	for i := 0; i < n; i++ {
		fr.push(fmt.Sprintf("STREAM s%d NEW circ-p", i))
	}

	// give the single-goroutine event loop time to process the burst.
	time.Sleep(100 * time.Millisecond)
	close(stop)
	<-done

	primary, backup := a.Counts()
	if primary+backup != n {
		t.Fatalf("total attached = %d, want %d", primary+backup, n)
	}
	diff := int(primary) - int(backup)
	if diff < -1 || diff > 1 {
		t.Fatalf("imbalance = %d, want within 1", diff)
	}
}
