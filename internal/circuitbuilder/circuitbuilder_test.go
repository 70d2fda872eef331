package circuitbuilder

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/el-tor/eltord/internal/control"
	"github.com/el-tor/eltord/internal/descriptor"
	"github.com/el-tor/eltord/internal/paymentid"
	"go.uber.org/zap"
)

// startFakeRouter mirrors the control package's fake router harness: it
// authenticates any password, replies 250 to EXTENDPAIDCIRCUIT with the
// given circuit id, then lets the test push raw 650 lines on demand.
func startFakeRouter(t *testing.T, circuitID string) (addr string, push func(line string)) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- conn
		w := conn
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "AUTHENTICATE"):
				fmt.Fprint(w, "250 OK\r\n")
			case strings.HasPrefix(line, "EXTENDPAIDCIRCUIT"):
				fmt.Fprintf(w, "250 %s\r\n", circuitID)
			}
		}
	}()

	push = func(line string) {
		conn := <-connCh
		fmt.Fprintf(conn, "650 %s\r\n", line)
		connCh <- conn
	}
	return ln.Addr().String(), push
}

func oneHop(t *testing.T) SelectedHop {
	t.Helper()
	ids, err := paymentid.Generate(2)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	hash, preimage, err := NewHandshakeProof()
	if err != nil {
		t.Fatalf("NewHandshakeProof() error = %v", err)
	}
	return SelectedHop{
		Descriptor: descriptor.RelayDescriptor{
			Fingerprint: "ABCDEF0123456789",
			Address:     "127.0.0.1",
			ORPort:      9001,
			Roles:       []descriptor.Role{descriptor.RoleGuard},
		},
		PaymentIDs:        ids,
		HandshakeHash:     hash,
		HandshakePreimage: preimage,
	}
}

func TestBuildSucceedsOnBuiltEvent(t *testing.T) {
	addr, push := startFakeRouter(t, "circ-1")
	log := zap.NewNop().Sugar()

	ch, err := control.Dial(addr, "secret", log)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	b := New(ch, log).WithTimeout(2 * time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		push("CIRC circ-1 BUILT")
	}()

	id, err := b.Build([]SelectedHop{oneHop(t)})
	<-done
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if id != "circ-1" {
		t.Fatalf("Build() id = %q, want circ-1", id)
	}
}

func TestBuildFailsOnFailedEvent(t *testing.T) {
	addr, push := startFakeRouter(t, "circ-2")
	log := zap.NewNop().Sugar()

	ch, err := control.Dial(addr, "secret", log)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	b := New(ch, log).WithTimeout(2 * time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		push("CIRC circ-2 FAILED")
	}()

	_, err = b.Build([]SelectedHop{oneHop(t)})
	if err == nil {
		t.Fatal("Build() error = nil, want build failure")
	}
}

func TestBuildTimesOutWithoutEvent(t *testing.T) {
	addr, _ := startFakeRouter(t, "circ-3")
	log := zap.NewNop().Sugar()

	ch, err := control.Dial(addr, "secret", log)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	b := New(ch, log).WithTimeout(50 * time.Millisecond)

	_, err = b.Build([]SelectedHop{oneHop(t)})
	if err == nil {
		t.Fatal("Build() error = nil, want timeout")
	}
}
