// Package control implements the control channel (C1): a single
// long-lived, line-oriented duplex session with the underlying
// onion-router process. It multiplexes synchronous command/reply
// exchanges and asynchronous 650-prefixed events over one connection:
// one duplex connection with a dedicated read-loop and a write mutex,
// generalized from cell framing to line framing since this daemon
// drives an already-running router over its control socket rather than
// speaking the cell wire protocol itself.
package control

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default timeouts
const (
	DefaultReplyTimeout = 10 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
)

// Reply is the accumulated lines of a command reply, terminated by a
// final three-digit status line. 250 is success; 5xx is error.
type Reply struct {
	Code  int
	Lines []string // all lines including the final status line, codes stripped
}

// OK reports whether the reply's final status code is 2xx.
func (r *Reply) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// Event is one dispatched 650 asynchronous event line.
type Event struct {
	Type string // CIRC, STREAM, EXTEND_PAID_CIRCUIT
	Raw  string // the full line after "650 "
}

// ErrTimeout is returned by Do when a command's reply does not arrive
// within the configured reply timeout. The caller decides whether to
// retry
var ErrTimeout = fmt.Errorf("control: command reply timeout")

// Channel is one authenticated control connection.
type Channel struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex // serializes outgoing writes
	doMu    sync.Mutex // serializes the request/reply cycle: one command in flight

	replyTimeout time.Duration
	idleTimeout  time.Duration

	subMu sync.RWMutex
	subs  map[string]chan Event // keyed by event type, exactly one subscriber per class

	replyCh chan *Reply
	fatalCh chan error // closed-session notification; pending commands observe this

	// pendingLines/pendingCode accumulate a reply in progress. Only the
	// read-loop goroutine touches them, so no lock is needed.
	pendingLines []string
	pendingCode  int

	log *zap.SugaredLogger

	closeOnce sync.Once
}

// Dial connects to the router's control socket and authenticates with
// the shared secret. Authentication failure is fatal.
func Dial(addr, password string, log *zap.SugaredLogger) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}

	c := &Channel{
		conn:         conn,
		r:            bufio.NewReader(conn),
		replyTimeout: DefaultReplyTimeout,
		idleTimeout:  DefaultIdleTimeout,
		subs:         make(map[string]chan Event),
		replyCh:      make(chan *Reply, 1),
		fatalCh:      make(chan error, 1),
		log:          log,
	}

	go c.readLoop()

	reply, err := c.Do(fmt.Sprintf("AUTHENTICATE %q", password))
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("control: authenticate: %w", err)
	}
	if !reply.OK() {
		_ = c.Close()
		return nil, fmt.Errorf("control: authenticate rejected: %d %v", reply.Code, reply.Lines)
	}
	return c, nil
}

// Do issues a command and blocks for its reply, subject to the reply
// timeout. Commands are serialized: only one is in flight at a time.
func (c *Channel) Do(cmd string) (*Reply, error) {
	c.doMu.Lock()
	defer c.doMu.Unlock()

	// A reply left in replyCh belongs to an earlier command that already
	// timed out; discard it so it is not taken as this command's reply.
	select {
	case stale := <-c.replyCh:
		c.log.Warnw("dropping unmatched control reply", "code", stale.Code)
	default:
	}

	id := uuid.NewString()
	c.log.Debugw("issuing command", "cmd_id", id, "cmd", cmd)

	c.writeMu.Lock()
	_, err := c.conn.Write([]byte(cmd + "\r\n"))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("control: write: %w", err)
	}

	select {
	case reply, ok := <-c.replyCh:
		if !ok {
			return nil, fmt.Errorf("control: session closed")
		}
		c.log.Debugw("received reply", "cmd_id", id, "code", reply.Code)
		return reply, nil
	case err := <-c.fatalCh:
		c.fatalCh <- err // let other waiters observe it too
		return nil, err
	case <-time.After(c.replyTimeout):
		return nil, ErrTimeout
	}
}

// Subscribe registers the caller as the exclusive subscriber for an
// event class. Events for that class are delivered in arrival order.
// Subscribing to an already-subscribed class replaces the prior
// subscriber (closing its channel).
func (c *Channel) Subscribe(eventType string) <-chan Event {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if old, ok := c.subs[eventType]; ok {
		close(old)
	}
	ch := make(chan Event, 64)
	c.subs[eventType] = ch
	return ch
}

// Close tears down the session. All pending commands fail.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.subMu.Lock()
		for k, ch := range c.subs {
			close(ch)
			delete(c.subs, k)
		}
		c.subMu.Unlock()
	})
	return err
}

func (c *Channel) readLoop() {
	for {
		if c.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		line, err := c.r.ReadString('\n')
		if err != nil {
			fatal := fmt.Errorf("control: session ended: %w", err)
			c.log.Warnw("control channel read loop ending", "error", err)
			select {
			case c.fatalCh <- fatal:
			default:
			}
			_ = c.Close()
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if err := c.dispatchLine(line); err != nil {
			// Unparseable line: log and drop.
			c.log.Warnw("dropping unparseable control line", "line", line, "error", err)
		}
	}
}

func (c *Channel) dispatchLine(line string) error {
	if len(line) < 4 {
		return fmt.Errorf("line too short: %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return fmt.Errorf("bad status code: %q", line)
	}
	sep := line[3]
	body := line[4:]

	if code == 650 {
		c.dispatchEvent(body)
		return nil
	}

	// Accumulate a synchronous reply. '-' and '+' mean more lines follow;
	// ' ' marks the final line of this reply.
	c.pendingLines = append(c.pendingLines, body)
	c.pendingCode = code
	if sep == ' ' {
		reply := &Reply{Code: c.pendingCode, Lines: c.pendingLines}
		c.pendingLines = nil
		select {
		case c.replyCh <- reply:
		default:
			// replyCh already holds a reply that no Do() call has taken
			// (protocol violation or a reply to a command whose timeout
			// already elapsed). Drop this one rather than block the read
			// loop; Do discards the buffered leftover before its next command.
			c.log.Warnw("dropping unmatched control reply", "code", reply.Code)
		}
	}
	return nil
}

func (c *Channel) dispatchEvent(body string) {
	fields := strings.SplitN(body, " ", 2)
	evType := fields[0]

	c.subMu.RLock()
	ch, ok := c.subs[evType]
	c.subMu.RUnlock()
	if !ok {
		c.log.Debugw("no subscriber for event type, dropping", "type", evType)
		return
	}

	select {
	case ch <- Event{Type: evType, Raw: body}:
	default:
		c.log.Warnw("event subscriber channel full, dropping event to preserve read-loop liveness", "type", evType)
	}
}
