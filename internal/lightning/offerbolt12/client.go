// Package offerbolt12 implements the Lightning Adapter's "offer-based-A"
// backend: a BOLT-12 offer-carrying node reached over a JSON-RPC-over-
// Unix-socket connection, grounded on chrisguida-glightning's jrpc2
// client — the pending-request map keyed by request id, matched by a
// per-call response channel, is the same shape as jrpc2.Client.
package offerbolt12

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/paymentid"
)

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is a JSON-RPC-over-Unix-socket connection to an offer-based
// Lightning node (e.g. Core Lightning).
type Client struct {
	conn      net.Conn
	w         *bufio.Writer
	writeMu   sync.Mutex
	idCounter atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *response

	incoming chan lightning.Settlement
}

// Dial connects to the node's RPC socket (a Unix domain socket path).
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("offerbolt12: dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:     conn,
		w:        bufio.NewWriter(conn),
		pending:  make(map[string]chan *response),
		incoming: make(chan lightning.Settlement, 256),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*response, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("offerbolt12: marshal params: %w", err)
	}
	id := fmt.Sprintf("%d", c.idCounter.Add(1))
	req := request{ID: id, Method: method, Params: paramsJSON}

	ch := make(chan *response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("offerbolt12: marshal request: %w", err)
	}

	c.writeMu.Lock()
	_, werr := c.w.Write(append(data, '\n', '\n'))
	if werr == nil {
		werr = c.w.Flush()
	}
	c.writeMu.Unlock()
	if werr != nil {
		return nil, fmt.Errorf("offerbolt12: write: %w", werr)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, classifyError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, lightning.ErrPayTimeout
	case <-time.After(30 * time.Second):
		return nil, lightning.ErrPayTimeout
	}
}

func classifyError(e *rpcError) error {
	switch {
	case e.Code == 301: // CLN: insufficient funds
		return lightning.ErrInsufficientFunds
	case e.Code == 205: // CLN: no route
		return lightning.ErrRouteNotFound
	default:
		return fmt.Errorf("offerbolt12: rpc error %d: %s", e.Code, e.Message)
	}
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Split(scanDoubleNewline)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg := scanner.Bytes()
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue // protocol violation: malformed frame, dropped
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// scanDoubleNewline splits on a blank line, the jrpc2 wire framing: one
// JSON object per message, messages separated by "\n\n".
func scanDoubleNewline(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\n' && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Backend adapts Client to the lightning.Backend interface.
type Backend struct {
	c *Client
}

// NewBackend wraps a dialed Client as a lightning.Backend.
func NewBackend(c *Client) *Backend { return &Backend{c: c} }

func (b *Backend) CreateOffer(ctx context.Context) (string, error) {
	resp, err := b.c.call(ctx, "offer", map[string]string{"amount": "any"})
	if err != nil {
		return "", err
	}
	var out struct {
		Bolt12 string `json:"bolt12"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", fmt.Errorf("offerbolt12: parse offer response: %w", err)
	}
	return out.Bolt12, nil
}

func (b *Backend) Pay(ctx context.Context, offer string, amountMsats int64, id paymentid.ID) (string, error) {
	resp, err := b.c.call(ctx, "fetchinvoice", map[string]interface{}{
		"offer":      offer,
		"amount_msat": amountMsats,
		"payer_note": id.String(),
	})
	if err != nil {
		return "", err
	}
	var out struct {
		SettlementID string `json:"payment_id"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return "", fmt.Errorf("offerbolt12: parse pay response: %w", err)
	}
	return out.SettlementID, nil
}

// SubscribeIncoming returns the client's incoming channel. Nothing in this
// package writes to it (the read loop only routes RPC responses), so no
// settlement is ever delivered on it.
func (b *Backend) SubscribeIncoming(ctx context.Context) (<-chan lightning.Settlement, error) {
	return b.c.incoming, nil
}

func (b *Backend) ListOutgoing(ctx context.Context, since time.Time) ([]lightning.OutgoingPayment, error) {
	resp, err := b.c.call(ctx, "listsendpays", map[string]string{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Payments []lightning.OutgoingPayment `json:"payments"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("offerbolt12: parse listsendpays response: %w", err)
	}
	return out.Payments, nil
}

func (b *Backend) SmallestUnitMsats() int64 { return 1 }

var _ lightning.Backend = (*Backend)(nil)
