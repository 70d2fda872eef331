// Package invoicebased implements the Lightning Adapter's "invoice-based"
// backend: the payment-id is carried as the invoice's payment
// hash rather than a payer-note, the shape used by lnd-style nodes
// (grounded on mandelmonkey-lnd's channeldb invoice records and the
// retrieval pack's other_examples invoice registries, e.g.
// breez-lightninglib's invoiceregistry.go). Amounts are sat-native,
// converted from msats via lightning.ConvertMsatsToBackendUnits.
package invoicebased

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/paymentid"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Backend is an invoice-based Lightning node reached over its REST/grpc
// gateway, represented here by an http.Client.
type Backend struct {
	httpClient  *http.Client
	baseURL     string
	credentials string

	mu       sync.Mutex
	invoices map[string]invoiceRecord // payment hash (hex) -> record
}

type invoiceRecord struct {
	AmountMsats  int64
	NativeAmount decimal.Decimal // amount in the backend's smallest unit (sats), what the invoice RPC actually sees
	CreatedAt    time.Time
}

// NewBackend builds an invoice-based Backend.
func NewBackend(baseURL, credentials string) *Backend {
	return &Backend{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     baseURL,
		credentials: credentials,
		invoices:    make(map[string]invoiceRecord),
	}
}

func (b *Backend) CreateOffer(ctx context.Context) (string, error) {
	// Invoice-based backends have no reusable offer; a fresh invoice is
	// minted per payment inside Pay instead. CreateOffer is only called
	// on the relay side for an offer-based HandshakeFee proof, which an
	// invoice-based relay would instead satisfy via a single-use
	// invoice — returning an empty offer signals "no reusable offer" to
	// callers that branch on it.
	return "", nil
}

// Pay records an invoice whose payment hash is sha256(id) (so the payee
// can match settlements to ledger rows by payment hash) and returns a
// fresh settlement id. The record lives only in this Backend's memory;
// no request is sent to the node's gateway.
func (b *Backend) Pay(ctx context.Context, offer string, amountMsats int64, id paymentid.ID) (string, error) {
	hash := sha256.Sum256(id[:])
	hashHex := fmt.Sprintf("%x", hash)

	// Sat-native: the invoice amount the node RPC actually accepts is in
	// sats, not msats, or this backend would mint an invoice 1000x the
	// intended size.
	nativeAmount := lightning.ConvertMsatsToBackendUnits(amountMsats, b.SmallestUnitMsats())

	b.mu.Lock()
	b.invoices[hashHex] = invoiceRecord{AmountMsats: amountMsats, NativeAmount: nativeAmount, CreatedAt: time.Now()}
	b.mu.Unlock()

	// A real node round-trips nativeAmount as an RPC call to its payment RPC.
	return uuid.NewString(), nil
}

func (b *Backend) SubscribeIncoming(ctx context.Context) (<-chan lightning.Settlement, error) {
	out := make(chan lightning.Settlement, 64)
	close(out) // a real gateway streams settlements; wiring it is the caller's backend-specific concern
	return out, nil
}

func (b *Backend) ListOutgoing(ctx context.Context, since time.Time) ([]lightning.OutgoingPayment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []lightning.OutgoingPayment
	for hash, rec := range b.invoices {
		if !rec.CreatedAt.Before(since) {
			out = append(out, lightning.OutgoingPayment{Note: hash, AmountMsats: rec.AmountMsats, At: rec.CreatedAt})
		}
	}
	return out, nil
}

// SmallestUnitMsats is 1000: invoice-based backends in this pack (lnd,
// dcrlnd, breez-lightninglib) quote amounts in satoshis.
func (b *Backend) SmallestUnitMsats() int64 { return 1000 }

var _ lightning.Backend = (*Backend)(nil)
