// Package lightning is the uniform capability adapter (C2) over the
// heterogeneous Lightning backends a relay or client may be configured
// against: {offer-based-A, offer-based-B, invoice-based}. Callers never
// see backend-specific types; they see Backend.
package lightning

import (
	"context"
	"fmt"
	"time"

	"github.com/el-tor/eltord/internal/paymentid"
	"golang.org/x/time/rate"
)

// Settlement is one incoming payment observed by SubscribeIncoming.
type Settlement struct {
	AmountMsats int64
	Note        string // payer-note for offer-based backends
	PaymentHash string // payment hash for invoice-based backends
	ReceivedAt  time.Time
}

// Identifier extracts the 32-byte payment identifier this settlement
// carries, from whichever carrier field the backend populated.
func (s Settlement) Identifier() string {
	if s.Note != "" {
		return s.Note
	}
	return s.PaymentHash
}

// OutgoingPayment is one row returned by ListOutgoing, used for the
// idempotence check before a retry.
type OutgoingPayment struct {
	SettlementID string
	Note         string
	AmountMsats  int64
	At           time.Time
}

// Lightning error classes. The payment loop retries a hop once on
// ErrRouteNotFound, ErrPayTimeout or ErrBackendUnavailable, and aborts
// the whole run on ErrInsufficientFunds.
var (
	ErrInsufficientFunds  = fmt.Errorf("lightning: insufficient_funds")
	ErrRouteNotFound      = fmt.Errorf("lightning: route_not_found")
	ErrPayTimeout         = fmt.Errorf("lightning: timeout")
	ErrBackendUnavailable = fmt.Errorf("lightning: backend_unavailable")
)

// Backend is the capability set a Lightning node implementation must
// provide. create_offer is relay-only; subscribe_incoming is relay-only;
// list_outgoing is client-only; pay is used by both (the client pays
// hops, a relay in "both" mode pays its own downstream hops).
type Backend interface {
	// CreateOffer returns a new reusable BOLT-12-shaped offer string.
	CreateOffer(ctx context.Context) (offer string, err error)

	// Pay settles amountMsats against offer, carrying id as the
	// backend-appropriate carrier (payer-note or payment hash note).
	Pay(ctx context.Context, offer string, amountMsats int64, id paymentid.ID) (settlementID string, err error)

	// SubscribeIncoming streams settlements as they arrive.
	SubscribeIncoming(ctx context.Context) (<-chan Settlement, error)

	// ListOutgoing returns outgoing payments since the given time, for
	// the idempotence check before a same-round retry.
	ListOutgoing(ctx context.Context, since time.Time) ([]OutgoingPayment, error)

	// SmallestUnitMsats is how many millisatoshis one of the backend's
	// native smallest units represents (1 for msat-native backends,
	// 1000 for sat-native backends), used by the amount converter.
	SmallestUnitMsats() int64
}

// RateLimited wraps a Backend's Pay call with a token-bucket limiter so a
// pathological K×H round fan-out cannot flood the backend. This is
// additive hardening, not a retry policy — the retryable-error handling
// is unchanged.
type RateLimited struct {
	Backend
	limiter *rate.Limiter
}

// NewRateLimited wraps backend with a limiter allowing ratePerSec
// sustained calls and the given burst.
func NewRateLimited(backend Backend, ratePerSec float64, burst int) *RateLimited {
	return &RateLimited{
		Backend: backend,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (r *RateLimited) Pay(ctx context.Context, offer string, amountMsats int64, id paymentid.ID) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("lightning: rate limiter: %w", err)
	}
	return r.Backend.Pay(ctx, offer, amountMsats, id)
}
