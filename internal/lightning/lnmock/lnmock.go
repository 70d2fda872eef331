// Package lnmock is an in-memory Backend used by the other components'
// test suites (payment loop, watcher), standing in for
// a real Lightning node with a controllable settlement timeline.
package lnmock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/paymentid"
	"github.com/google/uuid"
)

// Backend is a deterministic, in-memory Lightning backend.
type Backend struct {
	mu         sync.Mutex
	settled    chan lightning.Settlement
	outgoing   []lightning.OutgoingPayment
	FailNext   error // when set, the next Pay call returns this error once
	PayDelay   time.Duration
	unitMsats  int64
}

// New returns a ready mock backend with a buffered settlement channel.
func New() *Backend {
	return &Backend{
		settled:   make(chan lightning.Settlement, 256),
		unitMsats: 1,
	}
}

func (b *Backend) CreateOffer(ctx context.Context) (string, error) {
	return "lno1mock" + uuid.NewString(), nil
}

func (b *Backend) Pay(ctx context.Context, offer string, amountMsats int64, id paymentid.ID) (string, error) {
	if b.PayDelay > 0 {
		select {
		case <-time.After(b.PayDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	if b.FailNext != nil {
		err := b.FailNext
		b.FailNext = nil
		b.mu.Unlock()
		return "", err
	}
	settlementID := uuid.NewString()
	b.outgoing = append(b.outgoing, lightning.OutgoingPayment{
		SettlementID: settlementID,
		Note:         id.String(),
		AmountMsats:  amountMsats,
		At:           time.Now(),
	})
	b.mu.Unlock()

	// Deliver the settlement to whoever is subscribed on the payee side
	// (the relay, in tests that wire both ends of the same mock).
	select {
	case b.settled <- lightning.Settlement{AmountMsats: amountMsats, Note: id.String(), ReceivedAt: time.Now()}:
	default:
		return "", fmt.Errorf("lnmock: settlement channel full")
	}
	return settlementID, nil
}

func (b *Backend) SubscribeIncoming(ctx context.Context) (<-chan lightning.Settlement, error) {
	return b.settled, nil
}

func (b *Backend) ListOutgoing(ctx context.Context, since time.Time) ([]lightning.OutgoingPayment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []lightning.OutgoingPayment
	for _, p := range b.outgoing {
		if !p.At.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Backend) SmallestUnitMsats() int64 { return b.unitMsats }

var _ lightning.Backend = (*Backend)(nil)
