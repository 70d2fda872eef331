// Package lnwatcher implements the relay-side Lightning watcher (C10):
// it subscribes to the Lightning Adapter's incoming settlement stream and
// correlates each settlement's 32-byte identifier with a ledger row.
package lnwatcher

import (
	"context"
	"encoding/hex"

	"github.com/el-tor/eltord/internal/ledger"
	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/paymentid"
	"go.uber.org/zap"
)

// Watcher drains a Lightning backend's settlement stream into a ledger.
type Watcher struct {
	backend lightning.Backend
	ledger  *ledger.Ledger
	log     *zap.SugaredLogger
}

// New constructs a Watcher bound to one backend and one ledger. A relay
// with multiple configured backends runs one Watcher per backend, each
// sharing the same ledger.
func New(backend lightning.Backend, l *ledger.Ledger, log *zap.SugaredLogger) *Watcher {
	return &Watcher{backend: backend, ledger: l, log: log}
}

// Run drains settlements until ctx is canceled, marking matching ledger
// rows paid and logging-and-ignoring settlements that match nothing.
func (w *Watcher) Run(ctx context.Context) error {
	settlements, err := w.backend.SubscribeIncoming(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-settlements:
			if !ok {
				return nil
			}
			w.handle(s)
		}
	}
}

func (w *Watcher) handle(s lightning.Settlement) {
	if s.Note != "" {
		if id, ok := decodeNote(s.Note); ok {
			if err := w.ledger.MarkPaid(id, "", s.ReceivedAt); err != nil {
				w.log.Debugw("settlement payer-note did not match any ledger row, ignoring", "payment_id", id, "error", err)
			}
			return
		}
	}
	if s.PaymentHash != "" {
		if !w.ledger.MarkPaidByHash(s.PaymentHash, "", s.ReceivedAt) {
			w.log.Debugw("settlement payment hash did not match any ledger row, ignoring", "payment_hash", s.PaymentHash)
		}
		return
	}
	w.log.Warnw("settlement carries no recognizable identifier, ignoring")
}

// decodeNote recovers the 32-byte payment id an offer-based settlement
// carries in its payer-note field.
func decodeNote(note string) (paymentid.ID, bool) {
	var id paymentid.ID
	raw, err := hex.DecodeString(note)
	if err != nil || len(raw) != paymentid.Size {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}
