package lnwatcher

import (
	"context"
	"testing"
	"time"

	"github.com/el-tor/eltord/internal/ledger"
	"github.com/el-tor/eltord/internal/lightning/lnmock"
	"github.com/el-tor/eltord/internal/paymentid"
	"go.uber.org/zap"
)

func TestWatcherMarksMatchingRowPaid(t *testing.T) {
	l := ledger.New()
	ids, err := paymentid.GenerateHops(1, 1)
	if err != nil {
		t.Fatalf("GenerateHops() error = %v", err)
	}
	if err := l.InsertExtend("circ-1", []string{"FP1"}, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}

	backend := lnmock.New()
	w := New(backend, l, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	if _, err := backend.Pay(ctx, "lno1mock", 1000, ids[0][0]); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if l.RoundFullyPaid("circ-1", 1) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ledger row was never marked paid")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
}

func TestWatcherIgnoresUnmatchedSettlement(t *testing.T) {
	l := ledger.New()
	backend := lnmock.New()
	w := New(backend, l, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	unrelated, err := paymentid.Generate(1)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := backend.Pay(ctx, "lno1mock", 1000, unrelated[0]); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}

	// no row exists to match; the watcher should simply not panic or block.
	time.Sleep(20 * time.Millisecond)
	if got := l.RowCount(); got != 0 {
		t.Fatalf("RowCount() = %d, want 0", got)
	}
}
