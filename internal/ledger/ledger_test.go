package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/el-tor/eltord/internal/paymentid"
)

func twoHopThreeRound(t *testing.T) (fingerprints []string, idsByHop [][]paymentid.ID) {
	t.Helper()
	fingerprints = []string{"FPGUARD", "FPEXIT"}
	idsByHop, err := paymentid.GenerateHops(2, 3)
	if err != nil {
		t.Fatalf("GenerateHops() error = %v", err)
	}
	return fingerprints, idsByHop
}

func TestInsertExtendCreatesKxHRows(t *testing.T) {
	l := New()
	fps, ids := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-1", fps, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}
	if got := l.RowCount(); got != 6 {
		t.Fatalf("RowCount() = %d, want 6", got)
	}
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	l := New()
	fps, ids := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-1", fps, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}

	id := ids[0][0]
	now := time.Now()
	if err := l.MarkPaid(id, "settle-1", now); err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}
	if err := l.MarkPaid(id, "settle-2", now.Add(time.Second)); err != nil {
		t.Fatalf("second MarkPaid() error = %v", err)
	}

	round, ok := l.FindOldestUnpaid("circ-1")
	if !ok || round != 1 {
		t.Fatalf("FindOldestUnpaid() = (%d, %v), want (1, true) since other hop/round 1 row is still unpaid", round, ok)
	}
}

func TestFindOldestUnpaidAdvancesAsRowsSettle(t *testing.T) {
	l := New()
	fps, ids := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-1", fps, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}

	for h := range fps {
		if err := l.MarkPaid(ids[h][0], "s", time.Now()); err != nil {
			t.Fatalf("MarkPaid() error = %v", err)
		}
	}

	round, ok := l.FindOldestUnpaid("circ-1")
	if !ok || round != 2 {
		t.Fatalf("FindOldestUnpaid() = (%d, %v), want (2, true)", round, ok)
	}
	if !l.RoundFullyPaid("circ-1", 1) {
		t.Fatal("RoundFullyPaid(1) = false, want true")
	}
}

func TestDropCircuitRemovesAllRows(t *testing.T) {
	l := New()
	fps, ids := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-1", fps, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}
	if err := l.DropCircuit("circ-1"); err != nil {
		t.Fatalf("DropCircuit() error = %v", err)
	}
	if got := l.RowCount(); got != 0 {
		t.Fatalf("RowCount() after drop = %d, want 0", got)
	}
	if _, ok := l.FindOldestUnpaid("circ-1"); ok {
		t.Fatal("FindOldestUnpaid() after drop = true, want false")
	}
}

func TestPruneOrphanedDropsCircuitsNotBuilt(t *testing.T) {
	l := New()
	fps, ids := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-built", fps, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}
	fps2, ids2 := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-orphaned", fps2, ids2); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}

	if err := l.PruneOrphaned(map[string]bool{"circ-built": true}); err != nil {
		t.Fatalf("PruneOrphaned() error = %v", err)
	}

	if _, ok := l.FindOldestUnpaid("circ-built"); !ok {
		t.Fatal("circ-built rows were pruned, want kept")
	}
	if _, ok := l.FindOldestUnpaid("circ-orphaned"); ok {
		t.Fatal("circ-orphaned rows survived pruning, want dropped")
	}
}

func TestDurableLedgerReplaysOnReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenDurable(dir)
	if err != nil {
		t.Fatalf("OpenDurable() error = %v", err)
	}
	fps, ids := twoHopThreeRound(t)
	if err := l.InsertExtend("circ-1", fps, ids); err != nil {
		t.Fatalf("InsertExtend() error = %v", err)
	}
	if err := l.MarkPaid(ids[0][0], "s", time.Now()); err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenDurable(dir)
	if err != nil {
		t.Fatalf("reopen OpenDurable() error = %v", err)
	}
	defer reopened.Close()
	if got := reopened.RowCount(); got != 6 {
		t.Fatalf("RowCount() after replay = %d, want 6", got)
	}

	logPath := filepath.Join(dir, "ledger-log.json")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected append-only log at %s: %v", logPath, err)
	}
}
