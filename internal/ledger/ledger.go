// Package ledger implements the payment ledger (C9): a concurrent store
// keyed by (circuit_id, round, relay_fingerprint), shared by the client's
// in-memory payment loop and the relay's durable auditor.
//
// The relay-side durability layer is a single go.etcd.io/bbolt bucket
// whose keys are "circuit_id|round|fingerprint", plus an append-only JSON
// settlement log for post-mortem analysis, written with encoding/json.
// Queries run against the in-memory rows; bbolt is read only on replay.
package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/el-tor/eltord/internal/paymentid"
	bolt "go.etcd.io/bbolt"
)

// Row is one (circuit_id, round, relay_fingerprint) ledger entry.
type Row struct {
	PaymentID       paymentid.ID
	CircuitID       string
	Round           int
	RelayFingerprint string // "me" sentinel on the relay side for its own row bookkeeping is not used; fingerprint is always the paying hop's
	UpdatedAt       int64  // 0 = unpaid, else unix seconds
}

func key(circuitID string, round int, fingerprint string) string {
	return fmt.Sprintf("%s|%04d|%s", circuitID, round, fingerprint)
}

// LogRecord is one append-only entry, matching the persisted-state schema
// for both payments-sent.json (client) and the relay ledger log.
type LogRecord struct {
	CircuitID        string `json:"circuit_id"`
	Round            int    `json:"round"`
	RelayFingerprint string `json:"relay_fingerprint"`
	PaymentID        string `json:"payment_id"`
	SettlementID     string `json:"settlement_id,omitempty"`
	At               int64  `json:"at"`
	MarkPaidAt       int64  `json:"mark_paid_at,omitempty"`
}

// Ledger is a concurrent in-memory ledger, optionally backed by a bbolt
// database and an append-only JSON log for durability.
type Ledger struct {
	mu   sync.Mutex
	rows map[string]*Row
	byID map[paymentid.ID]string // payment id -> row key, for O(1) mark_paid

	db      *bolt.DB
	logPath string
}

var bucketLedger = []byte("ledger")

// New constructs an in-memory-only ledger, the shape the client uses.
func New() *Ledger {
	return &Ledger{
		rows: make(map[string]*Row),
		byID: make(map[paymentid.ID]string),
	}
}

// OpenDurable constructs a ledger backed by a bbolt database and an
// append-only JSON log under dataDir, the relay-side durability shape.
func OpenDurable(dataDir string) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: mkdir %s: %w", dataDir, err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "ledger.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLedger)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create bucket: %w", err)
	}

	l := &Ledger{
		rows:    make(map[string]*Row),
		byID:    make(map[paymentid.ID]string),
		db:      db,
		logPath: filepath.Join(dataDir, "ledger-log.json"),
	}
	if err := l.replay(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the backing database, if any.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// replay loads persisted rows into memory on startup. Pruning rows for
// circuits the router no longer reports as built is a separate step
// (PruneOrphaned) since it requires a live control-channel round trip
// that replay, called from OpenDurable, does not have access to.
func (l *Ledger) replay() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger)
		return b.ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("ledger: replay %s: %w", k, err)
			}
			l.rows[string(k)] = &row
			l.byID[row.PaymentID] = string(k)
			return nil
		})
	})
}

// PruneOrphaned drops every circuit in the ledger whose id is not a key
// of builtCircuitIDs, the set of circuits the router currently reports
// as built. A ledger row set for a circuit the router no longer knows
// about means the router restarted or tore the circuit down without
// this relay observing it, so the row set can never be completed or
// paid and is dropped on startup.
func (l *Ledger) PruneOrphaned(builtCircuitIDs map[string]bool) error {
	for _, circuitID := range l.CircuitIDs() {
		if builtCircuitIDs[circuitID] {
			continue
		}
		if err := l.DropCircuit(circuitID); err != nil {
			return fmt.Errorf("ledger: prune orphaned circuit %s: %w", circuitID, err)
		}
	}
	return nil
}

func (l *Ledger) persist(k string, row *Row) error {
	if l.db == nil {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("ledger: marshal row: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedger).Put([]byte(k), data)
	})
}

func (l *Ledger) appendLog(rec LogRecord) {
	if l.logPath == "" {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// InsertExtend creates K×H rows for a freshly built circuit: one per
// (round, hop) pair, each carrying that hop's round-r payment id.
func (l *Ledger) InsertExtend(circuitID string, hopFingerprints []string, paymentIDsByHop [][]paymentid.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(hopFingerprints) != len(paymentIDsByHop) {
		return fmt.Errorf("ledger: hop count %d does not match payment-id vector count %d", len(hopFingerprints), len(paymentIDsByHop))
	}
	for h, fp := range hopFingerprints {
		for i, id := range paymentIDsByHop[h] {
			round := i + 1
			k := key(circuitID, round, fp)
			row := &Row{PaymentID: id, CircuitID: circuitID, Round: round, RelayFingerprint: fp}
			l.rows[k] = row
			l.byID[id] = k
			if err := l.persist(k, row); err != nil {
				return err
			}
			l.appendLog(LogRecord{CircuitID: circuitID, Round: round, RelayFingerprint: fp, PaymentID: id.String(), At: time.Now().Unix()})
		}
	}
	return nil
}

// MarkPaid records a payment as settled. It is idempotent: a second call
// for an already-paid id is a no-op.
func (l *Ledger) MarkPaid(id paymentid.ID, settlementID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("ledger: unknown payment id %s", id)
	}
	row := l.rows[k]
	if row.UpdatedAt != 0 {
		return nil // first winner already marked this row paid
	}
	row.UpdatedAt = at.Unix()
	if err := l.persist(k, row); err != nil {
		return err
	}
	l.appendLog(LogRecord{CircuitID: row.CircuitID, Round: row.Round, RelayFingerprint: row.RelayFingerprint, PaymentID: id.String(), SettlementID: settlementID, MarkPaidAt: row.UpdatedAt})
	return nil
}

// MarkPaidByHash correlates an invoice-based settlement's payment hash
// against the ledger by recomputing sha256(payment_id) per unpaid row,
// since the hash itself cannot be inverted back to an id. It reports
// whether a matching row was found.
func (l *Ledger) MarkPaidByHash(hashHex string, settlementID string, at time.Time) bool {
	l.mu.Lock()
	var match paymentid.ID
	found := false
	for _, row := range l.rows {
		if row.UpdatedAt != 0 {
			continue
		}
		sum := sha256.Sum256(row.PaymentID[:])
		if fmt.Sprintf("%x", sum) == hashHex {
			match = row.PaymentID
			found = true
			break
		}
	}
	l.mu.Unlock()

	if !found {
		return false
	}
	_ = l.MarkPaid(match, settlementID, at)
	return true
}

// FindOldestUnpaid returns the lowest round with at least one unpaid row
// for circuitID, or ok=false if every row is paid (or none exist).
func (l *Ledger) FindOldestUnpaid(circuitID string) (round int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := 0
	for _, row := range l.rows {
		if row.CircuitID != circuitID || row.UpdatedAt != 0 {
			continue
		}
		if best == 0 || row.Round < best {
			best = row.Round
		}
	}
	if best == 0 {
		return 0, false
	}
	return best, true
}

// RoundFullyPaid reports whether every row for circuitID at the given
// round is marked paid.
func (l *Ledger) RoundFullyPaid(circuitID string, round int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		if row.CircuitID == circuitID && row.Round == round && row.UpdatedAt == 0 {
			return false
		}
	}
	return true
}

// DropCircuit deletes every row for a circuit, on teardown or reaching K.
func (l *Ledger) DropCircuit(circuitID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, row := range l.rows {
		if row.CircuitID != circuitID {
			continue
		}
		delete(l.rows, k)
		delete(l.byID, row.PaymentID)
		if l.db != nil {
			if err := l.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(bucketLedger).Delete([]byte(k))
			}); err != nil {
				return fmt.Errorf("ledger: drop circuit %s: %w", circuitID, err)
			}
		}
	}
	return nil
}

// RowCount reports the total number of live rows across all circuits,
// exposed for the auditor-liveness metric.
func (l *Ledger) RowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// CircuitIDs returns the distinct circuit ids with at least one row.
func (l *Ledger) CircuitIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, row := range l.rows {
		if !seen[row.CircuitID] {
			seen[row.CircuitID] = true
			out = append(out, row.CircuitID)
		}
	}
	return out
}
