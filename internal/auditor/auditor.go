// Package auditor implements the relay-side auditor loop (C11): once per
// interval it sweeps the ledger for each active circuit, enforces the
// per-round payment deadline, and issues a teardown when a window is
// missed or the circuit has reached its final round.
package auditor

import (
	"fmt"
	"sync"
	"time"

	"github.com/el-tor/eltord/internal/control"
	"github.com/el-tor/eltord/internal/descriptor"
	"github.com/el-tor/eltord/internal/ledger"
	"github.com/el-tor/eltord/internal/metrics"
	"go.uber.org/zap"
)

// DefaultTick is the default audit interval T.
const DefaultTick = 60 * time.Second

// Auditor sweeps a ledger on a fixed tick and tears down circuits whose
// oldest unpaid round has missed its grace window.
type Auditor struct {
	ch      *control.Channel
	ledger  *ledger.Ledger
	log     *zap.SugaredLogger
	tick    time.Duration
	metrics *metrics.Registry

	mu        sync.Mutex
	tracking  map[string]roundWatch // circuit_id -> the oldest-unpaid round currently being timed
	maxRounds map[string]int        // circuit_id -> K, supplied via TrackCircuit
}

// roundWatch records when a circuit's currently-oldest-unpaid round was
// first observed, so the deadline is measured from first observation
// rather than from each tick.
type roundWatch struct {
	round   int
	started time.Time
}

// New constructs an Auditor bound to a control channel (for teardown), a
// ledger (for the sweep), and a metrics registry (for the teardown
// counter). m may be nil in tests that don't assert on metrics.
func New(ch *control.Channel, l *ledger.Ledger, m *metrics.Registry, log *zap.SugaredLogger) *Auditor {
	return &Auditor{
		ch:        ch,
		ledger:    l,
		log:       log,
		tick:      DefaultTick,
		metrics:   m,
		tracking:  make(map[string]roundWatch),
		maxRounds: make(map[string]int),
	}
}

// WithTick overrides the audit interval, mainly for tests.
func (a *Auditor) WithTick(d time.Duration) *Auditor {
	a.tick = d
	return a
}

// TrackCircuit registers a circuit's K so the auditor knows when it has
// reached its final round. Call this once the ledger rows for the
// circuit have been inserted.
func (a *Auditor) TrackCircuit(circuitID string, k int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxRounds[circuitID] = k
}

// Run sweeps on every tick until stop closes.
func (a *Auditor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Auditor) sweep() {
	for _, circuitID := range a.ledger.CircuitIDs() {
		a.auditOne(circuitID)
	}
}

func (a *Auditor) auditOne(circuitID string) {
	round, unpaid := a.ledger.FindOldestUnpaid(circuitID)
	if !unpaid {
		a.log.Infow("circuit fully paid, tearing down", "circuit_id", circuitID)
		a.teardown(circuitID)
		return
	}

	a.mu.Lock()
	w, seen := a.tracking[circuitID]
	if !seen || w.round != round {
		w = roundWatch{round: round, started: time.Now()}
		a.tracking[circuitID] = w
	}
	k := a.maxRounds[circuitID]
	a.mu.Unlock()

	if k > 0 && round == k && a.ledger.RoundFullyPaid(circuitID, round) {
		a.log.Infow("circuit reached final round fully paid, tearing down", "circuit_id", circuitID, "round", round)
		a.teardown(circuitID)
		return
	}

	if time.Since(w.started) > a.tick {
		a.log.Warnw("round deadline missed, tearing down circuit", "circuit_id", circuitID, "round", round)
		a.teardown(circuitID)
	}
}

// teardown issues CLOSECIRCUIT and drops the ledger rows. It is
// fire-and-forget from the caller's perspective.
func (a *Auditor) teardown(circuitID string) {
	if a.ch != nil {
		if _, err := a.ch.Do(fmt.Sprintf("CLOSECIRCUIT %s", circuitID)); err != nil {
			a.log.Warnw("teardown command failed", "circuit_id", circuitID, "error", err)
		}
	}
	if err := a.ledger.DropCircuit(circuitID); err != nil {
		a.log.Warnw("failed to drop ledger rows after teardown", "circuit_id", circuitID, "error", err)
	}
	if a.metrics != nil {
		a.metrics.Teardowns.Inc()
		a.metrics.LedgerRows.Set(float64(a.ledger.RowCount()))
	}

	a.mu.Lock()
	delete(a.tracking, circuitID)
	delete(a.maxRounds, circuitID)
	a.mu.Unlock()
}

// MaxRoundsFor is a small helper callers use when wiring TrackCircuit
// from a descriptor's configured PaymentInvervalRounds.
func MaxRoundsFor(d descriptor.RelayDescriptor) int {
	if d.MaxRounds <= 0 {
		return descriptor.MaxRounds
	}
	return d.MaxRounds
}
