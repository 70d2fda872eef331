// Package paymentloop implements the client-side round-robin payment
// scheduler (C8): the component that actually spends money, alternating
// between the primary and backup circuit each round and paying every hop
// in order before sleeping to the round's absolute deadline.
package paymentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/paymentid"
	"go.uber.org/zap"
)

// ErrBothFailed is surfaced when both circuits are unhealthy past the
// grace window.
var ErrBothFailed = fmt.Errorf("paymentloop: both_failed")

// DefaultGraceWindow is how long the loop waits for either circuit to
// recover health before aborting the run.
const DefaultGraceWindow = 5 * time.Second

// Hop is one payable hop of a circuit: its Lightning offer, its
// configured rate, and its backend tag (empty = adapter default).
type Hop struct {
	Offer       string
	RateMsats   int64
	BackendTag  string
	Fingerprint string
}

// CircuitPlan is one circuit's payable hop list, in entry-to-exit order.
type CircuitPlan struct {
	CircuitID  string
	Hops       []Hop
	PaymentIDs [][]paymentid.ID // per hop, length K
}

// HealthChecker reports whether a named circuit ("primary"/"backup") is
// currently healthy. Implemented by internal/probe.Prober in production.
type HealthChecker interface {
	Healthy(name string) bool
}

// Outcome records one hop payment attempt for logging and the ledger.
type Outcome struct {
	Round       int
	CircuitName string
	CircuitID   string
	Fingerprint string
	PaymentID   paymentid.ID
	Settled     bool
	SettlementID string
	Err         error
}

// MarkPaidFunc records a successful payment in the caller's ledger.
type MarkPaidFunc func(id paymentid.ID, settlementID string, at time.Time)

// Loop runs the K-round payment scheduler.
type Loop struct {
	backends map[string]lightning.Backend // tag -> adapter; "" is the default
	health   HealthChecker
	log      *zap.SugaredLogger
	grace    time.Duration

	onOutcome MarkPaidFunc
}

// New constructs a Loop. backends must contain at least the "" default
// entry; health reports per-circuit reachability from C7.
func New(backends map[string]lightning.Backend, health HealthChecker, log *zap.SugaredLogger) *Loop {
	return &Loop{backends: backends, health: health, log: log, grace: DefaultGraceWindow}
}

// WithGraceWindow overrides the both-unhealthy grace window, mainly for
// tests.
func (l *Loop) WithGraceWindow(d time.Duration) *Loop {
	l.grace = d
	return l
}

// OnOutcome registers a callback invoked after every successful payment,
// used to drive the ledger's mark_paid without this package depending on
// the ledger package directly.
func (l *Loop) OnOutcome(f MarkPaidFunc) {
	l.onOutcome = f
}

func (l *Loop) backendFor(tag string) (lightning.Backend, error) {
	if b, ok := l.backends[tag]; ok {
		return b, nil
	}
	if b, ok := l.backends[""]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("paymentloop: no backend configured for tag %q and no default", tag)
}

// Run executes K rounds at interval T, alternating primary/backup,
// returning the recorded outcomes. primary is required; backup may be
// the zero CircuitPlan (CircuitID == "") to run primary-only.
func (l *Loop) Run(ctx context.Context, primary, backup CircuitPlan, k int, interval time.Duration) ([]Outcome, error) {
	var outcomes []Outcome
	start := time.Now()

	for r := 1; r <= k; r++ {
		active, name, err := l.selectActive(r, primary, backup)
		if err != nil {
			return outcomes, err
		}

		roundOutcomes, err := l.payRound(ctx, active, name, r)
		outcomes = append(outcomes, roundOutcomes...)
		if err != nil {
			if errors.Is(err, lightning.ErrInsufficientFunds) {
				return outcomes, fmt.Errorf("paymentloop: aborting run: %w", err)
			}
			return outcomes, err
		}

		if r == k {
			break
		}
		deadline := start.Add(time.Duration(r) * interval)
		sleepUntil(ctx, deadline)
	}
	return outcomes, nil
}

// selectActive picks the round's circuit: odd rounds
// prefer primary, even rounds prefer backup (if present); on an unhealthy
// pick it fails over to the other circuit, and if both are unhealthy
// within the grace window the run aborts with ErrBothFailed.
func (l *Loop) selectActive(round int, primary, backup CircuitPlan) (CircuitPlan, string, error) {
	hasBackup := backup.CircuitID != ""

	preferred, preferredName := primary, "primary"
	alternate, alternateName := backup, "backup"
	if hasBackup && round%2 == 0 {
		preferred, preferredName = backup, "backup"
		alternate, alternateName = primary, "primary"
	}

	if l.health == nil || l.health.Healthy(preferredName) {
		return preferred, preferredName, nil
	}
	if hasBackup && l.health.Healthy(alternateName) {
		l.log.Warnw("failing over to alternate circuit", "round", round, "from", preferredName, "to", alternateName)
		return alternate, alternateName, nil
	}

	deadline := time.After(l.grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return CircuitPlan{}, "", ErrBothFailed
		case <-ticker.C:
			if l.health.Healthy(preferredName) {
				return preferred, preferredName, nil
			}
			if hasBackup && l.health.Healthy(alternateName) {
				return alternate, alternateName, nil
			}
		}
	}
}

// payRound pays every hop of the active circuit in entry-to-exit order
// for round r, with at most one retry per hop on a retryable error. It
// checks ctx between hops (not just between rounds) so a shutdown signal
// only grants a one-hop grace period, and it stops paying further hops
// and returns immediately on a fatal error class such as
// ErrInsufficientFunds.
func (l *Loop) payRound(ctx context.Context, plan CircuitPlan, name string, round int) ([]Outcome, error) {
	out := make([]Outcome, 0, len(plan.Hops))
	for h, hop := range plan.Hops {
		id := plan.PaymentIDs[h][round-1]
		outcome := l.payHop(ctx, plan.CircuitID, name, hop, id, round)
		out = append(out, outcome)
		l.log.Infow("hop payment outcome", "round", round, "circuit", name, "hop", h, "fingerprint", hop.Fingerprint, "settled", outcome.Settled)

		if outcome.Err != nil && errors.Is(outcome.Err, lightning.ErrInsufficientFunds) {
			return out, outcome.Err
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
	}
	return out, nil
}

func (l *Loop) payHop(ctx context.Context, circuitID, circuitName string, hop Hop, id paymentid.ID, round int) Outcome {
	backend, err := l.backendFor(hop.BackendTag)
	if err != nil {
		return Outcome{Round: round, CircuitName: circuitName, CircuitID: circuitID, Fingerprint: hop.Fingerprint, PaymentID: id, Err: err}
	}

	settlementID, err := backend.Pay(ctx, hop.Offer, hop.RateMsats, id)
	if err != nil && isRetryable(err) {
		l.log.Debugw("retrying hop payment once after retryable error", "round", round, "fingerprint", hop.Fingerprint, "error", err)
		settlementID, err = backend.Pay(ctx, hop.Offer, hop.RateMsats, id)
	}
	if err != nil {
		return Outcome{Round: round, CircuitName: circuitName, CircuitID: circuitID, Fingerprint: hop.Fingerprint, PaymentID: id, Err: err}
	}

	if l.onOutcome != nil {
		l.onOutcome(id, settlementID, time.Now())
	}
	return Outcome{Round: round, CircuitName: circuitName, CircuitID: circuitID, Fingerprint: hop.Fingerprint, PaymentID: id, Settled: true, SettlementID: settlementID}
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, lightning.ErrRouteNotFound), errors.Is(err, lightning.ErrPayTimeout), errors.Is(err, lightning.ErrBackendUnavailable):
		return true
	default:
		return false
	}
}

// sleepUntil blocks until deadline or ctx cancellation, whichever comes
// first, implementing the round scheduler's absolute-deadline scheduling.
func sleepUntil(ctx context.Context, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
