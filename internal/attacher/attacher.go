// Package attacher implements the client-side stream attacher (C6): once
// both circuits are built, it puts the router into manual attach mode,
// subscribes to STREAM events, and round-robins new streams across the
// primary and backup circuit.
package attacher

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/el-tor/eltord/internal/control"
	"go.uber.org/zap"
)

// Targets names the two circuits a stream may be routed to. Backup may be
// empty, in which case every stream goes to primary.
type Targets struct {
	Primary string
	Backup  string
}

// Attacher assigns each newly observed stream to one of two circuits in
// round-robin order.
type Attacher struct {
	ch      *control.Channel
	log     *zap.SugaredLogger
	counter uint64 // atomic; incremented once per stream seen

	primaryCount uint64
	backupCount  uint64
}

// New constructs an Attacher bound to an already-authenticated control
// channel. The caller must not subscribe to "STREAM" elsewhere.
func New(ch *control.Channel, log *zap.SugaredLogger) *Attacher {
	return &Attacher{ch: ch, log: log}
}

// Prepare issues the configuration commands that put the router into
// manual stream-attach mode and subscribes it to the events this package
// needs.
func (a *Attacher) Prepare() error {
	reply, err := a.ch.Do("SETCONF __LeaveStreamsUnattached=1")
	if err != nil {
		return fmt.Errorf("attacher: SETCONF: %w", err)
	}
	if !reply.OK() {
		return fmt.Errorf("attacher: SETCONF rejected: %d %v", reply.Code, reply.Lines)
	}
	reply, err = a.ch.Do("SETEVENTS STREAM CIRC EXTEND_PAID_CIRCUIT")
	if err != nil {
		return fmt.Errorf("attacher: SETEVENTS: %w", err)
	}
	if !reply.OK() {
		return fmt.Errorf("attacher: SETEVENTS rejected: %d %v", reply.Code, reply.Lines)
	}
	return nil
}

// Run consumes STREAM events until the channel closes or stop is
// signaled, assigning each NEW stream to primary or backup. It runs on a
// single goroutine so the atomic counter sequence is applied in arrival
// order
func (a *Attacher) Run(targets Targets, stop <-chan struct{}) {
	events := a.ch.Subscribe("STREAM")
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			streamID, state, ok := parseStreamEvent(ev.Raw)
			if !ok || state != "NEW" {
				continue
			}
			a.attach(streamID, targets)
		}
	}
}

// attach assigns one stream, retrying on the other circuit if the first
// attempt fails, and giving up to degraded mode (leave it for the router)
// if both fail.
func (a *Attacher) attach(streamID string, targets Targets) {
	if targets.Backup == "" {
		a.tryAttach(streamID, targets.Primary)
		return
	}

	n := atomic.AddUint64(&a.counter, 1)
	first, second := targets.Primary, targets.Backup
	if n%2 == 1 {
		atomic.AddUint64(&a.primaryCount, 1)
	} else {
		atomic.AddUint64(&a.backupCount, 1)
		first, second = targets.Backup, targets.Primary
	}

	if a.tryAttach(streamID, first) {
		return
	}
	if second != "" && a.tryAttach(streamID, second) {
		a.log.Warnw("attached stream to fallback circuit after primary target failed", "stream_id", streamID, "circuit_id", second)
		return
	}
	a.log.Warnw("leaving stream unattached for router degraded-mode handling", "stream_id", streamID)
}

func (a *Attacher) tryAttach(streamID, circuitID string) bool {
	if circuitID == "" {
		return false
	}
	reply, err := a.ch.Do(fmt.Sprintf("ATTACHSTREAM %s %s", streamID, circuitID))
	if err != nil {
		a.log.Warnw("attach-stream command failed", "stream_id", streamID, "circuit_id", circuitID, "error", err)
		return false
	}
	return reply.OK()
}

// Counts reports how many streams have been routed to each circuit so far.
func (a *Attacher) Counts() (primary, backup uint64) {
	return atomic.LoadUint64(&a.primaryCount), atomic.LoadUint64(&a.backupCount)
}

func parseStreamEvent(raw string) (id, state string, ok bool) {
	fields := strings.Fields(raw)
	if len(fields) < 3 || fields[0] != "STREAM" {
		return "", "", false
	}
	return fields[1], fields[2], true
}
