// Package probe implements the client-side bandwidth probe (C7): a
// periodic reachability check performed through the local socks proxy,
// producing a boolean health signal per circuit.
//
// The router exposes the SOCKS5 server side of this proxy; here the
// role is inverted to a SOCKS5 client dialing through it, via
// golang.org/x/net/proxy for outbound SOCKS dialing.
package probe

import (
	"fmt"
	"sync"
	"time"

	"github.com/el-tor/eltord/internal/control"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// DefaultInterval is the default probe period.
const DefaultInterval = 2 * time.Second

// MaxHealthyStreams is the open-stream count past which a circuit is
// still considered reachable but is flagged for a capacity warning.
const MaxHealthyStreams = 256

// Target is a circuit's socks target and its control-channel identity,
// used to query the stream count via GETINFO stream-status.
type Target struct {
	Name      string // "primary" or "backup", for logging
	CircuitID string
	ProxyAddr string // local socks endpoint, e.g. "127.0.0.1:9050"
	TestAddr  string // well-known target:port to dial through the proxy
}

// Prober periodically checks reachability for a set of named targets and
// exposes the last observed health bit for each.
type Prober struct {
	ch       *control.Channel
	interval time.Duration
	log      *zap.SugaredLogger
	dialer   func(proxyAddr string) (proxy.Dialer, error)

	mu     sync.RWMutex
	health map[string]bool
}

// New constructs a Prober. ch is used for GETINFO stream-status liveness
// checks; it may be nil in tests that only exercise reachability.
func New(ch *control.Channel, log *zap.SugaredLogger) *Prober {
	return &Prober{
		ch:       ch,
		interval: DefaultInterval,
		log:      log,
		dialer:   defaultDialer,
		health:   make(map[string]bool),
	}
}

// WithInterval overrides the probe period, mainly for tests.
func (p *Prober) WithInterval(d time.Duration) *Prober {
	p.interval = d
	return p
}

func defaultDialer(proxyAddr string) (proxy.Dialer, error) {
	return proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
}

// Run probes every target on interval until stop closes.
func (p *Prober) Run(targets []Target, stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, t := range targets {
				p.probeOne(t)
			}
		}
	}
}

func (p *Prober) probeOne(t Target) {
	reachable := p.checkReachable(t)
	live := p.checkLiveness(t)
	healthy := reachable && live

	p.mu.Lock()
	p.health[t.Name] = healthy
	p.mu.Unlock()

	if !healthy {
		p.log.Debugw("circuit probe unhealthy", "circuit", t.Name, "reachable", reachable, "live", live)
	}
}

func (p *Prober) checkReachable(t Target) bool {
	dialer, err := p.dialer(t.ProxyAddr)
	if err != nil {
		p.log.Warnw("failed to construct socks dialer", "circuit", t.Name, "error", err)
		return false
	}
	conn, err := dialer.Dial("tcp", t.TestAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// checkLiveness asks the router how many streams are open on the
// circuit; more than MaxHealthyStreams logs a capacity warning but does
// not by itself mark the circuit unhealthy. A failed or rejected GETINFO
// reports the circuit not live, which probeOne ANDs with reachability,
// so it does mark the circuit unhealthy.
func (p *Prober) checkLiveness(t Target) bool {
	if p.ch == nil || t.CircuitID == "" {
		return true
	}
	reply, err := p.ch.Do(fmt.Sprintf("GETINFO stream-status/%s", t.CircuitID))
	if err != nil || !reply.OK() {
		return false
	}
	count := len(reply.Lines)
	if count > MaxHealthyStreams {
		p.log.Warnw("circuit stream count exceeds capacity warning threshold", "circuit", t.Name, "streams", count)
	}
	return true
}

// Healthy reports the last observed health bit for a named target.
// Unknown targets report unhealthy, since they have not yet been probed.
func (p *Prober) Healthy(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health[name]
}
