package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/el-tor/eltord/internal/attacher"
	"github.com/el-tor/eltord/internal/auditor"
	"github.com/el-tor/eltord/internal/circuitbuilder"
	"github.com/el-tor/eltord/internal/config"
	"github.com/el-tor/eltord/internal/control"
	"github.com/el-tor/eltord/internal/descriptor"
	"github.com/el-tor/eltord/internal/directory"
	"github.com/el-tor/eltord/internal/ledger"
	"github.com/el-tor/eltord/internal/lightning"
	"github.com/el-tor/eltord/internal/lnwatcher"
	"github.com/el-tor/eltord/internal/logging"
	"github.com/el-tor/eltord/internal/metrics"
	"github.com/el-tor/eltord/internal/paymentid"
	"github.com/el-tor/eltord/internal/paymentloop"
	"github.com/el-tor/eltord/internal/probe"
	"github.com/el-tor/eltord/internal/relayselect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// defaultProbeTarget is the well-known target:port the bandwidth probe
// dials through each circuit. A fixed IP literal avoids pulling in
// a DNS-resolution dependency this daemon otherwise has no need for.
const defaultProbeTarget = "1.1.1.1:443"

// maxDialBackoff bounds the reconnect-with-backoff supplemented feature's
// growth; the control channel retries are otherwise unbounded in count.
const maxDialBackoff = 30 * time.Second

func newRootCmd() *cobra.Command {
	var torrcPath string
	var controlPassword string

	cmd := &cobra.Command{
		Use:   "eltord relay|client|both",
		Short: "Paid-circuit orchestration daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := config.Mode(args[0])
			switch mode {
			case config.ModeRelay, config.ModeClient, config.ModeBoth:
			default:
				return fmt.Errorf("unknown mode %q, want relay|client|both", args[0])
			}
			return run(mode, torrcPath, controlPassword)
		},
	}

	cmd.Flags().StringVarP(&torrcPath, "torrc", "f", "./torrc", "path to the router's directive file")
	// pflag shorthands are a single character, so the "-pw" surface is
	// exposed as the long flag --pw (with -p as its one-char shorthand).
	cmd.Flags().StringVarP(&controlPassword, "pw", "p", "", "control-channel shared secret")
	return cmd
}

func run(mode config.Mode, torrcPath, controlPasswordFlag string) error {
	cfg, err := config.Parse(torrcPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	controlPassword := cfg.ControlPassword
	if controlPasswordFlag != "" {
		controlPassword = controlPasswordFlag
	}

	log, cleanupLog, err := logging.New(filepath.Join(cfg.DataDir, "eltord.log"), string(mode))
	if err != nil {
		return fmt.Errorf("logging error: %w", err)
	}
	defer cleanupLog()

	live := config.NewLive(cfg)
	watcher, err := config.NewWatcher(torrcPath, live, log)
	if err != nil {
		log.Warnw("config hot-reload watcher unavailable, continuing with static config", "error", err)
	} else {
		defer watcher.Close()
	}

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, draining in-flight work")
		close(stop)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	metricsSrv := startMetricsServer(reg, log)
	defer func() {
		_ = metricsSrv.Close()
	}()

	ch, err := dialWithBackoff(cfg.ControlAddr, controlPassword, log, stop)
	if err != nil {
		return fmt.Errorf("control error: %w", err)
	}
	defer ch.Close()

	var wg sync.WaitGroup
	var runErr error
	var errMu sync.Mutex
	setErr := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		if runErr == nil {
			runErr = err
		}
		errMu.Unlock()
	}

	if mode == config.ModeClient || mode == config.ModeBoth {
		wg.Add(1)
		go func() {
			defer wg.Done()
			setErr(runClient(ctx, cfg, live, ch, log, metricsReg, stop))
		}()
	}
	if mode == config.ModeRelay || mode == config.ModeBoth {
		wg.Add(1)
		go func() {
			defer wg.Done()
			setErr(runRelay(ctx, cfg, ch, log, metricsReg, stop))
		}()
	}

	wg.Wait()
	return runErr
}

// dialWithBackoff retries control.Dial with exponential backoff (capped
// at maxDialBackoff) until it succeeds or stop is closed — the persisted
// reconnect-with-backoff behavior this daemon adds on top of the
// teacher's single-shot dial.
func dialWithBackoff(addr, password string, log *zap.SugaredLogger, stop <-chan struct{}) (*control.Channel, error) {
	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		ch, err := control.Dial(addr, password, log)
		if err == nil {
			return ch, nil
		}
		log.Warnw("control channel dial failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-stop:
			return nil, fmt.Errorf("control: dial aborted by shutdown: %w", err)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}
	}
}

func startMetricsServer(reg *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: "127.0.0.1:9092", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()
	return srv
}

// runClient drives the paid-circuit client lifecycle: select relays,
// generate payment ids, build the primary (and best-effort backup)
// circuit, then run the attacher, probe, and payment loop in parallel
// until shutdown.
func runClient(ctx context.Context, cfg *config.Config, live *config.Live, ch *control.Channel, log *zap.SugaredLogger, m *metrics.Registry, stop <-chan struct{}) error {
	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	pool, ok := cache.Load()
	if !ok || len(pool) == 0 {
		return fmt.Errorf("selector error: no cached relay descriptors available")
	}

	k := cfg.PaymentIntervalRounds
	params := relayselect.Params{Rounds: k, FeeCeiling: live.CircuitMaxFee()}

	primaryHops, err := relayselect.Select(pool, params)
	if err != nil {
		return fmt.Errorf("selector error: %w", err)
	}
	backupHops, err := relayselect.SelectBackup(pool, params, primaryHops)
	if err != nil {
		log.Warnw("backup circuit selection failed, running primary-only", "error", err)
		backupHops = nil
	}

	builder := circuitbuilder.New(ch, log)

	primaryID, primaryPayIDs, err := buildOne(builder, primaryHops, k, log)
	if err != nil {
		return fmt.Errorf("build error: %w", err)
	}
	var backupID string
	var backupPayIDs [][]paymentid.ID
	if backupHops != nil {
		backupID, backupPayIDs, err = buildOne(builder, backupHops, k, log)
		if err != nil {
			log.Warnw("backup circuit build failed, proceeding primary-only", "error", err)
			backupID = ""
		}
	}

	att := attacher.New(ch, log)
	if err := att.Prepare(); err != nil {
		return fmt.Errorf("control error: %w", err)
	}
	var attWG sync.WaitGroup
	attWG.Add(1)
	go func() {
		defer attWG.Done()
		att.Run(attacher.Targets{Primary: primaryID, Backup: backupID}, stop)
	}()

	prober := probe.New(ch, log)
	targets := []probe.Target{{Name: "primary", CircuitID: primaryID, ProxyAddr: cfg.SocksAddr, TestAddr: defaultProbeTarget}}
	if backupID != "" {
		targets = append(targets, probe.Target{Name: "backup", CircuitID: backupID, ProxyAddr: cfg.SocksAddr, TestAddr: defaultProbeTarget})
	}
	var probeWG sync.WaitGroup
	probeWG.Add(1)
	go func() {
		defer probeWG.Done()
		prober.Run(targets, stop)
	}()
	go mirrorHealthToMetrics(prober, targets, m, stop)

	backends, defaultTag, err := lightning.BuildSet(cfg.LightningBackends)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	for tag, b := range backends {
		backends[tag] = lightning.NewRateLimited(b, 5, 5)
	}
	if defaultTag != "" {
		backends[""] = backends[defaultTag]
	}

	loop := paymentloop.New(backends, prober, log)
	primaryPlan := planFor(primaryID, primaryHops, primaryPayIDs)
	backupPlan := paymentloop.CircuitPlan{}
	if backupID != "" {
		backupPlan = planFor(backupID, backupHops, backupPayIDs)
	}

	outcomes, err := loop.Run(ctx, primaryPlan, backupPlan, k, time.Duration(live.IntervalSeconds())*time.Second)
	for _, o := range outcomes {
		if o.Settled {
			m.RoundsPaid.Inc()
		} else {
			m.RoundsFailed.Inc()
		}
	}
	attWG.Wait()
	probeWG.Wait()
	if err != nil {
		return fmt.Errorf("payment loop error: %w", err)
	}
	return nil
}

func buildOne(builder *circuitbuilder.Builder, hops []descriptor.RelayDescriptor, k int, log *zap.SugaredLogger) (string, [][]paymentid.ID, error) {
	payIDs, err := paymentid.GenerateHops(len(hops), k)
	if err != nil {
		return "", nil, err
	}
	selected := make([]circuitbuilder.SelectedHop, len(hops))
	for i, d := range hops {
		hash, preimage, err := circuitbuilder.NewHandshakeProof()
		if err != nil {
			return "", nil, err
		}
		selected[i] = circuitbuilder.SelectedHop{
			Descriptor:        d,
			PaymentIDs:        payIDs[i],
			HandshakeHash:     hash,
			HandshakePreimage: preimage,
		}
	}
	id, err := builder.Build(selected)
	if err != nil {
		return "", nil, err
	}
	return id, payIDs, nil
}

func planFor(circuitID string, hops []descriptor.RelayDescriptor, payIDs [][]paymentid.ID) paymentloop.CircuitPlan {
	plan := paymentloop.CircuitPlan{CircuitID: circuitID, PaymentIDs: payIDs}
	for _, d := range hops {
		plan.Hops = append(plan.Hops, paymentloop.Hop{
			Offer:       d.PaymentOffer,
			RateMsats:   d.RateMsats,
			BackendTag:  d.LightningTag,
			Fingerprint: d.Fingerprint,
		})
	}
	return plan
}

func mirrorHealthToMetrics(prober *probe.Prober, targets []probe.Target, m *metrics.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, t := range targets {
				m.ObserveHealth(t.Name, prober.Healthy(t.Name))
			}
		}
	}
}

// runRelay drives the relay-side payment ledger and auditor loop: it
// opens the durable ledger, initializes a ledger row set on every
// extend_received event, watches Lightning settlements, and audits
// circuits on a fixed tick.
func runRelay(ctx context.Context, cfg *config.Config, ch *control.Channel, log *zap.SugaredLogger, m *metrics.Registry, stop <-chan struct{}) error {
	l, err := ledger.OpenDurable(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("ledger error: %w", err)
	}
	defer l.Close()

	built, err := queryBuiltCircuits(ch)
	if err != nil {
		log.Warnw("failed to query circuit status, skipping orphaned-ledger prune", "error", err)
	} else if err := l.PruneOrphaned(built); err != nil {
		log.Warnw("failed to prune orphaned ledger rows", "error", err)
	}

	reply, err := ch.Do("SETEVENTS STREAM CIRC EXTEND_PAID_CIRCUIT")
	if err != nil || !reply.OK() {
		return fmt.Errorf("control error: subscribing to events: %w", err)
	}

	backends, _, err := lightning.BuildSet(cfg.LightningBackends)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	var watchWG sync.WaitGroup
	for _, backend := range backends {
		watchWG.Add(1)
		go func(b lightning.Backend) {
			defer watchWG.Done()
			w := lnwatcher.New(b, l, log)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warnw("lightning watcher exited", "error", err)
			}
		}(backend)
	}

	aud := auditor.New(ch, l, m, log)
	var audWG sync.WaitGroup
	audWG.Add(1)
	go func() {
		defer audWG.Done()
		aud.Run(stop)
	}()

	events := ch.Subscribe("EXTEND_PAID_CIRCUIT")
	for {
		select {
		case <-stop:
			watchWG.Wait()
			audWG.Wait()
			return nil
		case ev, ok := <-events:
			if !ok {
				watchWG.Wait()
				audWG.Wait()
				return nil
			}
			handleExtend(ev.Raw, l, aud, cfg, m, log)
		}
	}
}

// queryBuiltCircuits asks the router which circuit ids it currently
// reports as built, via "GETINFO circuit-status". Each reply line has
// the form "<circuit_id> BUILT <path> ..." (or a non-BUILT status for a
// circuit still extending or failed); only BUILT ids are reported, so a
// ledger row set for anything else is dropped as orphaned on startup.
func queryBuiltCircuits(ch *control.Channel) (map[string]bool, error) {
	reply, err := ch.Do("GETINFO circuit-status")
	if err != nil {
		return nil, fmt.Errorf("control error: querying circuit status: %w", err)
	}
	if !reply.OK() {
		return nil, fmt.Errorf("control error: circuit-status rejected: %d", reply.Code)
	}
	built := make(map[string]bool)
	for _, line := range reply.Lines {
		fields := splitFields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "BUILT" {
			built[fields[0]] = true
		}
	}
	return built, nil
}

// handleExtend parses "EXTEND_PAID_CIRCUIT <circuit_id> <hop_fp> <ids_hex> ..."
// and initializes the ledger rows and auditor tracking for the new circuit.
func handleExtend(raw string, l *ledger.Ledger, aud *auditor.Auditor, cfg *config.Config, m *metrics.Registry, log *zap.SugaredLogger) {
	fields := splitFields(raw)
	if len(fields) < 2 {
		log.Warnw("malformed extend event, dropping", "raw", raw)
		return
	}
	circuitID := fields[1]

	var fingerprints []string
	var idsByHop [][]paymentid.ID
	for i := 2; i+1 < len(fields); i += 2 {
		fp := fields[i]
		ids, err := decodeConcatIDs(fields[i+1])
		if err != nil {
			log.Warnw("malformed payment-id blob in extend event, dropping hop", "circuit_id", circuitID, "fingerprint", fp, "error", err)
			continue
		}
		fingerprints = append(fingerprints, fp)
		idsByHop = append(idsByHop, ids)
	}
	if len(fingerprints) == 0 {
		return
	}

	if err := l.InsertExtend(circuitID, fingerprints, idsByHop); err != nil {
		log.Warnw("failed to initialize ledger for extended circuit", "circuit_id", circuitID, "error", err)
		return
	}
	k := cfg.PaymentIntervalRounds
	aud.TrackCircuit(circuitID, k)
	m.LedgerRows.Set(float64(l.RowCount()))
}

func splitFields(s string) []string {
	var out []string
	field := make([]byte, 0, len(s))
	flush := func() {
		if len(field) > 0 {
			out = append(out, string(field))
			field = field[:0]
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			flush()
			continue
		}
		field = append(field, s[i])
	}
	flush()
	return out
}

func decodeConcatIDs(hexBlob string) ([]paymentid.ID, error) {
	raw, err := hex.DecodeString(hexBlob)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw)%paymentid.Size != 0 {
		return nil, fmt.Errorf("payment-id blob length %d not a multiple of %d", len(raw), paymentid.Size)
	}
	n := len(raw) / paymentid.Size
	out := make([]paymentid.ID, n)
	for i := range out {
		copy(out[i][:], raw[i*paymentid.Size:(i+1)*paymentid.Size])
	}
	return out, nil
}
