// Package config parses the torrc-style directive file and exposes
// a hot-reloadable view of the directives that are safe to change on a
// running daemon without disturbing in-flight circuits.
//
// The line-oriented scan mirrors a descriptor parser: split into fields,
// accumulate into a struct, validate once at the end. No off-the-shelf
// library targets this directive-per-line grammar, so the parser is
// hand-written rather than borrowed (see DESIGN.md).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Mode is the daemon's CLI-selected operating mode.
type Mode string

const (
	ModeRelay  Mode = "relay"
	ModeClient Mode = "client"
	ModeBoth   Mode = "both"
)

// LightningBackendConfig is one parsed "PaymentLightningNodeConfig" line.
type LightningBackendConfig struct {
	Type        string // offerbolt12 | offerbolt12alt | invoicebased
	URL         string
	Credentials string
	Default     bool
}

// Config is the full set of directives loaded from a torrc file.
type Config struct {
	ControlAddr     string // control channel dial address
	ControlPassword string
	SocksAddr       string // local socks endpoint used by the bandwidth probe
	DataDir         string // router's data directory, for the ledger and payment logs

	PaymentBolt12Offer  string
	PaymentBolt12Bip353 string
	HandshakeFee        int64

	PaymentRateMsats      int64
	PaymentIntervalSecs   int64
	PaymentIntervalRounds int
	PaymentCircuitMaxFee  int64

	LightningBackends []LightningBackendConfig
}

// defaults mirror documented defaults.
func defaults() Config {
	return Config{
		ControlAddr:           "127.0.0.1:9051",
		SocksAddr:             "127.0.0.1:9050",
		DataDir:               ".",
		PaymentIntervalSecs:   60,
		PaymentIntervalRounds: 10,
	}
}

// Parse reads and validates a torrc file.
func Parse(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := applyDirective(&cfg, line); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDirective(cfg *Config, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	key := fields[0]
	rest := strings.TrimSpace(strings.TrimPrefix(line, key))

	switch key {
	case "ControlAddr":
		cfg.ControlAddr = trimQuotes(rest)
	case "ControlPassword":
		cfg.ControlPassword = trimQuotes(rest)
	case "SocksAddr":
		cfg.SocksAddr = trimQuotes(rest)
	case "DataDirectory":
		cfg.DataDir = trimQuotes(rest)
	case "PaymentBolt12Offer":
		cfg.PaymentBolt12Offer = trimQuotes(rest)
	case "PaymentBolt12Bip353":
		cfg.PaymentBolt12Bip353 = trimQuotes(rest)
	case "PaymentRateMsats":
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("PaymentRateMsats: %w", err)
		}
		cfg.PaymentRateMsats = v
	case "PaymentInterval":
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("PaymentInterval: %w", err)
		}
		cfg.PaymentIntervalSecs = v
	case "PaymentInvervalRounds": // note: spelling matches the directive name verbatim
		v, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("PaymentInvervalRounds: %w", err)
		}
		cfg.PaymentIntervalRounds = v
	case "PaymentCircuitMaxFee":
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("PaymentCircuitMaxFee: %w", err)
		}
		cfg.PaymentCircuitMaxFee = v
	case "HandshakeFee":
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("HandshakeFee: %w", err)
		}
		cfg.HandshakeFee = v
	case "PaymentLightningNodeConfig":
		backend, err := parseBackendLine(rest)
		if err != nil {
			return fmt.Errorf("PaymentLightningNodeConfig: %w", err)
		}
		cfg.LightningBackends = append(cfg.LightningBackends, backend)
	default:
		// Unrecognized directives are left to the external config-parsing
		// collaborator — e.g. router-wide directives this system
		// does not interpret. Ignored silently, not fatal.
	}
	return nil
}

func parseBackendLine(rest string) (LightningBackendConfig, error) {
	var b LightningBackendConfig
	for _, tok := range strings.Fields(rest) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return b, fmt.Errorf("malformed token %q", tok)
		}
		switch kv[0] {
		case "type":
			b.Type = kv[1]
		case "url":
			b.URL = kv[1]
		case "credentials":
			b.Credentials = kv[1]
		case "default":
			b.Default = kv[1] == "true"
		}
	}
	if b.Type == "" {
		return b, fmt.Errorf("missing type=")
	}
	return b, nil
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, `"`)
}

// Validate enforces the protocol-wide ceiling on K and the handshake
// fee / offer coupling (mirrored from descriptor.RelayDescriptor.Validate).
func (c Config) Validate() error {
	if c.PaymentIntervalRounds < 0 || c.PaymentIntervalRounds > 10 {
		return fmt.Errorf("config: PaymentInvervalRounds %d exceeds protocol limit 10", c.PaymentIntervalRounds)
	}
	if c.PaymentIntervalSecs <= 0 {
		return fmt.Errorf("config: PaymentInterval must be positive")
	}
	if c.HandshakeFee > 0 && c.PaymentBolt12Offer == "" && c.PaymentBolt12Bip353 == "" {
		return fmt.Errorf("config: HandshakeFee set without a payment offer")
	}
	seenDefault := false
	for _, b := range c.LightningBackends {
		if b.Default {
			if seenDefault {
				return fmt.Errorf("config: more than one PaymentLightningNodeConfig marked default=true")
			}
			seenDefault = true
		}
	}
	return nil
}

// Interval returns PaymentIntervalSecs as a time.Duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.PaymentIntervalSecs) * time.Second
}

// Live holds the directives that are safe to hot-reload without
// disturbing an in-flight circuit: the payment-ids and K already agreed
// for a built circuit are immutable for that circuit's lifetime.
type Live struct {
	rateMsats   atomic.Int64
	maxFee      atomic.Int64
	intervalSec atomic.Int64
}

// NewLive snapshots the hot-reloadable fields of a Config.
func NewLive(c *Config) *Live {
	l := &Live{}
	l.Store(c)
	return l
}

// Store atomically replaces the hot-reloadable fields.
func (l *Live) Store(c *Config) {
	l.rateMsats.Store(c.PaymentRateMsats)
	l.maxFee.Store(c.PaymentCircuitMaxFee)
	l.intervalSec.Store(c.PaymentIntervalSecs)
}

func (l *Live) RateMsats() int64       { return l.rateMsats.Load() }
func (l *Live) CircuitMaxFee() int64   { return l.maxFee.Load() }
func (l *Live) IntervalSeconds() int64 { return l.intervalSec.Load() }
