package bms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kmacleod/litime-ble/internal/ble"
)

const (
	// DefaultUpdateInterval is the default polling period.
	DefaultUpdateInterval = 30 * time.Second
	// DefaultResponseTimeout bounds the wait for a status response.
	DefaultResponseTimeout = 10 * time.Second
	// DefaultLinkTimeout bounds resolve+connect+negotiate per cycle, so an
	// out-of-range device costs a bounded slice of the polling interval
	// instead of stalling the cycle.
	DefaultLinkTimeout = 15 * time.Second
	// MaxMissedUpdates is the diagnostic threshold for consecutive missed
	// cycles. Informational only; the connection is never disabled
	// automatically.
	MaxMissedUpdates = 3
)

// Relay identifies one of the two switchable MOSFET relays.
type Relay int

const (
	RelayCharge Relay = iota
	RelayDischarge
)

func (r Relay) String() string {
	if r == RelayCharge {
		return "charge"
	}
	return "discharge"
}

// relayOpcode maps a relay and target state to its command opcode.
func relayOpcode(r Relay, enabled bool) byte {
	switch {
	case r == RelayCharge && enabled:
		return CmdChargeOn
	case r == RelayCharge:
		return CmdChargeOff
	case enabled:
		return CmdDischargeOn
	default:
		return CmdDischargeOff
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	ResponseTimeout time.Duration // wait for a status response (default 10s)
	LinkTimeout     time.Duration // bound on link establishment per cycle (default 15s)
	ConnectAttempts int           // connect retries per cycle (default 3)

	// OnUpdate is invoked for every published reading, live or offline.
	// It runs with the session lock held and must not call back into the
	// Session.
	OnUpdate func(Reading)
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ResponseTimeout: DefaultResponseTimeout,
		LinkTimeout:     DefaultLinkTimeout,
		ConnectAttempts: 3,
	}
}

// Session drives one polling/command session against a single BMS. All
// operations are serialized on an internal mutex, so relay commands and
// connection toggles may be invoked concurrently with a polling cycle;
// they will reuse or re-establish the single link, never open a second
// one. Exactly one query/response transaction is in flight at a time.
type Session struct {
	endpoint    Endpoint
	reassembler *Reassembler
	link        *LinkManager
	timeout     time.Duration
	linkTimeout time.Duration
	onUpdate    func(Reading)

	mu                sync.Mutex
	missedUpdates     int
	connectionEnabled bool
}

// NewSession creates a session for the given endpoint on the given
// transport adapter. The adapter must already be enabled.
func NewSession(adapter ble.Adapter, endpoint Endpoint, opts SessionOptions) *Session {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = DefaultLinkTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}

	reassembler := NewReassembler()
	s := &Session{
		endpoint:          endpoint,
		reassembler:       reassembler,
		link:              NewLinkManager(adapter, endpoint, opts.ConnectAttempts, reassembler),
		timeout:           opts.ResponseTimeout,
		linkTimeout:       opts.LinkTimeout,
		onUpdate:          opts.OnUpdate,
		connectionEnabled: true,
	}
	// A fresh connection resets the consecutive-failure counter; a reused
	// live link does not.
	s.link.onConnected = func() { s.missedUpdates = 0 }
	return s
}

// Poll runs one polling cycle and returns the resulting reading. Any
// failure degrades to the offline reading; nothing is propagated.
func (s *Session) Poll(ctx context.Context) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollLocked(ctx)
}

func (s *Session) pollLocked(ctx context.Context) Reading {
	if !s.connectionEnabled {
		return s.publish(Offline())
	}

	if !s.ensureLink(ctx) {
		s.countMiss()
		slog.Debug("[BMS] cannot connect",
			"address", s.endpoint.Address,
			"missed", s.missedUpdates, "threshold", MaxMissedUpdates)
		return s.publish(Offline())
	}

	// Clear any stale fragments before starting the transaction.
	s.reassembler.Reset()

	if err := s.link.Send(CmdQueryStatus); err != nil {
		slog.Warn("[BMS] failed to send query", "address", s.endpoint.Address, "error", err)
		s.countMiss()
		s.link.Disconnect()
		return s.publish(Offline())
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case frame := <-s.reassembler.Frames():
		reading, err := DecodeStatus(frame)
		if err != nil {
			slog.Warn("[BMS] failed to parse response",
				"address", s.endpoint.Address, "bytes", len(frame), "error", err)
			return s.publish(Offline())
		}
		s.missedUpdates = 0
		return s.publish(reading)

	case <-timer.C:
		// The wait is abandoned but the link is kept for the next cycle.
		slog.Warn("[BMS] timeout waiting for response",
			"address", s.endpoint.Address,
			"buffered", s.reassembler.BufferedBytes())
		s.countMiss()
		return s.publish(Offline())

	case <-ctx.Done():
		slog.Warn("[BMS] poll cancelled", "address", s.endpoint.Address, "error", ctx.Err())
		s.countMiss()
		return s.publish(Offline())
	}
}

// ensureLink runs link establishment under a deadline so an out-of-range
// device can never stall the cycle: the scan and connect both abort when
// the deadline passes, even when the caller supplies a background context.
func (s *Session) ensureLink(ctx context.Context) bool {
	linkCtx, cancel := context.WithTimeout(ctx, s.linkTimeout)
	defer cancel()
	return s.link.EnsureConnected(linkCtx)
}

func (s *Session) countMiss() {
	s.missedUpdates++
	if s.missedUpdates == MaxMissedUpdates {
		slog.Warn("[BMS] repeated missed updates",
			"address", s.endpoint.Address, "missed", s.missedUpdates)
	}
}

func (s *Session) publish(r Reading) Reading {
	if s.onUpdate != nil {
		s.onUpdate(r)
	}
	return r
}

// SetRelayState switches the charge or discharge relay. If the device is
// unavailable the command is logged and dropped; otherwise the command is
// sent and an immediate refresh cycle runs so the new state is reflected
// promptly.
func (s *Session) SetRelayState(ctx context.Context, relay Relay, enabled bool) {
	s.mu.Lock()
	slog.Info("[BMS] setting relay", "relay", relay.String(), "enabled", enabled)

	if !s.connectionEnabled || !s.ensureLink(ctx) {
		slog.Warn("[BMS] cannot set relay, not connected",
			"address", s.endpoint.Address, "relay", relay.String())
		s.mu.Unlock()
		return
	}

	if err := s.link.Send(relayOpcode(relay, enabled)); err != nil {
		// Write failure invalidates the link; the next cycle reconnects.
		s.link.Disconnect()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Poll(ctx)
}

// SetConnectionEnabled enables or disables connection attempts. Disabling
// disconnects immediately and publishes an offline reading regardless of
// cycle timing; enabling resets the miss counter and runs an immediate
// refresh.
func (s *Session) SetConnectionEnabled(ctx context.Context, enabled bool) {
	s.mu.Lock()
	s.connectionEnabled = enabled

	if !enabled {
		slog.Info("[BMS] connection disabled, disconnecting", "address", s.endpoint.Address)
		s.link.Disconnect()
		s.publish(Offline())
		s.mu.Unlock()
		return
	}

	slog.Info("[BMS] connection enabled, reconnecting", "address", s.endpoint.Address)
	s.missedUpdates = 0
	s.mu.Unlock()

	s.Poll(ctx)
}

// ConnectionEnabled reports whether connection attempts are enabled.
func (s *Session) ConnectionEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionEnabled
}

// MissedUpdates returns the consecutive missed-cycle count.
func (s *Session) MissedUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missedUpdates
}

// Endpoint returns the device identity this session polls.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// Shutdown disconnects from the BMS. Idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link.Disconnect()
}
