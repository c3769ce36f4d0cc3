package bms

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kmacleod/litime-ble/internal/ble"
)

// ErrNotConnected is returned by Send when no link is established.
var ErrNotConnected = errors.New("bms: not connected")

// Endpoint is the immutable identity of one BMS.
type Endpoint struct {
	Address string
	Name    string
}

// LinkManager owns the live connection and the two negotiated
// characteristics (the write target and the notify source). At most one
// link exists per manager; any transport error, failed negotiation or
// explicit disconnect clears it.
//
// LinkManager is not safe for concurrent use on its own; the Session
// serializes all access to it.
type LinkManager struct {
	adapter     ble.Adapter
	endpoint    Endpoint
	attempts    int
	reassembler *Reassembler

	conn       ble.Connection
	writeChar  ble.Characteristic
	notifyChar ble.Characteristic

	// onConnected, when set, is invoked after each fresh successful
	// connect+negotiate (not when an existing link is reused).
	onConnected func()
}

// NewLinkManager creates a link manager that routes notifications into the
// given reassembler. attempts bounds the connect retries per cycle.
func NewLinkManager(adapter ble.Adapter, endpoint Endpoint, attempts int, reassembler *Reassembler) *LinkManager {
	if attempts < 1 {
		attempts = 3
	}
	return &LinkManager{
		adapter:     adapter,
		endpoint:    endpoint,
		attempts:    attempts,
		reassembler: reassembler,
	}
}

// Connected reports whether a live link exists.
func (l *LinkManager) Connected() bool {
	return l.conn != nil && l.conn.Connected()
}

// EnsureConnected returns true immediately if the link is live; otherwise
// it resolves the device, connects with bounded retries, negotiates the
// notify and write characteristics and subscribes to notifications.
// Every failure is logged as a warning and yields false with all handle
// state cleared; a partially negotiated connection is torn down first.
func (l *LinkManager) EnsureConnected(ctx context.Context) bool {
	if l.Connected() {
		return true
	}
	l.clear()

	if !l.adapter.Resolve(ctx, l.endpoint.Address) {
		slog.Debug("[BMS] device not available", "address", l.endpoint.Address)
		return false
	}

	var conn ble.Connection
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		conn, err = l.adapter.Connect(ctx, l.endpoint.Address)
		if err == nil {
			break
		}
		slog.Warn("[BMS] connect attempt failed",
			"address", l.endpoint.Address, "attempt", attempt, "error", err)
	}
	if err != nil {
		return false
	}

	notifyChar, writeChar, err := negotiate(conn)
	if err != nil {
		slog.Warn("[BMS] negotiation failed", "address", l.endpoint.Address, "error", err)
		_ = conn.Disconnect()
		return false
	}

	if err := notifyChar.Subscribe(l.reassembler.Push); err != nil {
		slog.Warn("[BMS] subscribe failed", "address", l.endpoint.Address, "error", err)
		_ = conn.Disconnect()
		return false
	}
	slog.Info("[BMS] subscribed to notifications", "characteristic", notifyChar.UUID())
	slog.Info("[BMS] using write characteristic", "characteristic", writeChar.UUID())

	l.conn = conn
	l.notifyChar = notifyChar
	l.writeChar = writeChar
	slog.Info("[BMS] connected", "address", l.endpoint.Address, "name", l.endpoint.Name)
	if l.onConnected != nil {
		l.onConnected()
	}
	return true
}

// negotiate selects the notify source and write target from the service's
// characteristics. The notify source must be FFE1 with the notify
// property; the write target prefers FFE2 and falls back to FFE1 when
// only that is writable.
func negotiate(conn ble.Connection) (notifyChar, writeChar ble.Characteristic, err error) {
	chars, err := conn.DiscoverCharacteristics(ServiceUUID)
	if err != nil {
		return nil, nil, err
	}

	for _, char := range chars {
		uuid := char.UUID()
		props := char.Properties()
		slog.Debug("[BMS] characteristic", "uuid", uuid,
			"notify", props.Notify, "writable", props.Writable())

		if uuid == NotifyCharUUID && props.Notify {
			notifyChar = char
		}
		if props.Writable() {
			if uuid == WriteCharUUID {
				writeChar = char
			} else if uuid == NotifyCharUUID && writeChar == nil {
				writeChar = char
			}
		}
	}

	if notifyChar == nil {
		return nil, nil, fmt.Errorf("bms: notify characteristic %s not found", NotifyCharUUID)
	}
	if writeChar == nil {
		return nil, nil, errors.New("bms: no writable characteristic found")
	}
	return notifyChar, writeChar, nil
}

// Send writes one command frame to the BMS. Unlike connection errors, a
// write failure propagates: the caller must distinguish "query never
// sent" from "query sent, no answer".
func (l *LinkManager) Send(op byte) error {
	if l.conn == nil || l.writeChar == nil {
		slog.Warn("[BMS] cannot send command, not connected", "opcode", fmt.Sprintf("0x%02X", op))
		return ErrNotConnected
	}

	frame := BuildCommand(op)
	slog.Debug("[BMS] sending command",
		"opcode", fmt.Sprintf("0x%02X", op),
		"characteristic", l.writeChar.UUID(),
		"bytes", len(frame),
		"hex", hex.EncodeToString(frame))

	if err := l.writeChar.Write(frame); err != nil {
		slog.Warn("[BMS] failed to send command",
			"opcode", fmt.Sprintf("0x%02X", op), "error", err)
		return fmt.Errorf("bms: write command 0x%02X: %w", op, err)
	}
	return nil
}

// Disconnect closes the link if one exists. Close failures are ignored;
// the handle state is always cleared. Idempotent.
func (l *LinkManager) Disconnect() {
	if l.conn != nil {
		_ = l.conn.Disconnect()
	}
	l.clear()
}

func (l *LinkManager) clear() {
	l.conn = nil
	l.writeChar = nil
	l.notifyChar = nil
}
