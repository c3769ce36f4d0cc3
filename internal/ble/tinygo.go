package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// defaultResolveTimeout caps a resolution scan when the caller's context
// carries no deadline. Scan only returns after StopScan, so an unbounded
// scan for an out-of-range device would otherwise never terminate.
const defaultResolveTimeout = 10 * time.Second

// TinygoAdapter wraps tinygo-org/bluetooth. On Linux device addresses are
// plain MAC addresses; on macOS they are CoreBluetooth UUID strings. The
// address strings from config are passed through unmodified.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device address
}

// NewTinygoAdapter creates a BLE adapter backed by the platform default
// bluetooth stack.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Adapter-level connect/disconnect handler. tinygo/bluetooth fires
	// this with connected=false when a peripheral drops, which is the only
	// portable way to learn about a dead link.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok {
			conn.markDisconnected()
		}
	})

	return nil
}

// Resolve scans for an advertisement from the given address. It returns
// true as soon as the device is seen and false when ctx expires first.
// The scan is always bounded: a context without a deadline gets
// defaultResolveTimeout applied.
func (a *TinygoAdapter) Resolve(ctx context.Context, address string) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultResolveTimeout)
		defer cancel()
	}

	found := make(chan struct{})
	var once sync.Once

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !strings.EqualFold(result.Address.String(), address) {
			return
		}
		once.Do(func() { close(found) })
		adapter.StopScan()
	})
	close(done)
	if err != nil && ctx.Err() == nil {
		return false
	}

	select {
	case <-found:
		return true
	default:
		return false
	}
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed on
		// its own; we cannot cancel it from here.
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinygoConnection{device: &result.device, connected: true}

		// Track the connection so the adapter-level disconnect handler can
		// flip its connected flag.
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device *bluetooth.Device

	mu        sync.Mutex
	connected bool
}

func (c *tinygoConnection) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *tinygoConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *tinygoConnection) DiscoverCharacteristics(serviceUUID string) ([]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	// nil UUID filter discovers every characteristic of the service.
	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &tinygoCharacteristic{char: &chars[i]})
	}
	return out, nil
}

func (c *tinygoConnection) Disconnect() error {
	c.markDisconnected()
	return c.device.Disconnect()
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string {
	return strings.ToLower(c.char.UUID().String())
}

// Properties reports optimistic capabilities: tinygo/bluetooth does not
// expose the GATT property mask, so UUID-based selection governs which
// characteristic is actually used for what.
func (c *tinygoCharacteristic) Properties() Properties {
	return Properties{Notify: true, Write: true, WriteWithoutResponse: true}
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
