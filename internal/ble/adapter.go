// Package ble abstracts the BLE transport used to talk to the BMS. It
// defines the adapter, connection and characteristic interfaces the
// session layer is written against, plus the production implementation
// backed by tinygo.org/x/bluetooth.
package ble

import "context"

// Properties describes what a GATT characteristic supports.
type Properties struct {
	Notify               bool
	Write                bool
	WriteWithoutResponse bool
}

// Writable reports whether the characteristic accepts writes of any kind.
func (p Properties) Writable() bool {
	return p.Write || p.WriteWithoutResponse
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in lowercase canonical form.
	UUID() string
	// Properties returns the characteristic's GATT properties.
	Properties() Properties
	// Write sends data to the characteristic without waiting for a response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	// The callback may be invoked from a transport goroutine at any time.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Connected reports whether the transport still considers the link up.
	Connected() bool
	// DiscoverCharacteristics enumerates the characteristics of the given
	// service.
	DiscoverCharacteristics(serviceUUID string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Resolve reports whether the device with the given address is
	// currently reachable (advertising / in range).
	Resolve(ctx context.Context, address string) bool
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
