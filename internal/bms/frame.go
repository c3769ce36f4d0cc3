// Package bms implements the LiTime BMS GATT protocol: command framing,
// status frame decoding, notification reassembly, link management and the
// polling session engine.
package bms

import (
	"fmt"
	"strings"
)

// GATT UUIDs of the BMS (HM-10 style serial service).
const (
	ServiceUUID    = "0000ffe0-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000ffe2-0000-1000-8000-00805f9b34fb"
)

// Command opcodes.
const (
	CmdQueryStatus  = 0x13
	CmdChargeOn     = 0x06
	CmdChargeOff    = 0x07
	CmdDischargeOn  = 0x09
	CmdDischargeOff = 0x0A
)

// Battery state enum at offset 88 of the status frame.
const (
	BatteryStateCharging       = 0x01
	BatteryStateDischarging    = 0x02
	BatteryStateChargeDisabled = 0x04
)

const (
	// MinResponseLength is the size of a complete status frame.
	MinResponseLength = 104
	// MaxCells is the number of cell voltage slots in the status frame.
	MaxCells = 16

	// ResponseMarkerOffset / ResponseMarker identify the first fragment of
	// a status response: byte[2] == 0x65.
	ResponseMarkerOffset = 2
	ResponseMarker       = 0x65
)

// CommandLength is the fixed size of an outbound command frame.
const CommandLength = 8

// BuildCommand builds an 8-byte command frame.
//
// Format: {0x00, 0x00, 0x04, 0x01, op, 0x55, 0xAA, CHECKSUM}
// Checksum = 0x04 + 0x01 + op = 0x05 + op, truncated to one byte.
func BuildCommand(op byte) []byte {
	checksum := byte(0x04+0x01) + op
	return []byte{0x00, 0x00, 0x04, 0x01, op, 0x55, 0xAA, checksum}
}

// protectionFlags maps protection-state bits to labels, in bit order.
var protectionFlags = []struct {
	bit   uint32
	label string
}{
	{0x00000001, "Cell overvoltage"},
	{0x00000002, "Cell undervoltage"},
	{0x00000004, "Pack overvoltage"},
	{0x00000008, "Pack undervoltage"},
	{0x00000010, "Charge overcurrent"},
	{0x00000020, "Discharge overcurrent"},
	{0x00000040, "Short circuit"},
	{0x00000080, "Charge overtemperature"},
	{0x00000100, "Charge undertemperature"},
	{0x00000200, "Discharge overtemperature"},
	{0x00000400, "Discharge undertemperature"},
	{0x00000800, "MOSFET overtemperature"},
}

// decodeProtectionFlags renders the protection-state word as a
// human-readable string. Zero means no protection is active.
func decodeProtectionFlags(flags uint32) string {
	if flags == 0 {
		return "OK"
	}
	var parts []string
	for _, f := range protectionFlags {
		if flags&f.bit != 0 {
			parts = append(parts, f.label)
		}
	}
	if len(parts) == 0 {
		return "OK"
	}
	return strings.Join(parts, ", ")
}

// decodeFailureFlags renders the failure-state word. Nonzero values are
// reported as a raw hexadecimal error code.
func decodeFailureFlags(flags uint32) string {
	if flags == 0 {
		return "OK"
	}
	return fmt.Sprintf("Error: 0x%08X", flags)
}
