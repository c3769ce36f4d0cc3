package bms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFrameTooShort is returned by DecodeStatus for buffers shorter than
// MinResponseLength.
var ErrFrameTooShort = errors.New("bms: frame too short")

// Reading is one decoded telemetry snapshot. Every telemetry field is a
// pointer so an offline reading has the same shape as a live one with all
// fields absent; Online is true iff every field was decoded from a valid
// frame. A Reading is immutable once returned.
type Reading struct {
	Online bool `json:"online"`

	TotalVoltage *float64 `json:"total_voltage"`
	Current      *float64 `json:"current"`
	Power        *float64 `json:"power"`

	CellVoltages     [MaxCells]*float64 `json:"cell_voltages"`
	MinCellVoltage   *float64           `json:"min_cell_voltage"`
	MaxCellVoltage   *float64           `json:"max_cell_voltage"`
	DeltaCellVoltage *float64           `json:"delta_cell_voltage"`

	CellTemperature   *int `json:"cell_temperature"`
	MosfetTemperature *int `json:"mosfet_temperature"`

	RemainingCapacity  *float64 `json:"remaining_capacity"`
	FullChargeCapacity *float64 `json:"full_charge_capacity"`

	StateOfCharge *int `json:"state_of_charge"`
	StateOfHealth *int `json:"state_of_health"`

	DischargeCycles  *int     `json:"discharge_cycles"`
	TotalDischargeAh *float64 `json:"total_discharge_ah"`

	Charging         *bool `json:"charging"`
	Discharging      *bool `json:"discharging"`
	Balancing        *bool `json:"balancing"`
	ChargeEnabled    *bool `json:"charge_enabled"`
	DischargeEnabled *bool `json:"discharge_enabled"`

	ProtectionStatus *string `json:"protection_status"`
	FailureStatus    *string `json:"failure_status"`
}

// Offline returns the fixed degraded reading: Online=false, every other
// field absent.
func Offline() Reading {
	return Reading{}
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
func boolp(v bool) *bool     { return &v }
func strp(v string) *string  { return &v }

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// round3 rounds to three decimal places (millivolt resolution).
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func u16at(data []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(data[off : off+2])
}

func i16at(data []byte, off int) int16 {
	return int16(binary.LittleEndian.Uint16(data[off : off+2]))
}

func u32at(data []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(data[off : off+4])
}

func i32at(data []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(data[off : off+4]))
}

// DecodeStatus parses a status response frame into a Reading.
//
// Offsets are based on the raw notification data; all multi-byte values
// are little-endian. Frames of at least MinResponseLength bytes always
// decode; shorter buffers fail with ErrFrameTooShort and no offset beyond
// the buffer is ever read.
func DecodeStatus(data []byte) (Reading, error) {
	if len(data) < MinResponseLength {
		return Offline(), fmt.Errorf("%w: %d bytes, expected >= %d",
			ErrFrameTooShort, len(data), MinResponseLength)
	}

	var r Reading

	// Total voltage (bytes 12-15, uint32, mV).
	voltage := float64(u32at(data, 12)) / 1000.0
	r.TotalVoltage = f64(voltage)

	// Cell voltages (bytes 16-47, 16x uint16, mV). A raw value of zero
	// means no cell is present at that index, not a 0V cell.
	minCell := math.Inf(1)
	maxCell := math.Inf(-1)
	cellCount := 0
	for i := 0; i < MaxCells; i++ {
		raw := u16at(data, 16+i*2)
		if raw == 0 {
			continue
		}
		cellV := float64(raw) / 1000.0
		r.CellVoltages[i] = f64(cellV)
		cellCount++
		if cellV < minCell {
			minCell = cellV
		}
		if cellV > maxCell {
			maxCell = cellV
		}
	}
	if cellCount > 0 {
		r.MinCellVoltage = f64(minCell)
		r.MaxCellVoltage = f64(maxCell)
		r.DeltaCellVoltage = f64(round3(maxCell - minCell))
	}

	// Current (bytes 48-51, int32, mA; negative = discharging).
	current := float64(i32at(data, 48)) / 1000.0
	r.Current = f64(current)
	r.Power = f64(round1(voltage * current))

	// Temperatures (bytes 52-55, 2x int16, whole degrees C).
	r.CellTemperature = intp(int(i16at(data, 52)))
	r.MosfetTemperature = intp(int(i16at(data, 54)))

	// Capacities (bytes 62-65, 2x uint16, 0.01 Ah).
	r.RemainingCapacity = f64(float64(u16at(data, 62)) / 100.0)
	r.FullChargeCapacity = f64(float64(u16at(data, 64)) / 100.0)

	// Heat state (bytes 68-71, uint32); bit 0x80 = discharge disabled.
	heatState := u32at(data, 68)
	r.DischargeEnabled = boolp(heatState&0x00000080 == 0)

	// Protection state (bytes 76-79, uint32).
	r.ProtectionStatus = strp(decodeProtectionFlags(u32at(data, 76)))

	// Failure state (bytes 80-83, uint32).
	r.FailureStatus = strp(decodeFailureFlags(u32at(data, 80)))

	// Balancing state (bytes 84-87, uint32).
	r.Balancing = boolp(u32at(data, 84) != 0)

	// Battery state (bytes 88-89, uint16).
	batteryState := u16at(data, 88)
	r.Charging = boolp(batteryState == BatteryStateCharging)
	r.Discharging = boolp(batteryState == BatteryStateDischarging && current < 0)
	r.ChargeEnabled = boolp(batteryState != BatteryStateChargeDisabled)

	// SOC / SOH (bytes 90-93, 2x uint16, percent).
	r.StateOfCharge = intp(int(u16at(data, 90)))
	r.StateOfHealth = intp(int(u16at(data, 92)))

	// Discharge cycles (bytes 96-99, uint32).
	r.DischargeCycles = intp(int(u32at(data, 96)))

	// Total discharge (bytes 100-103, uint32, mAh).
	r.TotalDischargeAh = f64(float64(u32at(data, 100)) / 1000.0)

	r.Online = true
	return r, nil
}
