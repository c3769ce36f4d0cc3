package bms

import "fmt"

// Metric exposes one Reading field under a stable key. Absent fields
// yield nil.
type Metric struct {
	Key   string
	Value func(Reading) any
}

func fromF64(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromBool(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// Metrics is the static table of every exposed telemetry field, in
// publishing order. Cell voltages get one entry per slot.
var Metrics = buildMetrics()

func buildMetrics() []Metric {
	metrics := []Metric{
		{"online", func(r Reading) any { return r.Online }},
		{"total_voltage", func(r Reading) any { return fromF64(r.TotalVoltage) }},
		{"current", func(r Reading) any { return fromF64(r.Current) }},
		{"power", func(r Reading) any { return fromF64(r.Power) }},
		{"min_cell_voltage", func(r Reading) any { return fromF64(r.MinCellVoltage) }},
		{"max_cell_voltage", func(r Reading) any { return fromF64(r.MaxCellVoltage) }},
		{"delta_cell_voltage", func(r Reading) any { return fromF64(r.DeltaCellVoltage) }},
		{"cell_temperature", func(r Reading) any { return fromInt(r.CellTemperature) }},
		{"mosfet_temperature", func(r Reading) any { return fromInt(r.MosfetTemperature) }},
		{"remaining_capacity", func(r Reading) any { return fromF64(r.RemainingCapacity) }},
		{"full_charge_capacity", func(r Reading) any { return fromF64(r.FullChargeCapacity) }},
		{"state_of_charge", func(r Reading) any { return fromInt(r.StateOfCharge) }},
		{"state_of_health", func(r Reading) any { return fromInt(r.StateOfHealth) }},
		{"discharge_cycles", func(r Reading) any { return fromInt(r.DischargeCycles) }},
		{"total_discharge_ah", func(r Reading) any { return fromF64(r.TotalDischargeAh) }},
		{"charging", func(r Reading) any { return fromBool(r.Charging) }},
		{"discharging", func(r Reading) any { return fromBool(r.Discharging) }},
		{"balancing", func(r Reading) any { return fromBool(r.Balancing) }},
		{"charge_enabled", func(r Reading) any { return fromBool(r.ChargeEnabled) }},
		{"discharge_enabled", func(r Reading) any { return fromBool(r.DischargeEnabled) }},
		{"protection_status", func(r Reading) any { return fromStr(r.ProtectionStatus) }},
		{"failure_status", func(r Reading) any { return fromStr(r.FailureStatus) }},
	}
	for i := 0; i < MaxCells; i++ {
		idx := i
		metrics = append(metrics, Metric{
			Key:   fmt.Sprintf("cell_voltage_%d", idx+1),
			Value: func(r Reading) any { return fromF64(r.CellVoltages[idx]) },
		})
	}
	return metrics
}
