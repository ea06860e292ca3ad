// Package stdkeys defines the closed, versioned vocabulary of canonical
// measurement keys (StandardKey) that every plugin, the aggregator, the
// filter, and every publisher sink agree on.
package stdkeys

import "fmt"

// Key is a member of the fixed StandardKey vocabulary. The aggregator does
// not check membership and stores whatever keys a Reading carries; each
// plugin maps its raw register names onto these keys and leaves out the
// names it has no mapping for.
type Key string

// Canonical keys. Names are stable across releases; adding a key is
// backwards compatible, renaming or removing one is not.
const (
	PVTotalDCPowerWatts  Key = "pv_total_dc_power_watts"
	PV1VoltageVolts      Key = "pv1_voltage_volts"
	PV1CurrentAmps       Key = "pv1_current_amps"
	PV2VoltageVolts      Key = "pv2_voltage_volts"
	PV2CurrentAmps       Key = "pv2_current_amps"
	PV3VoltageVolts      Key = "pv3_voltage_volts"
	PV3CurrentAmps       Key = "pv3_current_amps"

	GridTotalActivePowerWatts Key = "grid_total_active_power_watts"
	GridVoltageVolts          Key = "grid_voltage_volts"
	GridFrequencyHz           Key = "grid_frequency_hz"

	LoadTotalPowerWatts Key = "load_total_power_watts"

	BatteryPowerWatts           Key = "battery_power_watts"
	BatteryStateOfChargePercent Key = "battery_state_of_charge_percent"
	BatteryStateOfHealthPercent Key = "battery_state_of_health_percent"
	BatteryVoltageVolts         Key = "battery_voltage_volts"
	BatteryCurrentAmps          Key = "battery_current_amps"

	EnergyPVDailyKWh             Key = "energy_pv_daily_kwh"
	EnergyLoadDailyKWh           Key = "energy_load_daily_kwh"
	EnergyBatteryChargeDailyKWh  Key = "energy_battery_charge_daily_kwh"
	EnergyBatteryDischargeDaily  Key = "energy_battery_discharge_daily_kwh"
	EnergyGridImportDailyKWh     Key = "energy_grid_import_daily_kwh"
	EnergyGridExportDailyKWh     Key = "energy_grid_export_daily_kwh"

	InternalTemperatureC Key = "internal_temperature_c"

	OperationalInverterStatusText     Key = "operational_inverter_status_text"
	OperationalCategorizedAlertsDict  Key = "operational_categorized_alerts_dict"
	OperationalModelName              Key = "operational_model_name"
	OperationalSerialNumber           Key = "operational_serial_number"
	OperationalManufacturer           Key = "operational_manufacturer"
	StaticDeviceCategory               Key = "static_device_category"
)

// BMSCellVoltage returns the StandardKey for cell n (1-indexed), one of
// the few families of keys that are parameterized rather than fixed
// strings (bms_cell_voltage_1 .. bms_cell_voltage_N).
func BMSCellVoltage(n int) Key {
	return Key(fmt.Sprintf("bms_cell_voltage_%d", n))
}

// BMSCellTemperature returns the StandardKey for NTC temperature sensor n.
func BMSCellTemperature(n int) Key {
	return Key(fmt.Sprintf("bms_cell_temperature_%d", n))
}

// EnergyDailyKeys is the fixed set of monotonically-increasing,
// daily-resetting energy counters the adaptive filter treats specially
// (§4.6). Membership in this set, not the key's name, is authoritative.
var EnergyDailyKeys = map[Key]bool{
	EnergyPVDailyKWh:                   true,
	EnergyLoadDailyKWh:                 true,
	EnergyBatteryChargeDailyKWh:        true,
	EnergyBatteryDischargeDaily:        true,
	EnergyGridImportDailyKWh:           true,
	EnergyGridExportDailyKWh:           true,
}

// AlertCategory names one of the fixed buckets categorized alerts are
// namespaced under.
type AlertCategory string

const (
	AlertCategoryStatus    AlertCategory = "status"
	AlertCategoryGrid      AlertCategory = "grid"
	AlertCategoryBattery   AlertCategory = "battery"
	AlertCategoryInverter  AlertCategory = "inverter"
	AlertCategoryBMS       AlertCategory = "bms"
	AlertCategoryEPS       AlertCategory = "eps"
)

// Kind identifies the dynamic shape carried by a Value, per §9's design
// note replacing the source's untyped mapping with a closed variant type.
type Kind int

const (
	KindNumber Kind = iota
	KindInt
	KindBool
	KindText
	KindNumberList
	KindMapping
)

// Value is the tagged union every Reading and SystemState entry uses.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Number float64
	Int    int64
	Bool   bool
	Text   string
	Nums   []float64
	Map    map[string]string
}

func Num(v float64) Value  { return Value{Kind: KindNumber, Number: v} }
func IntV(v int64) Value   { return Value{Kind: KindInt, Int: v} }
func BoolV(v bool) Value   { return Value{Kind: KindBool, Bool: v} }
func TextV(v string) Value { return Value{Kind: KindText, Text: v} }
func NumList(v []float64) Value {
	return Value{Kind: KindNumberList, Nums: append([]float64(nil), v...)}
}
func MapV(v map[string]string) Value {
	cp := make(map[string]string, len(v))
	for k, val := range v {
		cp[k] = val
	}
	return Value{Kind: KindMapping, Map: cp}
}

// AsFloat extracts a numeric reading regardless of whether it was stored
// as KindNumber or KindInt; used by the filter, which only cares about
// magnitude comparisons for numeric keys.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Number, true
	case KindInt:
		return float64(v.Int), true
	default:
		return 0, false
	}
}
