// Package deye implements the Deye/SolarMan hybrid inverter family
// (Modbus-TCP or Modbus-RTU over serial; little-endian word order on
// 32-bit registers, per §4.2.1's EG4/Deye footnote). Three model
// series share the same plugin_type with different register offsets,
// selected by the deye_model_series config flag (§6).
package deye

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/solarwatt/core/internal/modbus"
	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/solarwatt/core/internal/transport"
)

func init() {
	plugin.Register("deye.hybrid", New)
}

// ModelSeries selects a register offset table (§6 deye_model_series).
type ModelSeries string

const (
	SeriesModernHybrid ModelSeries = "modern_hybrid"
	SeriesLegacyHybrid ModelSeries = "legacy_hybrid"
	SeriesThreePhase   ModelSeries = "three_phase"
)

// registerTables maps each series to its dynamic descriptor list. Every
// 32-bit register uses little-endian word order. Beyond addresses, the
// tables differ in what they read: legacy_hybrid reads pv1 as a 16-bit
// register and has no pv2, only modern_hybrid reads grid/battery voltage
// and the daily energy counters, and three_phase reads grid power per
// phase instead of one total.
var registerTables = map[ModelSeries][]modbus.RegisterDescriptor{
	SeriesModernHybrid: {
		{Key: "pv1_power_w", Address: 672, Type: modbus.TypeU32, Scale: 1, LittleEndianWords: true, Priority: modbus.PriorityCritical},
		{Key: "pv2_power_w", Address: 674, Type: modbus.TypeU32, Scale: 1, LittleEndianWords: true, Priority: modbus.PriorityCritical},
		{Key: "battery_power_w", Address: 590, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "battery_soc_pct", Address: 588, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "grid_power_w", Address: 625, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "load_power_w", Address: 653, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PrioritySummary},
		{Key: "grid_voltage_v", Address: 150, Type: modbus.TypeU16, Scale: 0.1, Priority: modbus.PrioritySummary},
		{Key: "battery_voltage_v", Address: 587, Type: modbus.TypeU16, Scale: 0.01, Priority: modbus.PrioritySummary},
		{Key: "energy_pv_daily_kwh", Address: 529, Type: modbus.TypeU16, Scale: 0.1, Priority: modbus.PrioritySummary},
		{Key: "energy_load_daily_kwh", Address: 526, Type: modbus.TypeU16, Scale: 0.1, Priority: modbus.PrioritySummary},
	},
	SeriesLegacyHybrid: {
		{Key: "pv1_power_w", Address: 186, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "battery_power_w", Address: 190, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "battery_soc_pct", Address: 184, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "grid_power_w", Address: 169, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "load_power_w", Address: 178, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PrioritySummary},
	},
	SeriesThreePhase: {
		{Key: "pv1_power_w", Address: 672, Type: modbus.TypeU32, Scale: 1, LittleEndianWords: true, Priority: modbus.PriorityCritical},
		{Key: "pv2_power_w", Address: 674, Type: modbus.TypeU32, Scale: 1, LittleEndianWords: true, Priority: modbus.PriorityCritical},
		{Key: "battery_power_w", Address: 590, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "battery_soc_pct", Address: 588, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "grid_power_l1_w", Address: 625, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "grid_power_l2_w", Address: 626, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "grid_power_l3_w", Address: 627, Type: modbus.TypeI16, Scale: 1, Priority: modbus.PriorityCritical},
		{Key: "load_power_w", Address: 653, Type: modbus.TypeU16, Scale: 1, Priority: modbus.PrioritySummary},
	},
}

var staticDescriptors = []modbus.RegisterDescriptor{
	{Key: "serial_number", Address: 3, Type: modbus.TypeASCII8, Static: true},
}

// Plugin implements plugin.Device for Deye/SolarMan hybrid inverters.
type Plugin struct {
	instanceID string
	series     ModelSeries

	host string
	port uint16
	serialPort string
	baudRate   int
	useSerial  bool
	unit       uint8

	tr    transport.Transport
	txSeq uint16

	staticGroups  []modbus.ReadGroup
	dynamicGroups []modbus.ReadGroup
}

func New(instanceID string, extra map[string]string) (plugin.Device, error) {
	series := ModelSeries(extra["deye_model_series"])
	if series == "" {
		series = SeriesModernHybrid
	}
	table, ok := registerTables[series]
	if !ok {
		return nil, fmt.Errorf("deye.hybrid: unknown deye_model_series %q", series)
	}

	p := &Plugin{
		instanceID:    instanceID,
		series:        series,
		unit:          1,
		staticGroups:  modbus.GroupDescriptors(staticDescriptors, 64, 4),
		dynamicGroups: modbus.GroupDescriptors(table, 64, 16),
	}

	if v, ok := extra["slave_address"]; ok {
		var u int
		fmt.Sscanf(v, "%d", &u)
		p.unit = uint8(u)
	}

	if sp, ok := extra["serial_port"]; ok && sp != "" {
		p.useSerial = true
		p.serialPort = sp
		p.baudRate = 9600
		if v, ok := extra["serial_baud_rate"]; ok {
			fmt.Sscanf(v, "%d", &p.baudRate)
		}
		return p, nil
	}

	host, ok := extra["tcp_host"]
	if !ok || host == "" {
		return nil, fmt.Errorf("deye.hybrid: either tcp_host or serial_port is required")
	}
	p.host = host
	p.port = 502
	if v, ok := extra["tcp_port"]; ok {
		fmt.Sscanf(v, "%d", &p.port)
	}
	return p, nil
}

func (p *Plugin) Name() string               { return "deye.hybrid" }
func (p *Plugin) PrettyName() string         { return "Deye Hybrid Inverter (" + string(p.series) + ")" }
func (p *Plugin) Category() plugin.Category  { return plugin.CategoryInverter }
func (p *Plugin) AtomicRead() bool           { return false }
func (p *Plugin) IsWaitingStatus(r plugin.Reading) bool { return false }
func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "deye_model_series", Description: "modern_hybrid|legacy_hybrid|three_phase", Default: "modern_hybrid"},
		{Name: "tcp_host", Description: "inverter IP address (TCP mode)"},
		{Name: "serial_port", Description: "serial device path (RTU mode)"},
		{Name: "serial_baud_rate", Description: "serial baud rate", Default: "9600"},
		{Name: "slave_address", Description: "Modbus unit id", Default: "1"},
	}
}

func (p *Plugin) Connect(ctx context.Context) error {
	if p.tr != nil {
		return nil
	}
	var tr transport.Transport
	if p.useSerial {
		tr = transport.NewSerialTransport(p.serialPort, p.baudRate)
	} else {
		tr = transport.NewTCPTransport(p.host, p.port)
	}
	if err := tr.Connect(ctx); err != nil {
		return err
	}
	p.tr = tr
	return nil
}

func (p *Plugin) Disconnect() error {
	if p.tr == nil {
		return nil
	}
	err := p.tr.Close()
	p.tr = nil
	return err
}

func (p *Plugin) ReadStatic(ctx context.Context) (plugin.Reading, error) {
	raw, err := p.readGroups(ctx, p.staticGroups)
	if err != nil {
		return plugin.Reading{}, err
	}
	out := map[stdkeys.Key]stdkeys.Value{
		stdkeys.StaticDeviceCategory: stdkeys.TextV(string(plugin.CategoryInverter)),
		stdkeys.OperationalManufacturer: stdkeys.TextV("Deye"),
	}
	if serial, ok := raw["serial_number"]; ok {
		out[stdkeys.OperationalSerialNumber] = serial
	}
	return plugin.Reading{Values: out}, nil
}

var rawToStandard = map[string]stdkeys.Key{
	"battery_power_w":       stdkeys.BatteryPowerWatts,
	"battery_soc_pct":       stdkeys.BatteryStateOfChargePercent,
	"battery_voltage_v":     stdkeys.BatteryVoltageVolts,
	"grid_voltage_v":        stdkeys.GridVoltageVolts,
	"load_power_w":          stdkeys.LoadTotalPowerWatts,
	"energy_pv_daily_kwh":   stdkeys.EnergyPVDailyKWh,
	"energy_load_daily_kwh": stdkeys.EnergyLoadDailyKWh,
}

func (p *Plugin) ReadDynamic(ctx context.Context) (plugin.Reading, error) {
	raw, err := p.readGroups(ctx, p.dynamicGroups)
	if err != nil {
		return plugin.Reading{}, err
	}

	out := make(map[stdkeys.Key]stdkeys.Value, len(raw))
	var pvSum float64
	var pvPresent bool
	var gridSum float64
	var gridPresent bool

	for k, v := range raw {
		switch k {
		case "pv1_power_w", "pv2_power_w":
			if f, ok := v.AsFloat(); ok {
				pvSum += f
				pvPresent = true
			}
		case "grid_power_w", "grid_power_l1_w", "grid_power_l2_w", "grid_power_l3_w":
			if f, ok := v.AsFloat(); ok {
				gridSum += f
				gridPresent = true
			}
		default:
			if sk, ok := rawToStandard[k]; ok {
				out[sk] = v
			} else {
				slog.Warn("deye: dropping unmapped raw key", "instance", p.instanceID, "key", k)
			}
		}
	}
	if pvPresent {
		out[stdkeys.PVTotalDCPowerWatts] = stdkeys.Num(pvSum)
	}
	if gridPresent {
		out[stdkeys.GridTotalActivePowerWatts] = stdkeys.Num(gridSum)
	}

	return plugin.Reading{Values: out}, nil
}

func (p *Plugin) readGroups(ctx context.Context, groups []modbus.ReadGroup) (map[string]stdkeys.Value, error) {
	out := make(map[string]stdkeys.Value)
	for _, g := range groups {
		var data []byte
		var err error
		if p.useSerial {
			data, err = p.readRTU(ctx, g)
		} else {
			data, err = p.readTCP(ctx, g)
		}
		if err != nil {
			return nil, err
		}

		words := modbus.WordsFromBytes(data)
		for _, d := range g.Descriptors {
			off := d.Address - g.StartAddress
			w := d.Type.Width()
			if int(off+w) > len(words) {
				return nil, &plugin.ReadError{Kind: plugin.ReadErrDecode, Err: fmt.Errorf("descriptor %s out of bounds in group", d.Key)}
			}
			v, err := modbus.DecodeRegister(d, words[off:off+w])
			if err != nil {
				slog.Warn("deye: decode error for register, omitting key", "instance", p.instanceID, "key", d.Key, "err", err)
				continue
			}
			out[string(d.Key)] = v
		}
	}
	return out, nil
}

func (p *Plugin) readTCP(ctx context.Context, g modbus.ReadGroup) ([]byte, error) {
	p.txSeq++
	req := modbus.EncodeTCPReadRequest(p.txSeq, p.unit, g.Function.Code(), g.StartAddress, g.Count)
	if err := p.tr.WriteAll(ctx, req); err != nil {
		return nil, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}
	header := make([]byte, 7)
	if err := p.tr.ReadExact(ctx, header); err != nil {
		return nil, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}
	hdr, err := modbus.UnmarshalMBAPHeader(header)
	if err != nil {
		return nil, &plugin.ReadError{Kind: plugin.ReadErrDecode, Err: err}
	}
	pdu := make([]byte, int(hdr.Length)-1)
	if err := p.tr.ReadExact(ctx, pdu); err != nil {
		return nil, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}
	return decodeOrClassify(g.Function.Code(), pdu)
}

func (p *Plugin) readRTU(ctx context.Context, g modbus.ReadGroup) ([]byte, error) {
	req := modbus.EncodeRTUReadRequest(p.unit, g.Function.Code(), g.StartAddress, g.Count)
	if err := p.tr.WriteAll(ctx, req); err != nil {
		return nil, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}
	// slave(1) + fc(1) + bytecount(1) + data(2*count) + crc(2)
	frame := make([]byte, 5+int(g.Count)*2)
	if err := p.tr.ReadExact(ctx, frame); err != nil {
		return nil, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}
	data, err := modbus.DecodeRTUResponse(g.Function.Code(), frame)
	if err != nil {
		return nil, classifyDecodeErr(err)
	}
	return data, nil
}

func decodeOrClassify(fc byte, pdu []byte) ([]byte, error) {
	data, err := modbus.DecodeResponsePDU(fc, pdu)
	if err != nil {
		return nil, classifyDecodeErr(err)
	}
	return data, nil
}

func classifyDecodeErr(err error) error {
	var me *modbus.ModbusException
	if errors.As(err, &me) {
		return &plugin.ReadError{Kind: plugin.ReadErrException, Err: me}
	}
	return &plugin.ReadError{Kind: plugin.ReadErrDecode, Err: err}
}
