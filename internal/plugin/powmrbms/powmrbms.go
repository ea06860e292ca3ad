// Package powmrbms implements the POWMR BMS plugin (§4.2.3 vendor
// framing) over a serial transport, using the hand-rolled "inv8851"
// codec in internal/vendor/powmr.
package powmrbms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/solarwatt/core/internal/plugin"
	"github.com/solarwatt/core/internal/stdkeys"
	"github.com/solarwatt/core/internal/transport"
	"github.com/solarwatt/core/internal/vendor/powmr"
)

func init() {
	plugin.Register("powmr.bms", New)
}

const (
	cmdStatus = 0x01
)

// Plugin implements plugin.Device for a POWMR battery management
// system queried over RS-485.
type Plugin struct {
	instanceID string
	port       string
	baudRate   int
	version    powmr.Version
	cellCount  int

	tr *transport.SerialTransport
}

func New(instanceID string, extra map[string]string) (plugin.Device, error) {
	port, ok := extra["serial_port"]
	if !ok || port == "" {
		return nil, fmt.Errorf("powmr.bms: serial_port is required")
	}
	baud := 9600
	if v, ok := extra["serial_baud_rate"]; ok {
		fmt.Sscanf(v, "%d", &baud)
	}
	version := powmr.V1
	if v, ok := extra["powmr_protocol_version"]; ok && v == "2" {
		version = powmr.V2
	}
	cells := 16
	if v, ok := extra["powmr_cell_count"]; ok {
		fmt.Sscanf(v, "%d", &cells)
	}

	return &Plugin{
		instanceID: instanceID,
		port:       port,
		baudRate:   baud,
		version:    version,
		cellCount:  cells,
	}, nil
}

func (p *Plugin) Name() string       { return "powmr.bms" }
func (p *Plugin) PrettyName() string { return "POWMR BMS" }
func (p *Plugin) Category() plugin.Category { return plugin.CategoryBMS }
func (p *Plugin) AtomicRead() bool          { return true }
func (p *Plugin) IsWaitingStatus(r plugin.Reading) bool { return false }
func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "serial_port", Description: "RS-485 adapter device path", Required: true},
		{Name: "serial_baud_rate", Description: "serial baud rate", Default: "9600"},
		{Name: "powmr_protocol_version", Description: "1 or 2", Default: "1"},
		{Name: "powmr_cell_count", Description: "number of BMS cells reported", Default: "16"},
	}
}

func (p *Plugin) Connect(ctx context.Context) error {
	if p.tr != nil {
		return nil
	}
	tr := transport.NewSerialTransport(p.port, p.baudRate)
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
	return plugin.Reading{Values: map[stdkeys.Key]stdkeys.Value{
		stdkeys.StaticDeviceCategory:    stdkeys.TextV(string(plugin.CategoryBMS)),
		stdkeys.OperationalManufacturer: stdkeys.TextV("POWMR"),
	}}, nil
}

func (p *Plugin) ReadDynamic(ctx context.Context) (plugin.Reading, error) {
	frame, err := powmr.Encode(powmr.Frame{Version: p.version, Cmd: cmdStatus})
	if err != nil {
		return plugin.Reading{}, &plugin.ReadError{Kind: plugin.ReadErrDecode, Err: err}
	}
	if err := p.tr.WriteAll(ctx, frame); err != nil {
		return plugin.Reading{}, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}

	// sync(2)+version(1)+cmd(1)+len(2) before we know the payload length.
	head := make([]byte, 6)
	if err := p.tr.ReadExact(ctx, head); err != nil {
		return plugin.Reading{}, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}
	payloadLen := int(head[4]) | int(head[5])<<8
	rest := make([]byte, payloadLen+2)
	if err := p.tr.ReadExact(ctx, rest); err != nil {
		return plugin.Reading{}, &plugin.ReadError{Kind: plugin.ReadErrTimeout, Err: err}
	}

	full := append(head, rest...)
	resp, err := powmr.Decode(full)
	if err != nil {
		return plugin.Reading{}, &plugin.ReadError{Kind: plugin.ReadErrDecode, Err: err}
	}

	status, err := powmr.DecodeStatus(resp.Payload, p.cellCount)
	if err != nil {
		return plugin.Reading{}, &plugin.ReadError{Kind: plugin.ReadErrDecode, Err: err}
	}

	values := make(map[stdkeys.Key]stdkeys.Value)
	cellsMV := make([]float64, len(status.CellMillivolts))
	for i, mv := range status.CellMillivolts {
		values[stdkeys.BMSCellVoltage(i+1)] = stdkeys.Num(float64(mv) / 1000.0)
		cellsMV[i] = float64(mv)
	}
	for i, tenths := range status.NTCTenthsCelsius {
		values[stdkeys.BMSCellTemperature(i+1)] = stdkeys.Num(float64(tenths) / 10.0)
	}

	alerts := map[string]string{}
	for cat, bits := range status.Faults {
		label := categoryKey(cat)
		for _, bit := range bits {
			alerts[label] = powmr.FaultLabel(cat, bit)
		}
	}
	if len(alerts) > 0 {
		values[stdkeys.OperationalCategorizedAlertsDict] = stdkeys.MapV(alerts)
	} else {
		slog.Debug("powmrbms: no active faults this cycle", "instance", p.instanceID)
	}

	return plugin.Reading{Values: values}, nil
}

func categoryKey(cat powmr.FaultCategory) string {
	switch cat {
	case powmr.FaultBMS:
		return string(stdkeys.AlertCategoryBMS)
	case powmr.FaultBattery:
		return string(stdkeys.AlertCategoryBattery)
	case powmr.FaultInverter:
		return string(stdkeys.AlertCategoryInverter)
	default:
		return "unknown"
	}
}
