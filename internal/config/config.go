package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/solarwatt/core/internal/stdkeys"
)

// PluginInstance is one configured device: a plugin type bound to a
// transport and its communication tuning (spec §6, per-instance keys).
type PluginInstance struct {
	Name           string
	PluginType     string
	ConnectionType string // "tcp" | "serial"

	TCPHost string
	TCPPort uint16

	SerialPort     string
	SerialBaudRate int

	SlaveAddress uint8

	ModbusTimeout          time.Duration
	InterReadDelay         time.Duration
	MaxRegsPerRead         uint16
	MaxRegisterGap         uint16
	MaxReadRetriesPerGroup int

	// Plugin-specific flags (deye_model_series, powmr_protocol_version, ...)
	// kept as raw strings; each plugin parses the ones it understands.
	Extra map[string]string
}

// InverterSystem is the physical sizing used for filter ceilings and
// percent-of-capacity display (spec §6 inverter_system.*).
type InverterSystem struct {
	MPPTCount               int
	PVPeakWatts             float64
	ACMaxWatts              float64
	BatteryUsableKWh        float64
	BatteryMaxChargeWatts   float64
	BatteryMaxDischargeWatts float64
}

// General holds the top-level scheduling and housekeeping settings.
type General struct {
	PollInterval         time.Duration
	LocalTimezone        string
	Location             *time.Location
	MaxReconnectAttempts int
}

// FilterConfig carries the per-key ceilings and confirmation tuning for
// the adaptive filter (C6).
type FilterConfig struct {
	DailyLimitKWh         map[stdkeys.Key]float64
	BaseRatePerSecond      map[stdkeys.Key]float64
	ConfirmationSamples    int
	DecreaseWindowMinutes  int
	MinConsistentSamples   int
	FilterStateTTLMinutes  int
}

// Supervisor holds watchdog tuning (C8).
type Supervisor struct {
	WatchdogTimeout       time.Duration
	StartupGrace          time.Duration
	MaxPluginReloadAttempts int
	StaleDataTimeout      time.Duration
}

// Persistence holds C7 tuning.
type Persistence struct {
	DatabasePath       string
	SnapshotInterval   time.Duration
	HistoryMaxAgeHours int
}

// MQTT holds the C9 MQTT sink's connection settings.
type MQTT struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
}

// Config is the fully validated, derived configuration for one run.
type Config struct {
	General        General
	InverterSystem InverterSystem
	Instances      []PluginInstance
	Filter         FilterConfig
	Supervisor     Supervisor
	Persistence    Persistence
	MQTT           MQTT
}

// Load reads and validates a configuration file from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return Validate(doc)
}

// Validate turns a raw Document into a Config, applying defaults and
// surfacing fatal structural errors (exit code 1 per §6).
func Validate(doc *Document) (*Config, error) {
	cfg := &Config{
		Filter: FilterConfig{
			DailyLimitKWh:     map[stdkeys.Key]float64{},
			BaseRatePerSecond: map[stdkeys.Key]float64{},
		},
	}

	general := doc.Section("general")
	instanceNames, err := splitList(general, "plugin_instances")
	if err != nil {
		return nil, err
	}
	if len(instanceNames) == 0 {
		return nil, fmt.Errorf("config: general.plugin_instances must list at least one instance")
	}

	pollSeconds, err := general.Int("poll_interval_seconds", 5)
	if err != nil {
		return nil, err
	}
	cfg.General.PollInterval = time.Duration(pollSeconds) * time.Second

	tz, _ := general.String("local_timezone")
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config: general.local_timezone %q: %w", tz, err)
	}
	cfg.General.LocalTimezone = tz
	cfg.General.Location = loc

	cfg.General.MaxReconnectAttempts, err = general.Int("max_reconnect_attempts", 5)
	if err != nil {
		return nil, err
	}

	sys := doc.Section("inverter_system")
	cfg.InverterSystem.MPPTCount, _ = sys.Int("mppt_count", 1)
	cfg.InverterSystem.PVPeakWatts, _ = sys.Float("pv_peak_watts", 0)
	cfg.InverterSystem.ACMaxWatts, _ = sys.Float("ac_max_watts", 0)
	cfg.InverterSystem.BatteryUsableKWh, _ = sys.Float("battery_usable_kwh", 0)
	cfg.InverterSystem.BatteryMaxChargeWatts, _ = sys.Float("battery_max_charge_watts", 0)
	cfg.InverterSystem.BatteryMaxDischargeWatts, _ = sys.Float("battery_max_discharge_watts", 0)

	for _, name := range instanceNames {
		inst, err := parseInstance(doc, name)
		if err != nil {
			return nil, err
		}
		cfg.Instances = append(cfg.Instances, inst)
	}

	if err := parseFilter(doc.Section("filter"), &cfg.Filter); err != nil {
		return nil, err
	}

	sup := doc.Section("supervisor")
	watchdogSeconds, _ := sup.Int("watchdog_timeout_seconds", 120)
	cfg.Supervisor.WatchdogTimeout = time.Duration(watchdogSeconds) * time.Second
	graceSeconds, _ := sup.Int("startup_grace_seconds", 30)
	cfg.Supervisor.StartupGrace = time.Duration(graceSeconds) * time.Second
	cfg.Supervisor.MaxPluginReloadAttempts, _ = sup.Int("max_plugin_reload_attempts", 3)
	staleSeconds, _ := sup.Int("stale_data_timeout_seconds", 900)
	cfg.Supervisor.StaleDataTimeout = time.Duration(staleSeconds) * time.Second

	pers := doc.Section("persistence")
	dbPath, _ := pers.String("database_path")
	if dbPath == "" {
		dbPath = "solarcore.db"
	}
	cfg.Persistence.DatabasePath = dbPath
	snapSeconds, _ := pers.Int("snapshot_interval_seconds", 60)
	cfg.Persistence.SnapshotInterval = time.Duration(snapSeconds) * time.Second
	cfg.Persistence.HistoryMaxAgeHours, _ = pers.Int("history_max_age_hours", 24*14)

	mqtt := doc.Section("mqtt")
	cfg.MQTT.Broker, _ = mqtt.String("broker")
	cfg.MQTT.Topic, _ = mqtt.String("topic")
	cfg.MQTT.ClientID, _ = mqtt.String("client_id")
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "solarcore-agent"
	}
	cfg.MQTT.Username, _ = mqtt.String("username")
	cfg.MQTT.Password, _ = mqtt.String("password")
	qos, _ := mqtt.Int("qos", 0)
	cfg.MQTT.QoS = byte(qos)
	cfg.MQTT.Retain, _ = mqtt.Bool("retain", false)

	return cfg, nil
}

func splitList(s *Section, key string) ([]string, error) {
	raw, ok := s.String(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func parseInstance(doc *Document, name string) (PluginInstance, error) {
	sec := doc.Section(name)
	if sec == nil {
		return PluginInstance{}, fmt.Errorf("config: instance %q has no matching [%s] section", name, name)
	}

	inst := PluginInstance{Name: name, Extra: map[string]string{}}

	pluginType, ok := sec.String("plugin_type")
	if !ok || pluginType == "" {
		return PluginInstance{}, fmt.Errorf("config: instance %q: plugin_type is required", name)
	}
	inst.PluginType = pluginType

	connType, _ := sec.String("connection_type")
	switch connType {
	case "tcp":
		inst.ConnectionType = "tcp"
		inst.TCPHost, _ = sec.String("ip")
		port, err := sec.Int("port", 502)
		if err != nil {
			return PluginInstance{}, err
		}
		inst.TCPPort = uint16(port)
	case "serial":
		inst.ConnectionType = "serial"
		inst.SerialPort, _ = sec.String("serial_port")
		inst.SerialBaudRate, _ = sec.Int("baud_rate", 9600)
	default:
		return PluginInstance{}, fmt.Errorf("config: instance %q: connection_type must be tcp or serial, got %q", name, connType)
	}

	slave, err := sec.Int("slave_address", 1)
	if err != nil {
		return PluginInstance{}, err
	}
	inst.SlaveAddress = uint8(slave)

	timeoutSeconds, _ := sec.Float("modbus_timeout_seconds", 5)
	inst.ModbusTimeout = time.Duration(timeoutSeconds * float64(time.Second))

	interReadMS, _ := sec.Int("inter_read_delay_ms", 50)
	inst.InterReadDelay = time.Duration(interReadMS) * time.Millisecond

	maxRegs, _ := sec.Int("max_regs_per_read", 64)
	inst.MaxRegsPerRead = uint16(maxRegs)

	maxGap, _ := sec.Int("max_register_gap", 10)
	inst.MaxRegisterGap = uint16(maxGap)

	inst.MaxReadRetriesPerGroup, _ = sec.Int("max_read_retries_per_group", 2)

	for _, k := range sec.Keys() {
		if knownInstanceKeys[k] {
			continue
		}
		v, _ := sec.String(k)
		inst.Extra[k] = v
	}

	return inst, nil
}

var knownInstanceKeys = map[string]bool{
	"plugin_type": true, "connection_type": true, "ip": true, "port": true,
	"serial_port": true, "baud_rate": true, "slave_address": true,
	"modbus_timeout_seconds": true, "inter_read_delay_ms": true,
	"max_regs_per_read": true, "max_register_gap": true,
	"max_read_retries_per_group": true,
}

func parseFilter(sec *Section, out *FilterConfig) error {
	out.ConfirmationSamples, _ = sec.Int("confirmation_samples", 3)
	out.DecreaseWindowMinutes, _ = sec.Int("decrease_window_minutes", 10)
	out.MinConsistentSamples, _ = sec.Int("min_consistent_samples", 5)
	out.FilterStateTTLMinutes, _ = sec.Int("filter_state_ttl_minutes", 5)

	for key := range stdkeys.EnergyDailyKeys {
		limitKey := string(key) + "_daily_limit_kwh"
		if v, ok := sec.String(limitKey); ok {
			f, err := parseFloatField(limitKey, v)
			if err != nil {
				return err
			}
			out.DailyLimitKWh[key] = f
		}
		rateKey := string(key) + "_base_rate_per_second"
		if v, ok := sec.String(rateKey); ok {
			f, err := parseFloatField(rateKey, v)
			if err != nil {
				return err
			}
			out.BaseRatePerSecond[key] = f
		}
	}
	return nil
}

func parseFloatField(key, v string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(v, "%g", &f)
	if err != nil {
		return 0, fmt.Errorf("config: key %q: invalid number %q: %w", key, v, err)
	}
	return f, nil
}
