// Package plugin defines the device plugin contract (§4.3/§9): a fixed
// set of operations implemented by every device family, and a registry
// mapping a configured plugin_type string to a constructor. Variant
// handling between device families is data-driven (register maps and
// dictionaries in each plugin/* subpackage), not type-driven — there
// is no base class to inherit from, only this interface.
package plugin

import (
	"context"
	"time"

	"github.com/solarwatt/core/internal/stdkeys"
)

// Category distinguishes an inverter from a battery management system,
// mirroring the StaticDeviceCategory values in stdkeys.
type Category string

const (
	CategoryInverter Category = "inverter"
	CategoryBMS      Category = "bms"
)

// Reading is one atomic output of a plugin poll (§3).
type Reading struct {
	InstanceID string
	MonotonicTS time.Time
	WallTSUTC   time.Time
	Values      map[stdkeys.Key]stdkeys.Value
}

// ParamDescriptor self-describes one piece of plugin configuration,
// for UI/validation use outside the core (§4.3).
type ParamDescriptor struct {
	Name        string
	Description string
	Required    bool
	Default     string
}

// ReadErrorKind classifies a read_dynamic/read_static failure (§4.3).
type ReadErrorKind int

const (
	ReadErrTimeout ReadErrorKind = iota
	ReadErrException
	ReadErrDecode
	ReadErrPartialGroup
)

func (k ReadErrorKind) String() string {
	switch k {
	case ReadErrTimeout:
		return "timeout"
	case ReadErrException:
		return "exception_response"
	case ReadErrDecode:
		return "decode"
	case ReadErrPartialGroup:
		return "partial_group"
	default:
		return "unknown"
	}
}

// ReadError wraps a classified read failure.
type ReadError struct {
	Kind ReadErrorKind
	Err  error
}

func (e *ReadError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// Device is the contract every concrete plugin implements (§4.3).
// Connect/Disconnect/ReadStatic/ReadDynamic are called by exactly one
// worker goroutine per instance; implementations need not be
// goroutine-safe beyond that.
type Device interface {
	Name() string
	PrettyName() string
	Category() Category

	// Connect establishes the transport and any handshake, returning
	// once connected or the context is done. It is idempotent: calling
	// it again while already connected is a no-op returning nil. On
	// failure it must release any half-open resource itself.
	Connect(ctx context.Context) error

	// Disconnect always safe to call, including before a successful
	// Connect or more than once; guarantees no descriptor/port lock is
	// leaked.
	Disconnect() error

	// ReadStatic is called once per connection and must include
	// stdkeys.StaticDeviceCategory and a manufacturer string.
	ReadStatic(ctx context.Context) (Reading, error)

	// ReadDynamic is called once per poll cycle.
	ReadDynamic(ctx context.Context) (Reading, error)

	ConfigurableParams() []ParamDescriptor

	// AtomicRead reports whether the device treats one ReadDynamic as an
	// indivisible unit. The Worker does not consult it: a ReadDynamic
	// that returns an error emits no Reading, and the groups read before
	// the failure are discarded whatever this returns.
	AtomicRead() bool

	// IsWaitingStatus reports whether a Reading's status text indicates
	// the device is still initializing/waiting rather than producing
	// real telemetry, driving the ReadDynamic→Reconnect transition on
	// max_consecutive_waiting_polls (§4.3). Devices with no such status
	// concept always return false.
	IsWaitingStatus(r Reading) bool
}

// Constructor builds a Device from a name and its instance-specific
// configuration extras (the Extra map captured by config.PluginInstance).
type Constructor func(instanceID string, extra map[string]string) (Device, error)

var registry = map[string]Constructor{}

// Register adds a plugin_type to the registry. Called from each
// concrete plugin package's init().
func Register(pluginType string, ctor Constructor) {
	registry[pluginType] = ctor
}

// New looks up a plugin_type and constructs a Device instance.
func New(pluginType, instanceID string, extra map[string]string) (Device, error) {
	ctor, ok := registry[pluginType]
	if !ok {
		return nil, &UnknownPluginTypeError{PluginType: pluginType}
	}
	return ctor(instanceID, extra)
}

// UnknownPluginTypeError is returned by New for an unregistered
// plugin_type, surfaced at startup as a fatal config error (§7).
type UnknownPluginTypeError struct {
	PluginType string
}

func (e *UnknownPluginTypeError) Error() string {
	return "plugin: unknown plugin_type " + e.PluginType
}
