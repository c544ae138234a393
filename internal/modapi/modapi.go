// Package modapi defines the contract between the host and every loadable
// module: the capability surface the host hands to a module at
// initialization, the lifecycle interface a module hands back, and the
// entry-routine signature through which the two meet.
//
// The API struct is an explicit context object. The host constructs one
// per module, namespaced to that module, and passes it by reference into
// the module's Initialize call; modules must not reach for host state any
// other way.
package modapi

// LogLevel is the severity a module attaches to a log line.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// API is the capability surface provided by the host. Every field is
// populated before the struct is handed to a module; modules may call any
// of them from Initialize, Update, or Deinitialize.
type API struct {
	// Logging.
	Log  func(level LogLevel, tag, message string)
	Logf func(level LogLevel, tag, format string, args ...any)

	// Clocks, in milliseconds and microseconds since host start.
	Millis func() uint64
	Micros func() uint64

	// Operator feedback and input.
	SetIndicator  func(on bool)
	ButtonPressed func() bool

	// Sensor reads.
	ReadDistance    func() float64 // centimeters, raw
	ReadTemperature func() float64 // celsius

	// Vehicle state.
	VehicleIdle  func() bool
	VehicleSpeed func() int // km/h
	IgnitionOn   func() bool

	// Persisted key/value storage namespaced to the calling module.
	SaveModuleData func(key string, data []byte) bool
	LoadModuleData func(key string) ([]byte, bool)

	// Network and identity.
	NetworkConnected func() bool
	DeviceID         func() string

	// ModuleVersion reports the version of a currently loaded module, or
	// "unknown" when the module is not loaded.
	ModuleVersion func(name string) string
}

// Interface is the structure a module's entry routine returns to the host.
// Name and Initialize are mandatory; the loader rejects an image whose
// entry routine omits either. Deinitialize and Update are optional hooks.
type Interface struct {
	Name    string
	Version string

	// Initialize receives the capability API and reports whether the
	// module is ready. Returning false aborts the load.
	Initialize func(api *API) bool

	// Deinitialize is called best-effort during unload. The module may
	// persist state through the capability API here.
	Deinitialize func()

	// Update is called once per host loop iteration while loaded.
	Update func()

	// Functions is the module-kind-specific table. Consumers type-assert
	// it to one of the kind interfaces below.
	Functions any
}

// Meta is the self-reported metadata a module image carries in its header.
// The entry routine receives it and echoes Name and Version back through
// the Interface it returns.
type Meta struct {
	Name     string
	Version  string
	Settings map[string]string
}

// EntryFunc is the single discoverable entry point of a module image.
// It receives the image's self-reported metadata and its section bytes and
// returns the populated module interface.
type EntryFunc func(meta Meta, data []byte) (*Interface, error)

// SpeedGovernor is the kind-specific table exposed by speed governor
// modules via Interface.Functions.
type SpeedGovernor interface {
	// SpeedLimit returns the enforced limit in km/h for the given vehicle
	// speed and road conditions (0 normal, 1 highway, 2 city).
	SpeedLimit(currentSpeed, roadConditions int) int
	// SetOverride forces a limit; zero or negative clears the override.
	SetOverride(limit int)
	LimitingActive() bool
}

// DistanceSensor is the kind-specific table exposed by distance sensor
// modules via Interface.Functions.
type DistanceSensor interface {
	// Distance returns the last reading, in the units the module's image
	// declares.
	Distance() float64
	Calibrate()
	ObjectDetected(threshold float64) bool
}
