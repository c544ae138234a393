// Package distancesensor is the forward distance sensor module. The image
// declares the reporting units through the "units" setting ("cm" or "mm");
// readings are clamped to the sensor's physical range of 0 to 4000 mm.
package distancesensor

import (
	"fmt"
	"strconv"

	"github.com/vk/modhost/internal/modapi"
	"github.com/vk/modhost/internal/registry"
)

// EntrySymbol is the symbol module images resolve against.
const EntrySymbol = "distance_sensor/v1"

const (
	tag = "DIST"

	maxRangeMM = 4000

	offsetKey = "offset"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register publishes the entry symbol.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterEntry(EntrySymbol, Entry)
}

type sensor struct {
	api *modapi.API

	// millimeters reports in mm when set, cm otherwise.
	millimeters bool

	// offsetCM is subtracted from every raw reading. Calibrate re-zeros
	// it against the current reading.
	offsetCM float64

	lastCM float64
}

// Entry is the module entry routine.
func Entry(meta modapi.Meta, _ []byte) (*modapi.Interface, error) {
	units := meta.Settings["units"]
	if units == "" {
		units = "cm"
	}
	if units != "cm" && units != "mm" {
		return nil, fmt.Errorf("distancesensor: unsupported units %q", units)
	}

	name := meta.Name
	if name == "" {
		name = "distance_sensor"
	}

	s := &sensor{millimeters: units == "mm"}
	return &modapi.Interface{
		Name:         name,
		Version:      meta.Version,
		Initialize:   s.initialize,
		Deinitialize: s.deinitialize,
		Update:       s.update,
		Functions:    s,
	}, nil
}

func (s *sensor) initialize(api *modapi.API) bool {
	if api == nil {
		return false
	}
	s.api = api

	if data, ok := api.LoadModuleData(offsetKey); ok {
		if v, err := strconv.ParseFloat(string(data), 64); err == nil {
			s.offsetCM = v
		}
	}

	s.lastCM = s.read()
	api.Logf(modapi.LevelInfo, tag, "sensor up, units=%s offset=%.1fcm", s.units(), s.offsetCM)
	return true
}

func (s *sensor) deinitialize() {
	s.api.SaveModuleData(offsetKey, []byte(strconv.FormatFloat(s.offsetCM, 'f', -1, 64)))
	s.api.Log(modapi.LevelInfo, tag, "sensor down")
}

func (s *sensor) update() {
	s.lastCM = s.read()
}

// read samples the sensor, applies the calibration offset, and clamps to
// the physical range. The result is in centimeters.
func (s *sensor) read() float64 {
	cm := s.api.ReadDistance() - s.offsetCM
	if cm < 0 {
		cm = 0
	}
	if cm > maxRangeMM/10 {
		cm = maxRangeMM / 10
	}
	return cm
}

// Distance returns the last reading in the image's declared units.
func (s *sensor) Distance() float64 {
	if s.millimeters {
		return s.lastCM * 10
	}
	return s.lastCM
}

// Calibrate re-zeros the sensor against the current raw reading.
func (s *sensor) Calibrate() {
	raw := s.api.ReadDistance()
	s.offsetCM = raw
	s.lastCM = 0
	s.api.Logf(modapi.LevelInfo, tag, "calibrated at %.1fcm", raw)
}

// ObjectDetected reports whether the last reading is under threshold,
// expressed in the image's declared units.
func (s *sensor) ObjectDetected(threshold float64) bool {
	return s.Distance() < threshold
}

func (s *sensor) units() string {
	if s.millimeters {
		return "mm"
	}
	return "cm"
}
