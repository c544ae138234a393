// Package speedgovernor is the speed governor module. Version 1.0.0 ships
// without a highway limit; images that carry a highway_limit setting lift
// the limit on highway conditions, which is the 1.1.0 behavior.
package speedgovernor

import (
	"fmt"
	"strconv"

	"github.com/vk/modhost/internal/modapi"
	"github.com/vk/modhost/internal/registry"
)

// EntrySymbol is the symbol module images resolve against.
const EntrySymbol = "speed_governor/v1"

const (
	tag = "GOV"

	defaultLimit = 50
	cityLimit    = 30

	overrideKey = "override"
)

// Road condition codes passed to SpeedLimit.
const (
	RoadNormal = iota
	RoadHighway
	RoadCity
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register publishes the entry symbol.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterEntry(EntrySymbol, Entry)
}

// governor holds the module state between lifecycle calls.
type governor struct {
	api *modapi.API

	defaultLimit int
	highwayLimit int // 0 means not configured; highway falls back to defaultLimit
	cityLimit    int

	override int
	limiting bool
}

// Entry is the module entry routine.
func Entry(meta modapi.Meta, _ []byte) (*modapi.Interface, error) {
	g := &governor{
		defaultLimit: settingInt(meta.Settings, "default_limit", defaultLimit),
		highwayLimit: settingInt(meta.Settings, "highway_limit", 0),
		cityLimit:    settingInt(meta.Settings, "city_limit", cityLimit),
	}
	if g.defaultLimit <= 0 {
		return nil, fmt.Errorf("speedgovernor: invalid default_limit %d", g.defaultLimit)
	}

	name := meta.Name
	if name == "" {
		name = "speed_governor"
	}

	return &modapi.Interface{
		Name:         name,
		Version:      meta.Version,
		Initialize:   g.initialize,
		Deinitialize: g.deinitialize,
		Update:       g.update,
		Functions:    g,
	}, nil
}

func (g *governor) initialize(api *modapi.API) bool {
	if api == nil {
		return false
	}
	g.api = api

	// A persisted override survives reloads and updates.
	if data, ok := api.LoadModuleData(overrideKey); ok {
		if v, err := strconv.Atoi(string(data)); err == nil && v > 0 {
			g.override = v
		}
	}

	api.Logf(modapi.LevelInfo, tag, "governor up, default=%d highway=%d city=%d",
		g.defaultLimit, g.highwayLimit, g.cityLimit)
	return true
}

func (g *governor) deinitialize() {
	if g.override > 0 {
		g.api.SaveModuleData(overrideKey, []byte(strconv.Itoa(g.override)))
	} else {
		g.api.SaveModuleData(overrideKey, []byte("0"))
	}
	g.api.Log(modapi.LevelInfo, tag, "governor down")
}

func (g *governor) update() {
	g.SpeedLimit(g.api.VehicleSpeed(), RoadNormal)
}

// SpeedLimit returns the enforced limit for the given vehicle speed and
// road conditions and records whether the vehicle is currently over it.
func (g *governor) SpeedLimit(currentSpeed, roadConditions int) int {
	limit := g.defaultLimit
	switch roadConditions {
	case RoadHighway:
		if g.highwayLimit > 0 {
			limit = g.highwayLimit
		}
	case RoadCity:
		limit = g.cityLimit
	}
	if g.override > 0 {
		limit = g.override
	}

	g.limiting = currentSpeed > limit
	if g.limiting {
		g.api.Logf(modapi.LevelWarn, tag, "limiting: speed=%d limit=%d", currentSpeed, limit)
	}
	return limit
}

// SetOverride forces a limit regardless of road conditions. Zero or
// negative clears the override.
func (g *governor) SetOverride(limit int) {
	if limit <= 0 {
		g.override = 0
		g.api.Log(modapi.LevelInfo, tag, "override cleared")
		return
	}
	g.override = limit
	g.api.Logf(modapi.LevelInfo, tag, "override set to %d", limit)
}

// LimitingActive reports whether the last SpeedLimit call was limiting.
func (g *governor) LimitingActive() bool {
	return g.limiting
}

func settingInt(settings map[string]string, key string, fallback int) int {
	raw, ok := settings[key]
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
