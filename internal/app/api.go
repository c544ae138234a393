package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/modhost/internal/modapi"
)

// newModuleAPI assembles the capability surface for one module.
// Storage calls are namespaced to the module name; everything else is a
// direct view onto the board and host state.
func (a *App) newModuleAPI(name string) *modapi.API {
	log := a.logger.With("module", name)

	return &modapi.API{
		Log: func(level modapi.LogLevel, tag, message string) {
			log.Log(context.Background(), slogLevel(level), message, "tag", tag)
		},
		Logf: func(level modapi.LogLevel, tag, format string, args ...any) {
			log.Log(context.Background(), slogLevel(level), fmt.Sprintf(format, args...), "tag", tag)
		},

		Millis: a.board.Millis,
		Micros: a.board.Micros,

		SetIndicator: func(on bool) {
			// Modules share the indicator with the update flow; module
			// writes are logged but not asserted over flow signals.
			log.Debug("module indicator request", "on", on)
		},
		ButtonPressed: a.board.ButtonPressed,

		ReadDistance:    a.board.ReadDistance,
		ReadTemperature: a.board.ReadTemperature,

		VehicleIdle:  a.board.VehicleIdle,
		VehicleSpeed: a.board.VehicleSpeed,
		IgnitionOn:   a.board.IgnitionOn,

		SaveModuleData: func(key string, data []byte) bool {
			if err := a.store.Save(name, key, data); err != nil {
				log.Warn("module data save failed", "key", key, "error", err)
				return false
			}
			return true
		},
		LoadModuleData: func(key string) ([]byte, bool) {
			data, ok, err := a.store.Load(name, key)
			if err != nil {
				log.Warn("module data load failed", "key", key, "error", err)
				return nil, false
			}
			return data, ok
		},

		NetworkConnected: a.board.NetworkConnected,
		DeviceID:         func() string { return a.cfg.DeviceID },

		ModuleVersion: func(name string) string {
			if mod, ok := a.loader.Get(name); ok {
				return mod.Version
			}
			return "unknown"
		},
	}
}

func slogLevel(level modapi.LogLevel) slog.Level {
	switch level {
	case modapi.LevelDebug:
		return slog.LevelDebug
	case modapi.LevelWarn:
		return slog.LevelWarn
	case modapi.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
