package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/afero"
	"github.com/vk/modhost/internal/board"
	"github.com/vk/modhost/internal/config"
	"github.com/vk/modhost/internal/exemem"
	"github.com/vk/modhost/internal/flow"
	"github.com/vk/modhost/internal/loader"
	"github.com/vk/modhost/internal/modstore"
	"github.com/vk/modhost/internal/registry"
	"github.com/vk/modhost/internal/updater"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string
	LogFormat  string
	LogLevel   string
}

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config

	board      *board.Board
	store      *modstore.Store
	registry   *registry.Registry
	loader     *loader.Loader
	updater    *updater.Updater
	controller *flow.Controller
}

// NewApp is the constructor for the main application. It returns a fully
// wired App instance with its own isolated logger and registry. Critical
// configuration errors panic; the caller recovers and reports them.
func NewApp(outW io.Writer, appConfig *Config, fs afero.Fs, modules ...registry.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	cfg, err := config.Load(fs, appConfig.ConfigPath)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded.", "device_id", cfg.DeviceID, "modules", len(cfg.Modules))

	if err := fs.MkdirAll(cfg.ModulesDir, 0o755); err != nil {
		panic(fmt.Errorf("failed to create modules dir: %w", err))
	}

	store, err := modstore.New(fs, cfg.DataDir)
	if err != nil {
		panic(err)
	}

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All entry symbols registered.", "count", reg.Symbols())

	a := &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		board:    board.New(),
		store:    store,
		registry: reg,
	}

	ld, err := loader.New(loader.Config{
		Fs:       fs,
		Dir:      cfg.ModulesDir,
		Pool:     exemem.NewPool(cfg.MemoryBudget),
		Registry: reg,
		NewAPI:   a.newModuleAPI,
	})
	if err != nil {
		panic(err)
	}
	a.loader = ld

	upd, err := updater.New(updater.Config{
		BaseURL:                   cfg.ServerURL,
		ManifestPath:              cfg.ManifestPath,
		ObjectPath:                cfg.ObjectPath,
		DeviceID:                  cfg.DeviceID,
		Fs:                        fs,
		DataDir:                   cfg.ModulesDir,
		TrustKey:                  cfg.TrustKey,
		AllowPlaceholderSignature: cfg.AllowPlaceholderSignature,
		KnownModules:              cfg.Modules,
		Connected:                 a.board.NetworkConnected,
		HTTPTimeout:               cfg.HTTPTimeout,
	})
	if err != nil {
		panic(err)
	}
	a.updater = upd

	timing := flow.DefaultTiming()
	timing.CheckInterval = cfg.CheckInterval
	if cfg.SuccessDwell > 0 {
		timing.SuccessDwell = cfg.SuccessDwell
	}
	if cfg.FailureDwell > 0 {
		timing.FailureDwell = cfg.FailureDwell
	}

	ctrl, err := flow.NewController(flow.ControllerConfig{
		Timing:       timing,
		Host:         ld,
		Updates:      upd,
		Modules:      cfg.Modules,
		Signal:       a.board.SetSignal,
		SafeToUpdate: a.board.VehicleIdle,
	})
	if err != nil {
		panic(err)
	}
	a.controller = ctrl
	return a
}

// Loader returns the application's module loader. Primarily for testing.
func (a *App) Loader() *loader.Loader {
	return a.loader
}

// Updater returns the application's update manager. Primarily for testing.
func (a *App) Updater() *updater.Updater {
	return a.updater
}

// Board returns the simulated vehicle environment.
func (a *App) Board() *board.Board {
	return a.board
}
