package app

import (
	"context"
	"errors"

	"github.com/vk/modhost/internal/ctxlog"
)

// Run boots the host and drives the control loop until the context is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	a.logger.Info("Booting module host.",
		"device_id", a.cfg.DeviceID,
		"server", a.cfg.ServerURL,
		"modules", a.cfg.Modules)
	a.controller.Boot(ctx)

	err := a.controller.Run(ctx)
	a.shutdown(ctx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown unloads every active module so deinitialize hooks can persist
// state before the process exits.
func (a *App) shutdown(ctx context.Context) {
	for _, mod := range a.loader.Loaded() {
		if err := a.loader.Unload(ctx, mod.Name); err != nil {
			a.logger.Warn("unload during shutdown failed", "module", mod.Name, "error", err)
		}
	}
	if err := a.updater.Close(); err != nil {
		a.logger.Warn("updater close failed", "error", err)
	}
	a.logger.Debug("App.Run method finished.")
}
