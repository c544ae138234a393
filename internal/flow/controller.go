package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/modhost/internal/ctxlog"
	"github.com/vk/modhost/internal/loader"
	"github.com/vk/modhost/internal/updater"
)

// Signal is the operator feedback the controller asserts through the
// indicator. Blink cadence is the indicator's concern.
type Signal int

const (
	SignalNone Signal = iota
	SignalUpdatePending
	SignalDownloading
	SignalSuccess
	SignalFailure
)

// ModuleHost is the loader surface the controller drives.
type ModuleHost interface {
	Load(ctx context.Context, name string) error
	Reload(ctx context.Context, name string) error
	Get(name string) (loader.Module, bool)
	UpdateAll(ctx context.Context)
}

// UpdateManager is the updater surface the controller drives.
type UpdateManager interface {
	CheckForUpdates(ctx context.Context) error
	HasPendingUpdates() bool
	PendingUpdates() []updater.PendingUpdate
	DownloadAndApplyUpdate(ctx context.Context, name string) error
	ClearPendingUpdates()
	SetModuleVersion(name, version string) error
}

// ControllerConfig collects the controller's collaborators.
type ControllerConfig struct {
	Timing  Timing
	Host    ModuleHost
	Updates UpdateManager

	// Modules are the identifiers loaded at boot.
	Modules []string

	// Signal asserts operator feedback.
	Signal func(Signal)

	// SafeToUpdate is the external installation gate.
	SafeToUpdate func() bool

	// Now is the controller clock. Defaults to time.Now.
	Now func() time.Time

	// Restart performs a full system restart, used from the error state.
	Restart func()

	// LoopInterval is the control-loop period. Defaults to 50ms.
	LoopInterval time.Duration
}

// Controller runs the update lifecycle from a single cooperative loop.
type Controller struct {
	cfg     ControllerConfig
	machine Machine
}

// NewController creates a Controller in the init state.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Host == nil || cfg.Updates == nil || cfg.Signal == nil || cfg.SafeToUpdate == nil {
		return nil, fmt.Errorf("flow: incomplete controller config")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Restart == nil {
		cfg.Restart = func() {}
	}
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = 50 * time.Millisecond
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	return &Controller{cfg: cfg, machine: Machine{State: StateInit}}, nil
}

// Machine returns a copy of the current state value.
func (c *Controller) Machine() Machine {
	return c.machine
}

// Boot performs one-time bring-up: every configured module is loaded and
// its self-reported version seeded into tracking. Load failures are
// logged and tolerated; a missing module at boot is not fatal.
func (c *Controller) Boot(ctx context.Context) {
	log := ctxlog.FromContext(ctx)

	for _, name := range c.cfg.Modules {
		if err := c.cfg.Host.Load(ctx, name); err != nil {
			log.Warn("boot load failed, module skipped", "module", name, "error", err)
			continue
		}
		mod, ok := c.cfg.Host.Get(name)
		if !ok {
			continue
		}
		if err := c.cfg.Updates.SetModuleVersion(mod.Name, mod.Version); err != nil {
			log.Warn("could not track module version", "module", mod.Name, "error", err)
		}
	}
	c.apply(ctx, BootDone{Now: c.cfg.Now(), OK: true})
}

// EnterError moves the controller into the error state; after the restart
// delay the restart hook fires. Used when bring-up fails.
func (c *Controller) EnterError(ctx context.Context) {
	c.apply(ctx, BootDone{Now: c.cfg.Now(), OK: false})
}

// Step runs one control-loop iteration: a tick through the machine plus
// the update hook of every loaded module.
func (c *Controller) Step(ctx context.Context) {
	c.apply(ctx, Tick{Now: c.cfg.Now(), SafeToUpdate: c.cfg.SafeToUpdate()})
	c.cfg.Host.UpdateAll(ctx)
}

// Run steps the controller until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Step(ctx)
		}
	}
}

// apply feeds one event through the transition function and executes the
// resulting effects. Effects that complete work (check, apply) feed their
// outcome back in as follow-up events within the same iteration.
func (c *Controller) apply(ctx context.Context, ev Event) {
	log := ctxlog.FromContext(ctx)

	next, effects := Next(c.machine, ev, c.cfg.Timing)
	if next.State != c.machine.State {
		log.Info("state transition", "from", c.machine.State.String(), "to", next.State.String())
	}
	c.machine = next

	for _, effect := range effects {
		switch effect {
		case EffectCheckForUpdates:
			c.runCheck(ctx)
		case EffectApplyFirstUpdate:
			c.runApply(ctx)
		case EffectSignalUpdatePending:
			c.cfg.Signal(SignalUpdatePending)
		case EffectSignalDownloading:
			c.cfg.Signal(SignalDownloading)
		case EffectSignalSuccess:
			c.cfg.Signal(SignalSuccess)
		case EffectSignalFailure:
			c.cfg.Signal(SignalFailure)
		case EffectSignalClear:
			c.cfg.Signal(SignalNone)
		case EffectRestart:
			log.Error("bring-up failed, restarting system")
			c.cfg.Restart()
		}
	}
}

func (c *Controller) runCheck(ctx context.Context) {
	log := ctxlog.FromContext(ctx)

	err := c.cfg.Updates.CheckForUpdates(ctx)
	if err != nil && !errors.Is(err, updater.ErrNoUpdates) {
		log.Warn("update check failed", "error", err)
	}
	pending := err == nil && c.cfg.Updates.HasPendingUpdates()
	c.apply(ctx, CheckDone{Now: c.cfg.Now(), UpdatesPending: pending})
}

// runApply installs the first pending update. The pending table is cleared
// whatever the outcome; anything left undone is rediscovered by the next
// check cycle.
func (c *Controller) runApply(ctx context.Context) {
	log := ctxlog.FromContext(ctx)

	ok := false
	if list := c.cfg.Updates.PendingUpdates(); len(list) > 0 {
		p := list[0]
		if err := c.cfg.Updates.DownloadAndApplyUpdate(ctx, p.Name); err != nil {
			log.Error("update failed", "module", p.Name, "error", err)
		} else {
			ok = true
			if err := c.cfg.Host.Reload(ctx, p.Name); err != nil {
				log.Error("reload after install failed", "module", p.Name, "error", err)
			} else if mod, found := c.cfg.Host.Get(p.Name); found {
				if err := c.cfg.Updates.SetModuleVersion(mod.Name, mod.Version); err != nil {
					log.Warn("could not track module version", "module", mod.Name, "error", err)
				}
			}
		}
	}
	c.cfg.Updates.ClearPendingUpdates()
	c.apply(ctx, ApplyDone{Now: c.cfg.Now(), OK: ok})
}
