// Package loader owns the table of loaded module slots.
//
// A Loader reads module images from persistent storage, copies them into
// executable memory, resolves their entry contract through the registry,
// and drives their lifecycle hooks. It holds at most MaxModules active
// slots; no two active slots share a name, and every executable region is
// released exactly once, when its slot is cleared.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/vk/modhost/internal/ctxlog"
	"github.com/vk/modhost/internal/exemem"
	"github.com/vk/modhost/internal/image"
	"github.com/vk/modhost/internal/modapi"
	"github.com/vk/modhost/internal/registry"
)

// MaxModules is the fixed capacity of the slot table.
const MaxModules = 8

var (
	// ErrNotFound reports that no image exists for the requested module.
	ErrNotFound = errors.New("loader: module image not found")

	// ErrMemory reports that an executable region of the image's size
	// could not be allocated.
	ErrMemory = errors.New("loader: executable memory allocation failed")

	// ErrInvalidFormat reports an image that is empty, structurally
	// invalid, or whose entry contract cannot be resolved.
	ErrInvalidFormat = errors.New("loader: invalid module image")

	// ErrInitFailed reports that the module's initialize hook declined.
	ErrInitFailed = errors.New("loader: module initialization failed")

	// ErrAlreadyLoaded reports a load for a name that is already active.
	ErrAlreadyLoaded = errors.New("loader: module already loaded")

	// ErrNoSlot reports that the slot table is full.
	ErrNoSlot = errors.New("loader: module table full")

	// ErrUnloadNotFound reports an unload for a name that is not active.
	ErrUnloadNotFound = errors.New("loader: module not loaded")
)

// Module is a read-only view of an active slot.
type Module struct {
	Name     string
	Version  string
	Size     int
	LoadedAt time.Time
}

type slot struct {
	name     string
	version  string
	region   *exemem.Region
	iface    *modapi.Interface
	active   bool
	loadedAt time.Time
}

// Config collects the dependencies a Loader needs.
type Config struct {
	// Fs and Dir locate the module image files (<dir>/<name>.bin).
	Fs  afero.Fs
	Dir string

	// Pool provides executable memory.
	Pool *exemem.Pool

	// Registry resolves entry symbols.
	Registry *registry.Registry

	// NewAPI builds the capability surface handed to a module at
	// initialize, namespaced to the module's self-reported name.
	NewAPI func(name string) *modapi.API

	// Now is the clock used for load timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Loader manages the fixed table of loaded modules. It is driven from a
// single control loop and is not safe for concurrent use.
type Loader struct {
	fs     afero.Fs
	dir    string
	pool   *exemem.Pool
	reg    *registry.Registry
	newAPI func(name string) *modapi.API
	now    func() time.Time
	slots  [MaxModules]slot
}

// New creates a Loader. Fs, Pool, Registry, and NewAPI are mandatory.
func New(cfg Config) (*Loader, error) {
	if cfg.Fs == nil || cfg.Pool == nil || cfg.Registry == nil || cfg.NewAPI == nil {
		return nil, fmt.Errorf("loader: incomplete config")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loader{
		fs:     cfg.Fs,
		dir:    cfg.Dir,
		pool:   cfg.Pool,
		reg:    cfg.Registry,
		newAPI: cfg.NewAPI,
		now:    now,
	}, nil
}

// ImagePath returns the active image path for a module name.
func (l *Loader) ImagePath(name string) string {
	return filepath.Join(l.dir, name+".bin")
}

// Load reads the image for name, places it into executable memory,
// resolves and validates its entry contract, and initializes the module.
// The slot records the name and version the module reports about itself,
// not the requested name, so identifier drift surfaces immediately.
func (l *Loader) Load(ctx context.Context, name string) error {
	log := ctxlog.FromContext(ctx)

	if l.findSlot(name) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
	}
	free := l.freeSlot()
	if free == nil {
		return fmt.Errorf("%w: %d slots in use", ErrNoSlot, MaxModules)
	}

	path := l.ImagePath(name)
	raw, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidFormat, path)
	}

	img, err := image.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}

	region, err := l.pool.Alloc(len(raw))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMemory, err)
	}
	copy(region.Bytes(), raw)

	entry, ok := l.reg.Resolve(img.Entry)
	if !ok {
		region.Free()
		return fmt.Errorf("%w: entry symbol '%s' not found", ErrInvalidFormat, img.Entry)
	}

	iface, err := registry.Invoke(ctx, entry, img.Meta, img.Data)
	if err != nil {
		region.Free()
		return fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	if iface == nil || iface.Name == "" || iface.Initialize == nil {
		region.Free()
		return fmt.Errorf("%w: entry routine returned incomplete interface", ErrInvalidFormat)
	}

	// The self-reported name wins over the requested one; it must still
	// be unique across active slots.
	if iface.Name != name && l.findSlot(iface.Name) != nil {
		region.Free()
		return fmt.Errorf("%w: image reports name '%s'", ErrAlreadyLoaded, iface.Name)
	}

	api := l.newAPI(iface.Name)
	inited := false
	registry.Call(ctx, iface.Name, func() { inited = iface.Initialize(api) })
	if !inited {
		region.Free()
		return fmt.Errorf("%w: %s", ErrInitFailed, iface.Name)
	}

	*free = slot{
		name:     iface.Name,
		version:  iface.Version,
		region:   region,
		iface:    iface,
		active:   true,
		loadedAt: l.now(),
	}
	log.Info("module loaded", "module", iface.Name, "version", iface.Version, "size", region.Size())
	return nil
}

// Unload calls the module's deinitialize hook best-effort, releases its
// executable region, and clears the slot. The slot is cleared even when
// the hook panics.
func (l *Loader) Unload(ctx context.Context, name string) error {
	log := ctxlog.FromContext(ctx)

	s := l.findSlot(name)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnloadNotFound, name)
	}

	if s.iface != nil && s.iface.Deinitialize != nil {
		registry.Call(ctx, s.name, s.iface.Deinitialize)
	}
	s.region.Free()
	*s = slot{}

	log.Info("module unloaded", "module", name)
	return nil
}

// Reload unloads name if loaded and loads it again from storage. After a
// successful install the freshly read image reports the new version.
// An unload miss is tolerated; a load failure leaves the loader in a
// plain unloaded state for that name.
func (l *Loader) Reload(ctx context.Context, name string) error {
	if err := l.Unload(ctx, name); err != nil && !errors.Is(err, ErrUnloadNotFound) {
		return err
	}
	return l.Load(ctx, name)
}

// UpdateAll invokes the update hook of every active module once, in slot
// order. Modules without an update hook are skipped; a panic inside one
// module's hook does not prevent the rest from running.
func (l *Loader) UpdateAll(ctx context.Context) {
	for i := range l.slots {
		s := &l.slots[i]
		if !s.active || s.iface == nil || s.iface.Update == nil {
			continue
		}
		registry.Call(ctx, s.name, s.iface.Update)
	}
}

// Get returns a read-only view of the active slot for name.
func (l *Loader) Get(name string) (Module, bool) {
	s := l.findSlot(name)
	if s == nil {
		return Module{}, false
	}
	return Module{
		Name:     s.name,
		Version:  s.version,
		Size:     s.region.Size(),
		LoadedAt: s.loadedAt,
	}, true
}

// Interface returns the module interface of the active slot for name.
// The caller may type-assert Interface.Functions to a kind table, but must
// never retain the pointer across an unload.
func (l *Loader) Interface(name string) (*modapi.Interface, bool) {
	s := l.findSlot(name)
	if s == nil {
		return nil, false
	}
	return s.iface, true
}

// IsLoaded reports whether an active slot exists for name.
func (l *Loader) IsLoaded(name string) bool {
	return l.findSlot(name) != nil
}

// Loaded returns views of all active slots, in slot order.
func (l *Loader) Loaded() []Module {
	var out []Module
	for i := range l.slots {
		s := &l.slots[i]
		if !s.active {
			continue
		}
		out = append(out, Module{
			Name:     s.name,
			Version:  s.version,
			Size:     s.region.Size(),
			LoadedAt: s.loadedAt,
		})
	}
	return out
}

func (l *Loader) findSlot(name string) *slot {
	for i := range l.slots {
		if l.slots[i].active && l.slots[i].name == name {
			return &l.slots[i]
		}
	}
	return nil
}

func (l *Loader) freeSlot() *slot {
	for i := range l.slots {
		if !l.slots[i].active {
			return &l.slots[i]
		}
	}
	return nil
}
