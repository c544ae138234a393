// Package registry resolves module image entry symbols to the compiled
// entry routines that implement them.
//
// Images and host are built by the same pipeline and share one ABI: an
// image's header names an entry symbol, and the registry maps that symbol
// to a Go entry routine compiled into the host. The registry is also the
// single foreign-call boundary of the system — every invocation of an
// entry routine or lifecycle hook crosses it through a recover wrapper, so
// a faulting module cannot take the host loop down.
package registry

import (
	"context"
	"fmt"

	"github.com/vk/modhost/internal/ctxlog"
	"github.com/vk/modhost/internal/modapi"
)

// Module is the interface a package of loadable functionality implements
// to publish its entry symbols.
type Module interface {
	Register(r *Registry)
}

// Registry holds the entry routines known to a single host instance.
type Registry struct {
	entries map[string]modapi.EntryFunc
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]modapi.EntryFunc)}
}

// RegisterEntry registers an entry routine under its symbol. Registering
// the same symbol twice is a programmer error and panics.
func (r *Registry) RegisterEntry(symbol string, fn modapi.EntryFunc) {
	if _, exists := r.entries[symbol]; exists {
		panic(fmt.Sprintf("entry symbol '%s' already registered", symbol))
	}
	if fn == nil {
		panic(fmt.Sprintf("entry symbol '%s' registered with nil routine", symbol))
	}
	r.entries[symbol] = fn
}

// Resolve looks up the entry routine for a symbol.
func (r *Registry) Resolve(symbol string) (modapi.EntryFunc, bool) {
	fn, ok := r.entries[symbol]
	return fn, ok
}

// Symbols returns the number of registered entry symbols.
func (r *Registry) Symbols() int {
	return len(r.entries)
}

// Invoke calls an entry routine with panic isolation. A panic inside the
// routine is converted into an error instead of unwinding the host.
func Invoke(ctx context.Context, fn modapi.EntryFunc, meta modapi.Meta, data []byte) (iface *modapi.Interface, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ctxlog.FromContext(ctx).Error("module entry routine panicked", "module", meta.Name, "panic", rec)
			iface = nil
			err = fmt.Errorf("entry routine panicked: %v", rec)
		}
	}()
	return fn(meta, data)
}

// Call runs an already-resolved lifecycle hook with panic isolation.
// It reports whether the hook completed without panicking.
func Call(ctx context.Context, module string, hook func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ctxlog.FromContext(ctx).Error("module hook panicked", "module", module, "panic", rec)
			ok = false
		}
	}()
	hook()
	return true
}
