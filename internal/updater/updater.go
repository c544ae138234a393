// Package updater implements the OTA update manager.
//
// The updater polls a manifest on the update server, diffs it against the
// versions it tracks per module, downloads and cryptographically verifies
// candidate images, and swaps them atomically into the storage location
// the loader reads from. It never touches a module that is already loaded
// in memory; installing only ever replaces on-disk images, and the caller
// decides when to reload.
//
// File layout per module <id> under the data directory:
//
//	<id>.bin            active image
//	<id>.bin.backup     most recent prior image
//	<id>.bin.new        temporary downloaded candidate
//	<id>_metadata.json  temporary downloaded metadata
package updater

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/spf13/afero"
	"github.com/vk/modhost/internal/ctxlog"
	"resty.dev/v3"
)

const (
	// MaxPending caps the pending-update table.
	MaxPending = 8

	// MaxTracked caps the tracked-version table.
	MaxTracked = 8

	// UninstalledVersion is the sentinel tracked version for a module
	// that has never been installed.
	UninstalledVersion = "0.0.0"
)

var (
	// ErrNoUpdates reports a completed check that found nothing new.
	ErrNoUpdates = errors.New("updater: no updates available")

	// ErrDownloadFailed reports a transport failure fetching the
	// manifest, metadata, or binary.
	ErrDownloadFailed = errors.New("updater: download failed")

	// ErrVerificationFailed reports a hash or signature mismatch, or
	// metadata lacking the fields verification needs.
	ErrVerificationFailed = errors.New("updater: verification failed")

	// ErrInstallationFailed reports a failure placing a verified image,
	// or an install request with no matching pending update.
	ErrInstallationFailed = errors.New("updater: installation failed")

	// ErrNetwork reports that the network is down or a check is already
	// in flight.
	ErrNetwork = errors.New("updater: network unavailable or busy")

	// ErrInvalidManifest reports a manifest that fetched but did not parse.
	ErrInvalidManifest = errors.New("updater: invalid manifest")
)

// PendingUpdate is a discovered version mismatch awaiting installation.
type PendingUpdate struct {
	Name             string
	CurrentVersion   string
	AvailableVersion string
	Size             int64
	SHA256           string // deferred: populated from metadata during download
	Critical         bool
	Priority         string

	// Downgrade marks an advertised version older than the tracked one.
	// The manifest is authoritative either way.
	Downgrade bool
}

type trackedModule struct {
	name    string
	version string
}

// Config collects the updater's dependencies and settings.
type Config struct {
	// BaseURL is the update server root, e.g. "https://updates.example.com".
	BaseURL string

	// ManifestPath is the manifest object path on the server.
	ManifestPath string

	// ObjectPath is the path prefix under which per-module objects live:
	// <ObjectPath>/<id>/latest/<id>.bin and .../metadata.json.
	ObjectPath string

	// DeviceID identifies this device to the server.
	DeviceID string

	// Fs and DataDir locate the persistent image files.
	Fs      afero.Fs
	DataDir string

	// TrustKey verifies update signatures. May be nil only when
	// AllowPlaceholderSignature is set.
	TrustKey ed25519.PublicKey

	// AllowPlaceholderSignature accepts the fixed placeholder signature
	// value without verification. Demo/test bypass; never enable in a
	// production configuration.
	AllowPlaceholderSignature bool

	// KnownModules are the module identifiers this firmware recognizes.
	KnownModules []string

	// Connected reports network connectivity.
	Connected func() bool

	// Now is the clock for check timestamps. Defaults to time.Now.
	Now func() time.Time

	// HTTPTimeout bounds each transport call. Defaults to 30s.
	HTTPTimeout time.Duration

	// RetryAttempts is the number of manifest fetch retries after the
	// first failure. Defaults to 2.
	RetryAttempts uint
}

// Updater is the OTA update manager. It is driven from a single control
// loop; the checking flag is its only concurrency guard and must be set
// before any manifest fetch begins and cleared on every exit path.
type Updater struct {
	cfg    Config
	fs     afero.Fs
	client *resty.Client

	checking  bool
	lastCheck time.Time
	pending   []PendingUpdate
	tracked   []trackedModule
}

// New creates an Updater from cfg. BaseURL, Fs, and Connected are
// mandatory.
func New(cfg Config) (*Updater, error) {
	if cfg.BaseURL == "" || cfg.Fs == nil || cfg.Connected == nil {
		return nil, fmt.Errorf("updater: incomplete config")
	}
	if cfg.TrustKey == nil && !cfg.AllowPlaceholderSignature {
		return nil, fmt.Errorf("updater: no trust key configured and placeholder signatures not allowed")
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "/storage/v1/object/ota-modules/manifest.json"
	}
	if cfg.ObjectPath == "" {
		cfg.ObjectPath = "/storage/v1/object/ota-modules"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("X-Device-ID", cfg.DeviceID)

	return &Updater{cfg: cfg, fs: cfg.Fs, client: client}, nil
}

// Close releases the transport.
func (u *Updater) Close() error {
	return u.client.Close()
}

// IsChecking reports whether a manifest check is in flight.
func (u *Updater) IsChecking() bool {
	return u.checking
}

// LastCheck returns the time the last check started.
func (u *Updater) LastCheck() time.Time {
	return u.lastCheck
}

// HasPendingUpdates reports whether any pending updates are recorded.
func (u *Updater) HasPendingUpdates() bool {
	return len(u.pending) > 0
}

// PendingUpdates returns a copy of the pending-update table.
func (u *Updater) PendingUpdates() []PendingUpdate {
	out := make([]PendingUpdate, len(u.pending))
	copy(out, u.pending)
	return out
}

// PendingUpdate looks up the pending entry for a module name.
func (u *Updater) PendingUpdate(name string) (PendingUpdate, bool) {
	for _, p := range u.pending {
		if p.Name == name {
			return p, true
		}
	}
	return PendingUpdate{}, false
}

// ClearPendingUpdates discards all pending updates.
func (u *Updater) ClearPendingUpdates() {
	u.pending = u.pending[:0]
}

// SetModuleVersion upserts the tracked version for a module. The table is
// bounded; a new identifier is rejected when it is full.
func (u *Updater) SetModuleVersion(name, version string) error {
	for i := range u.tracked {
		if u.tracked[i].name == name {
			u.tracked[i].version = version
			return nil
		}
	}
	if len(u.tracked) >= MaxTracked {
		return fmt.Errorf("updater: tracked module table full (%d entries)", MaxTracked)
	}
	u.tracked = append(u.tracked, trackedModule{name: name, version: version})
	return nil
}

// GetModuleVersion returns the tracked version for a module, or the
// uninstalled sentinel when the module has never been tracked.
func (u *Updater) GetModuleVersion(name string) string {
	for _, t := range u.tracked {
		if t.name == name {
			return t.version
		}
	}
	return UninstalledVersion
}

// Status is a point-in-time snapshot of the updater's state.
type Status struct {
	Checking     bool
	LastCheck    time.Time
	PendingCount int
	Pending      []PendingUpdate
}

// Status snapshots the updater's state for diagnostics.
func (u *Updater) Status() Status {
	return Status{
		Checking:     u.checking,
		LastCheck:    u.lastCheck,
		PendingCount: len(u.pending),
		Pending:      u.PendingUpdates(),
	}
}

// appendPending records a discovered mismatch, dropping it silently when
// the table is at capacity.
func (u *Updater) appendPending(ctx context.Context, p PendingUpdate) {
	if len(u.pending) >= MaxPending {
		ctxlog.FromContext(ctx).Warn("pending update table full, dropping entry", "module", p.Name)
		return
	}
	u.pending = append(u.pending, p)
}

// isDowngrade reports whether advertised is older than tracked. Versions
// that do not parse as semantic versions fall back to "not a downgrade";
// inequality alone already queued the update.
func isDowngrade(tracked, advertised string) bool {
	tv, err1 := goversion.NewVersion(tracked)
	av, err2 := goversion.NewVersion(advertised)
	if err1 != nil || err2 != nil {
		return false
	}
	return av.LessThan(tv)
}

func (u *Updater) activePath(name string) string {
	return filepath.Join(u.cfg.DataDir, name+".bin")
}

func (u *Updater) backupPath(name string) string {
	return filepath.Join(u.cfg.DataDir, name+".bin.backup")
}

func (u *Updater) candidatePath(name string) string {
	return filepath.Join(u.cfg.DataDir, name+".bin.new")
}

func (u *Updater) metadataPath(name string) string {
	return filepath.Join(u.cfg.DataDir, name+"_metadata.json")
}
