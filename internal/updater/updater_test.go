package updater

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	manifestPath = "/storage/v1/object/ota-modules/manifest.json"
	govBinPath   = "/storage/v1/object/ota-modules/gov/latest/gov.bin"
	govMetaPath  = "/storage/v1/object/ota-modules/gov/latest/metadata.json"
)

// serveObjects is a minimal OTA server: a fixed path-to-body table.
func serveObjects(objects map[string][]byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	})
}

func manifestJSON(t *testing.T, entries map[string]manifestEntry) []byte {
	t.Helper()
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	return raw
}

func metaJSON(t *testing.T, sha, sig string) []byte {
	t.Helper()
	raw, err := json.Marshal(updateMetadata{SHA256: sha, Signature: sig, Version: "1.1.0"})
	require.NoError(t, err)
	return raw
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// newTestUpdater wires an Updater against an httptest server. mutate may
// adjust the config before construction.
func newTestUpdater(t *testing.T, handler http.Handler, mutate func(*Config)) *Updater {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:                   srv.URL,
		DeviceID:                  "test-device",
		Fs:                        afero.NewMemMapFs(),
		DataDir:                   "data/modules",
		AllowPlaceholderSignature: true,
		KnownModules:              []string{"gov"},
		Connected:                 func() bool { return true },
		HTTPTimeout:               5 * time.Second,
		RetryAttempts:             1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	u, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestNew_RequiresTrustPolicy(t *testing.T) {
	_, err := New(Config{
		BaseURL:   "http://localhost",
		Fs:        afero.NewMemMapFs(),
		Connected: func() bool { return true },
	})
	assert.Error(t, err)
}

func TestCheckForUpdates_FindsNewVersion(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: manifestJSON(t, map[string]manifestEntry{
			"gov": {LatestVersion: "1.1.0", Size: 1234, Critical: true, Priority: "high"},
		}),
	}), nil)
	require.NoError(t, u.SetModuleVersion("gov", "1.0.0"))

	require.NoError(t, u.CheckForUpdates(context.Background()))

	require.True(t, u.HasPendingUpdates())
	p, ok := u.PendingUpdate("gov")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", p.CurrentVersion)
	assert.Equal(t, "1.1.0", p.AvailableVersion)
	assert.Equal(t, int64(1234), p.Size)
	assert.True(t, p.Critical)
	assert.Equal(t, "high", p.Priority)
	assert.False(t, p.Downgrade)

	assert.False(t, u.IsChecking())
	assert.False(t, u.LastCheck().IsZero())
}

func TestCheckForUpdates_NoUpdates(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: manifestJSON(t, map[string]manifestEntry{
			"gov": {LatestVersion: "1.0.0"},
		}),
	}), nil)
	require.NoError(t, u.SetModuleVersion("gov", "1.0.0"))

	err := u.CheckForUpdates(context.Background())
	assert.ErrorIs(t, err, ErrNoUpdates)
	assert.False(t, u.HasPendingUpdates())
}

func TestCheckForUpdates_UntrackedModuleIsUninstalled(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: manifestJSON(t, map[string]manifestEntry{
			"gov": {LatestVersion: "1.0.0"},
		}),
	}), nil)

	require.NoError(t, u.CheckForUpdates(context.Background()))
	p, ok := u.PendingUpdate("gov")
	require.True(t, ok)
	assert.Equal(t, UninstalledVersion, p.CurrentVersion)
}

func TestCheckForUpdates_FlagsDowngrade(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: manifestJSON(t, map[string]manifestEntry{
			"gov": {LatestVersion: "1.0.0"},
		}),
	}), nil)
	require.NoError(t, u.SetModuleVersion("gov", "1.1.0"))

	require.NoError(t, u.CheckForUpdates(context.Background()))
	p, ok := u.PendingUpdate("gov")
	require.True(t, ok)
	assert.True(t, p.Downgrade)
}

func TestCheckForUpdates_NotConnected(t *testing.T) {
	var hits atomic.Int32
	u := newTestUpdater(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}), func(cfg *Config) {
		cfg.Connected = func() bool { return false }
	})

	assert.ErrorIs(t, u.CheckForUpdates(context.Background()), ErrNetwork)
	assert.Zero(t, hits.Load())
}

func TestCheckForUpdates_Busy(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)
	u.checking = true

	assert.ErrorIs(t, u.CheckForUpdates(context.Background()), ErrNetwork)
	assert.True(t, u.IsChecking())
}

func TestCheckForUpdates_InvalidManifest(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: []byte("not a manifest"),
	}), nil)

	assert.ErrorIs(t, u.CheckForUpdates(context.Background()), ErrInvalidManifest)
	assert.False(t, u.IsChecking())
}

func TestCheckForUpdates_ServerError(t *testing.T) {
	u := newTestUpdater(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), nil)

	assert.ErrorIs(t, u.CheckForUpdates(context.Background()), ErrDownloadFailed)
	assert.False(t, u.IsChecking())
}

func TestCheckForUpdates_RetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	manifest := manifestJSON(t, map[string]manifestEntry{"gov": {LatestVersion: "1.1.0"}})
	u := newTestUpdater(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(manifest)
	}), nil)

	require.NoError(t, u.CheckForUpdates(context.Background()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestCheckForUpdates_PendingTableBounded(t *testing.T) {
	entries := map[string]manifestEntry{}
	var known []string
	for i := 0; i < MaxPending+3; i++ {
		name := fmt.Sprintf("mod%d", i)
		known = append(known, name)
		entries[name] = manifestEntry{LatestVersion: "2.0.0"}
	}
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: manifestJSON(t, entries),
	}), func(cfg *Config) {
		cfg.KnownModules = known
	})

	require.NoError(t, u.CheckForUpdates(context.Background()))
	assert.Len(t, u.PendingUpdates(), MaxPending)
}

func TestCheckForUpdates_RebuildsPendingTable(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		manifestPath: manifestJSON(t, map[string]manifestEntry{
			"gov": {LatestVersion: "1.1.0"},
		}),
	}), nil)

	require.NoError(t, u.CheckForUpdates(context.Background()))
	require.NoError(t, u.CheckForUpdates(context.Background()))
	assert.Len(t, u.PendingUpdates(), 1)
}

func TestSetModuleVersion_TableBounded(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)

	for i := 0; i < MaxTracked; i++ {
		require.NoError(t, u.SetModuleVersion(fmt.Sprintf("mod%d", i), "1.0.0"))
	}
	assert.Error(t, u.SetModuleVersion("one-too-many", "1.0.0"))

	// Updating an existing entry still works at capacity.
	require.NoError(t, u.SetModuleVersion("mod0", "2.0.0"))
	assert.Equal(t, "2.0.0", u.GetModuleVersion("mod0"))
	assert.Equal(t, UninstalledVersion, u.GetModuleVersion("one-too-many"))
}

// seedPending puts a pending entry in place the way a check would.
func seedPending(u *Updater, name string) {
	u.pending = append(u.pending, PendingUpdate{
		Name:             name,
		CurrentVersion:   "1.0.0",
		AvailableVersion: "1.1.0",
	})
}

func TestDownloadAndApply_PlaceholderSuccess(t *testing.T) {
	newImage := []byte("new image bytes")
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, hexSHA256(newImage), PlaceholderSignature),
	}), nil)
	seedPending(u, "gov")

	oldImage := []byte("old image bytes")
	require.NoError(t, afero.WriteFile(u.fs, u.activePath("gov"), oldImage, 0o644))

	require.NoError(t, u.DownloadAndApplyUpdate(context.Background(), "gov"))

	active, err := afero.ReadFile(u.fs, u.activePath("gov"))
	require.NoError(t, err)
	assert.Equal(t, newImage, active)

	backup, err := afero.ReadFile(u.fs, u.backupPath("gov"))
	require.NoError(t, err)
	assert.Equal(t, oldImage, backup)

	for _, path := range []string{u.candidatePath("gov"), u.metadataPath("gov")} {
		exists, err := afero.Exists(u.fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
}

func TestDownloadAndApply_FirstInstallHasNoBackup(t *testing.T) {
	newImage := []byte("first image")
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, hexSHA256(newImage), PlaceholderSignature),
	}), nil)
	seedPending(u, "gov")

	require.NoError(t, u.DownloadAndApplyUpdate(context.Background(), "gov"))

	active, err := afero.ReadFile(u.fs, u.activePath("gov"))
	require.NoError(t, err)
	assert.Equal(t, newImage, active)

	exists, err := afero.Exists(u.fs, u.backupPath("gov"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownloadAndApply_Ed25519Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	newImage := []byte("signed image bytes")
	digest := hexSHA256(newImage)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(digest)))

	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, digest, sig),
	}), func(cfg *Config) {
		cfg.AllowPlaceholderSignature = false
		cfg.TrustKey = pub
	})
	seedPending(u, "gov")

	require.NoError(t, u.DownloadAndApplyUpdate(context.Background(), "gov"))
}

func TestDownloadAndApply_WrongKeySignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	newImage := []byte("image bytes")
	digest := hexSHA256(newImage)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(otherPriv, []byte(digest)))

	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, digest, sig),
	}), func(cfg *Config) {
		cfg.AllowPlaceholderSignature = false
		cfg.TrustKey = pub
	})
	seedPending(u, "gov")

	err = u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	exists, _ := afero.Exists(u.fs, u.candidatePath("gov"))
	assert.False(t, exists)
}

func TestDownloadAndApply_HashMismatchLeavesActiveUntouched(t *testing.T) {
	newImage := []byte("downloaded bytes")
	tampered := append([]byte(nil), newImage...)
	tampered[0] ^= 0x01

	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, hexSHA256(tampered), PlaceholderSignature),
	}), nil)
	seedPending(u, "gov")

	oldImage := []byte("old image bytes")
	require.NoError(t, afero.WriteFile(u.fs, u.activePath("gov"), oldImage, 0o644))

	err := u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	active, err := afero.ReadFile(u.fs, u.activePath("gov"))
	require.NoError(t, err)
	assert.Equal(t, oldImage, active)

	exists, _ := afero.Exists(u.fs, u.candidatePath("gov"))
	assert.False(t, exists)
}

func TestDownloadAndApply_MissingSignature(t *testing.T) {
	newImage := []byte("image bytes")
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, hexSHA256(newImage), ""),
	}), nil)
	seedPending(u, "gov")

	err := u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestDownloadAndApply_PlaceholderRejectedWhenDisallowed(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	newImage := []byte("image bytes")
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, hexSHA256(newImage), PlaceholderSignature),
	}), func(cfg *Config) {
		cfg.AllowPlaceholderSignature = false
		cfg.TrustKey = pub
	})
	seedPending(u, "gov")

	err = u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestDownloadAndApply_NoPendingEntry(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)
	err := u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrInstallationFailed)
}

func TestDownloadAndApply_MetadataFetchFails(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath: []byte("image bytes"),
	}), nil)
	seedPending(u, "gov")

	err := u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestDownloadAndApply_BinaryFetchFails(t *testing.T) {
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govMetaPath: metaJSON(t, "abc", PlaceholderSignature),
	}), nil)
	seedPending(u, "gov")

	err := u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrDownloadFailed)

	// The fetched metadata must not linger after the failure.
	exists, _ := afero.Exists(u.fs, u.metadataPath("gov"))
	assert.False(t, exists)
}

// failingRenameFs fails Rename calls whose source matches a fixed path.
type failingRenameFs struct {
	afero.Fs
	failFrom string
}

func (f *failingRenameFs) Rename(oldname, newname string) error {
	if oldname == f.failFrom {
		return fmt.Errorf("simulated rename failure")
	}
	return f.Fs.Rename(oldname, newname)
}

func TestDownloadAndApply_InstallFailureRollsBack(t *testing.T) {
	newImage := []byte("new image bytes")
	wrapped := &failingRenameFs{Fs: afero.NewMemMapFs()}
	u := newTestUpdater(t, serveObjects(map[string][]byte{
		govBinPath:  newImage,
		govMetaPath: metaJSON(t, hexSHA256(newImage), PlaceholderSignature),
	}), func(cfg *Config) {
		cfg.Fs = wrapped
	})
	wrapped.failFrom = u.candidatePath("gov")
	seedPending(u, "gov")

	oldImage := []byte("old image bytes")
	require.NoError(t, afero.WriteFile(u.fs, u.activePath("gov"), oldImage, 0o644))

	err := u.DownloadAndApplyUpdate(context.Background(), "gov")
	assert.ErrorIs(t, err, ErrInstallationFailed)

	// Rollback restored the previous image from the backup.
	active, err := afero.ReadFile(u.fs, u.activePath("gov"))
	require.NoError(t, err)
	assert.Equal(t, oldImage, active)
}

func TestRollback_WithoutBackup(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)
	assert.Error(t, u.Rollback(context.Background(), "gov"))
}

func TestRollback_RestoresBackup(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)

	require.NoError(t, afero.WriteFile(u.fs, u.activePath("gov"), []byte("broken"), 0o644))
	require.NoError(t, afero.WriteFile(u.fs, u.backupPath("gov"), []byte("known good"), 0o644))

	require.NoError(t, u.Rollback(context.Background(), "gov"))

	active, err := afero.ReadFile(u.fs, u.activePath("gov"))
	require.NoError(t, err)
	assert.Equal(t, []byte("known good"), active)
}

func TestClearPendingUpdates(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)
	seedPending(u, "gov")
	require.True(t, u.HasPendingUpdates())

	u.ClearPendingUpdates()
	assert.False(t, u.HasPendingUpdates())
}

func TestStatus_Snapshot(t *testing.T) {
	u := newTestUpdater(t, serveObjects(nil), nil)
	seedPending(u, "gov")

	st := u.Status()
	assert.False(t, st.Checking)
	assert.Equal(t, 1, st.PendingCount)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "gov", st.Pending[0].Name)
}
