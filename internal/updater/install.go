package updater

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/vk/modhost/internal/ctxlog"
)

// PlaceholderSignature is the fixed sentinel value a test server may put
// in update metadata. It is accepted only when the configuration
// explicitly allows it.
const PlaceholderSignature = "placeholder"

// updateMetadata is the per-module metadata object fetched alongside a
// candidate binary.
type updateMetadata struct {
	SHA256    string `json:"sha256"`
	Signature string `json:"signature"` // base64, over the hex SHA-256 digest
	Version   string `json:"version,omitempty"`
}

// DownloadAndApplyUpdate downloads, verifies, and installs the pending
// update for name. On success the new image sits at the active path and
// the caller is responsible for reloading the module and recording the
// new tracked version. The currently loaded module in memory is never
// touched by this call.
func (u *Updater) DownloadAndApplyUpdate(ctx context.Context, name string) error {
	log := ctxlog.FromContext(ctx)

	pending, ok := u.PendingUpdate(name)
	if !ok {
		return fmt.Errorf("%w: no pending update for %s", ErrInstallationFailed, name)
	}
	log.Info("downloading update", "module", name, "version", pending.AvailableVersion)

	metaPath := u.metadataPath(name)
	candidatePath := u.candidatePath(name)

	// Metadata first: verification cannot start without it.
	if err := u.downloadObject(ctx, u.metadataURL(name), metaPath); err != nil {
		return fmt.Errorf("%w: metadata: %s", ErrDownloadFailed, err)
	}
	if err := u.downloadObject(ctx, u.binaryURL(name), candidatePath); err != nil {
		u.remove(ctx, metaPath)
		return fmt.Errorf("%w: binary: %s", ErrDownloadFailed, err)
	}

	// The metadata file is temporary either way.
	defer u.remove(ctx, metaPath)

	meta, err := u.readMetadata(metaPath)
	if err != nil {
		u.remove(ctx, candidatePath)
		return fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	if meta.Signature == "" {
		u.remove(ctx, candidatePath)
		return fmt.Errorf("%w: metadata carries no signature", ErrVerificationFailed)
	}

	// Populate the deferred hash now that metadata is at hand.
	if i := u.pendingIndex(name); i >= 0 {
		u.pending[i].SHA256 = meta.SHA256
	}

	digest, err := u.fileSHA256(candidatePath)
	if err != nil {
		u.remove(ctx, candidatePath)
		return fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	if !strings.EqualFold(digest, meta.SHA256) {
		u.remove(ctx, candidatePath)
		log.Error("content hash mismatch", "module", name, "expected", meta.SHA256, "got", digest)
		return fmt.Errorf("%w: content hash mismatch", ErrVerificationFailed)
	}

	if err := u.verifySignature(ctx, digest, meta.Signature); err != nil {
		u.remove(ctx, candidatePath)
		return fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}

	// Back up the active image, tolerating failure.
	activePath := u.activePath(name)
	if exists, _ := afero.Exists(u.fs, activePath); exists {
		if err := u.backupModule(name); err != nil {
			log.Warn("backup failed, continuing with install", "module", name, "error", err)
		}
	}

	// Swap the verified candidate into place.
	if exists, _ := afero.Exists(u.fs, activePath); exists {
		u.remove(ctx, activePath)
	}
	if err := u.fs.Rename(candidatePath, activePath); err != nil {
		log.Error("installing new image failed, attempting rollback", "module", name, "error", err)
		if rbErr := u.Rollback(ctx, name); rbErr != nil {
			log.Error("rollback failed", "module", name, "error", rbErr)
		}
		u.remove(ctx, candidatePath)
		return fmt.Errorf("%w: %s", ErrInstallationFailed, err)
	}

	log.Info("update installed", "module", name, "version", pending.AvailableVersion)
	return nil
}

// backupModule preserves the current active image as the backup image,
// replacing any previous backup. No active image is not an error.
func (u *Updater) backupModule(name string) error {
	activePath := u.activePath(name)
	backupPath := u.backupPath(name)

	exists, err := afero.Exists(u.fs, activePath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if exists, _ := afero.Exists(u.fs, backupPath); exists {
		if err := u.fs.Remove(backupPath); err != nil {
			return err
		}
	}
	return u.fs.Rename(activePath, backupPath)
}

// Rollback restores the backup image over the active path. It fails when
// no backup exists.
func (u *Updater) Rollback(ctx context.Context, name string) error {
	log := ctxlog.FromContext(ctx)

	activePath := u.activePath(name)
	backupPath := u.backupPath(name)

	exists, err := afero.Exists(u.fs, backupPath)
	if err != nil || !exists {
		return fmt.Errorf("updater: no backup available for %s", name)
	}
	if exists, _ := afero.Exists(u.fs, activePath); exists {
		u.remove(ctx, activePath)
	}
	if err := u.fs.Rename(backupPath, activePath); err != nil {
		return fmt.Errorf("updater: rollback of %s: %w", name, err)
	}
	log.Info("module rolled back from backup", "module", name)
	return nil
}

// verifySignature checks sig (base64) over the hex digest using the
// configured trust key. The placeholder sentinel bypasses verification
// only when the configuration allows it.
func (u *Updater) verifySignature(ctx context.Context, digest, sig string) error {
	if sig == PlaceholderSignature {
		if u.cfg.AllowPlaceholderSignature {
			ctxlog.FromContext(ctx).Warn("accepting placeholder signature; not a production configuration")
			return nil
		}
		return fmt.Errorf("placeholder signature rejected")
	}
	if u.cfg.TrustKey == nil {
		return fmt.Errorf("no trust key configured")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("signature not decodable: %v", err)
	}
	if !ed25519.Verify(u.cfg.TrustKey, []byte(strings.ToLower(digest)), sigBytes) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

func (u *Updater) readMetadata(path string) (*updateMetadata, error) {
	raw, err := afero.ReadFile(u.fs, path)
	if err != nil {
		return nil, err
	}
	var meta updateMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("metadata not parsable: %v", err)
	}
	return &meta, nil
}

func (u *Updater) fileSHA256(path string) (string, error) {
	f, err := u.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (u *Updater) pendingIndex(name string) int {
	for i := range u.pending {
		if u.pending[i].Name == name {
			return i
		}
	}
	return -1
}

// remove deletes a file, logging rather than failing when it cannot.
func (u *Updater) remove(ctx context.Context, path string) {
	if err := u.fs.Remove(path); err != nil {
		ctxlog.FromContext(ctx).Debug("could not remove file", "path", path, "error", err)
	}
}
