package updater

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/vk/modhost/internal/ctxlog"
)

// manifestEntry is one module's record in the server manifest. Only
// latest_version is guaranteed; the content hash is fetched later, with
// the per-module metadata.
type manifestEntry struct {
	LatestVersion string `json:"latest_version"`
	Size          int64  `json:"size,omitempty"`
	Critical      bool   `json:"critical,omitempty"`
	Priority      string `json:"priority,omitempty"`
}

// CheckForUpdates fetches the server manifest and rebuilds the pending
// update table from the diff against tracked versions. It returns nil when
// at least one pending update was recorded, ErrNoUpdates when the diff is
// empty, and a transport/parse error otherwise. Exactly one check can be
// in flight at a time.
func (u *Updater) CheckForUpdates(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	if u.checking {
		return fmt.Errorf("%w: check already in progress", ErrNetwork)
	}
	if !u.cfg.Connected() {
		return fmt.Errorf("%w: not connected", ErrNetwork)
	}

	u.checking = true
	defer func() { u.checking = false }()
	u.lastCheck = u.cfg.Now()

	log.Info("checking for updates", "manifest", u.cfg.ManifestPath)

	raw, err := u.fetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDownloadFailed, err)
	}

	var manifest map[string]manifestEntry
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, err)
	}

	u.pending = u.pending[:0]
	for _, name := range u.cfg.KnownModules {
		entry, ok := manifest[name]
		if !ok || entry.LatestVersion == "" {
			continue
		}
		tracked := u.GetModuleVersion(name)
		if entry.LatestVersion == tracked {
			continue
		}
		p := PendingUpdate{
			Name:             name,
			CurrentVersion:   tracked,
			AvailableVersion: entry.LatestVersion,
			Size:             entry.Size,
			Critical:         entry.Critical,
			Priority:         entry.Priority,
			Downgrade:        isDowngrade(tracked, entry.LatestVersion),
		}
		u.appendPending(ctx, p)
		log.Info("update available", "module", name, "from", tracked, "to", entry.LatestVersion, "downgrade", p.Downgrade)
	}

	if len(u.pending) == 0 {
		log.Info("no updates available")
		return ErrNoUpdates
	}
	return nil
}

// fetchManifest retrieves the raw manifest bytes, retrying transient
// transport failures with exponential backoff.
func (u *Updater) fetchManifest(ctx context.Context) ([]byte, error) {
	var body []byte
	op := func() error {
		res, err := u.client.R().SetContext(ctx).Get(u.cfg.ManifestPath)
		if err != nil {
			return err
		}
		if !res.IsSuccess() {
			return fmt.Errorf("manifest fetch: HTTP %d", res.StatusCode())
		}
		body = res.Bytes()
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(u.cfg.RetryAttempts)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}
