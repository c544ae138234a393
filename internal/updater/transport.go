package updater

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/vk/modhost/internal/ctxlog"
)

func (u *Updater) binaryURL(name string) string {
	return fmt.Sprintf("%s/%s/latest/%s.bin", u.cfg.ObjectPath, name, name)
}

func (u *Updater) metadataURL(name string) string {
	return fmt.Sprintf("%s/%s/latest/metadata.json", u.cfg.ObjectPath, name)
}

// downloadObject fetches a server object into a local file. On any failure
// the destination is left absent, so later steps never see a partial file.
func (u *Updater) downloadObject(ctx context.Context, url, dest string) error {
	res, err := u.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("GET %s: HTTP %d", url, res.StatusCode())
	}

	body := res.Bytes()
	if err := afero.WriteFile(u.fs, dest, body, 0o644); err != nil {
		u.remove(ctx, dest)
		return err
	}
	ctxlog.FromContext(ctx).Debug("downloaded object", "url", url, "bytes", len(body), "dest", dest)
	return nil
}
