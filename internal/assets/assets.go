// Package assets materializes bundled provisioning files into the staging
// directory, where they are prepared before promotion to the system partition.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/manchtools/power-manage/provisioner/internal/executor"
)

// ID names an asset inside the bundle.
type ID string

// Assets shipped with the provisioner.
const (
	Framework          ID = "btle_framework"
	ConfigTemplate     ID = "main_conf"
	PermissionManifest ID = "android_bluetooth_le"
	LauncherScript     ID = "btle_framework_script"
	Wrapper            ID = "wrapper"
)

// Provider materializes assets into staging.
type Provider interface {
	// Materialize writes asset id to <staging>/<name> with mode and returns
	// the staged path.
	Materialize(ctx context.Context, id ID, name string, mode os.FileMode) (string, error)
}

// Bundle is a Provider backed by a filesystem holding one file per asset ID.
type Bundle struct {
	fsys    fs.FS
	staging string
	digests map[ID]string
	logger  *slog.Logger
}

// NewBundle creates a Bundle reading assets from fsys and staging them into
// the staging directory. digests optionally maps asset IDs to hex sha256
// sums that staged content must match.
func NewBundle(fsys fs.FS, staging string, digests map[ID]string, logger *slog.Logger) *Bundle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundle{
		fsys:    fsys,
		staging: staging,
		digests: digests,
		logger:  logger,
	}
}

// NewDirBundle creates a Bundle reading assets from a directory on disk.
func NewDirBundle(dir, staging string, digests map[ID]string, logger *slog.Logger) *Bundle {
	return NewBundle(os.DirFS(dir), staging, digests, logger)
}

// Staging returns the staging directory assets are written to.
func (b *Bundle) Staging() string {
	return b.staging
}

// Materialize copies asset id into staging under name. The content is
// written to a temporary file and renamed into place so a failed copy never
// leaves a truncated staged file behind.
func (b *Bundle) Materialize(ctx context.Context, id ID, name string, mode os.FileMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", assetError(id, name, fmt.Errorf("invalid staging name %q", name))
	}

	src, err := b.fsys.Open(string(id))
	if err != nil {
		return "", assetError(id, name, err)
	}
	defer src.Close()

	dest := filepath.Join(b.staging, name)
	tmp, err := os.CreateTemp(b.staging, "."+name+".*")
	if err != nil {
		return "", assetError(id, name, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(src, hasher)); err != nil {
		cleanup()
		return "", assetError(id, name, err)
	}

	if want, ok := b.digests[id]; ok && want != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, want) {
			cleanup()
			return "", assetError(id, name, fmt.Errorf("checksum mismatch: expected %s, got %s", want, actual))
		}
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return "", assetError(id, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", assetError(id, name, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", assetError(id, name, err)
	}

	b.logger.Debug("asset staged", "asset", id, "path", dest, "mode", fmt.Sprintf("%04o", mode))
	return dest, nil
}

func assetError(id ID, name string, err error) error {
	return &executor.OpError{
		Kind: executor.KindAsset,
		Op:   fmt.Sprintf("extract resource %s as", id),
		Path: name,
		Err:  err,
	}
}
