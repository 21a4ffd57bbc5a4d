// Package installer promotes provisioning assets from the staging directory
// to their final locations on the system partition.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/manchtools/power-manage/provisioner/internal/assets"
	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
)

// Target is one file to install. The ordered list of targets is the plan;
// targets carry no identity of their own.
type Target struct {
	Asset       assets.ID   `validate:"required"`
	StagingName string      `validate:"required,excludesall=/"`
	Destination string      `validate:"required,abspath"`
	Mode        os.FileMode `validate:"filemode"`
	// Owner is applied to the staged copy before promotion when set.
	Owner *perm.Ownership
}

// Installer stages and promotes targets.
type Installer struct {
	assets    assets.Provider
	setter    *perm.Setter
	sink      logsink.Sink
	logger    *slog.Logger
	nativeDir string
}

// New creates an Installer. nativeDir is the directory holding the native
// tool libraries (lib<name>.so) shipped alongside the provisioner.
func New(provider assets.Provider, setter *perm.Setter, sink logsink.Sink, nativeDir string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		assets:    provider,
		setter:    setter,
		sink:      sink,
		logger:    logger,
		nativeDir: nativeDir,
	}
}

// Install materializes t.Asset into staging, applies t.Mode (and t.Owner)
// to the staged copy and copies it over t.Destination. The destination is
// written last, so any earlier failure leaves it untouched.
func (i *Installer) Install(ctx context.Context, t Target) error {
	staged, err := i.assets.Materialize(ctx, t.Asset, t.StagingName, t.Mode)
	if err != nil {
		i.sink.Append("Failed to extract resource " + t.StagingName)
		return err
	}
	i.sink.Append("Copied resource to " + t.StagingName)

	if err := i.setter.SetMode(ctx, staged, t.Mode); err != nil {
		return err
	}
	if t.Owner != nil {
		if err := i.setter.SetOwner(ctx, staged, *t.Owner); err != nil {
			return err
		}
	}

	if err := i.setter.Promote(ctx, staged, t.Destination, true); err != nil {
		i.sink.Append("Failed to copy " + t.StagingName + " into " + t.Destination)
		return err
	}

	i.logger.Info("target installed", "asset", t.Asset, "destination", t.Destination, "mode", fmt.Sprintf("%04o", t.Mode))
	return nil
}

// NativeLibrary returns the path of the packaged library for tool name.
func (i *Installer) NativeLibrary(name string) string {
	return filepath.Join(i.nativeDir, "lib"+name+".so")
}

// InstallNative installs a command-line tool shipped as a native library:
// lib<name>.so is copied to dest, owned by root and given mode.
func (i *Installer) InstallNative(ctx context.Context, name, dest string, mode os.FileMode) error {
	lib := i.NativeLibrary(name)
	f, err := os.Open(lib)
	if err != nil {
		i.sink.Append("Can't find: " + lib)
		return &executor.OpError{Kind: executor.KindAsset, Op: "open native library", Path: lib, Err: err}
	}
	f.Close()

	if err := i.setter.Promote(ctx, lib, dest, true); err != nil {
		i.sink.Append("Failed to copy " + lib + " to " + dest)
		return err
	}

	if err := i.setter.SetOwner(ctx, dest, perm.Root); err != nil {
		i.sink.Append("Failed to set owner for " + dest)
		return err
	}

	if err := i.setter.SetMode(ctx, dest, mode); err != nil {
		i.sink.Append("Failed to set permissions for " + dest)
		return err
	}

	i.sink.Append(name + " installed correctly")
	i.logger.Info("native tool installed", "name", name, "destination", dest)
	return nil
}
