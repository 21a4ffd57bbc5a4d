// Package perm applies ownership and mode changes to files on the system
// partition. Every mutation under the read-only mount point is wrapped in a
// remount bracket: the partition is remounted read-write, the change is made
// and the partition is remounted read-only again.
package perm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
)

// Ownership is a user/group pair as accepted by chown. Values may be numeric
// ids or names.
type Ownership struct {
	User  string
	Group string
}

// Root is uid 0, gid 0.
var Root = Ownership{User: "0", Group: "0"}

// String returns the "owner:group" form used by chown. If only owner is
// set it returns "owner"; if only group is set it returns ":group".
func (o Ownership) String() string {
	if o.Group == "" {
		return o.User
	}
	if o.User == "" {
		return ":" + o.Group
	}
	return o.User + ":" + o.Group
}

// IsZero reports whether neither user nor group is set.
func (o Ownership) IsZero() bool {
	return o.User == "" && o.Group == ""
}

// Bracket makes a mount point writable for the duration of a mutation.
type Bracket struct {
	exec       executor.Privileged
	mountPoint string
	sink       logsink.Sink
	logger     *slog.Logger
}

// NewBracket creates a Bracket for mountPoint.
func NewBracket(exec executor.Privileged, mountPoint string, sink logsink.Sink, logger *slog.Logger) *Bracket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bracket{
		exec:       exec,
		mountPoint: filepath.Clean(mountPoint),
		sink:       sink,
		logger:     logger,
	}
}

// MountPoint returns the bracketed mount point.
func (b *Bracket) MountPoint() string {
	return b.mountPoint
}

// Covers reports whether path lives under the bracketed mount point.
func (b *Bracket) Covers(path string) bool {
	clean := filepath.Clean(path)
	if clean == b.mountPoint {
		return true
	}
	prefix := b.mountPoint
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(clean, prefix)
}

// Do runs fn, remounting the mount point read-write around it when path is
// on that mount. Remount failures are logged but do not stop fn; only fn's
// result is returned.
func (b *Bracket) Do(ctx context.Context, path string, fn func() error) error {
	if !b.Covers(path) {
		return fn()
	}

	if err := b.exec.Remount(ctx, b.mountPoint, executor.ReadWrite); err != nil {
		b.logger.Warn("remount read-write failed", "mount_point", b.mountPoint, "path", path, "error", err)
	}
	defer func() {
		if err := b.exec.Remount(ctx, b.mountPoint, executor.ReadOnly); err != nil {
			b.logger.Warn("remount read-only failed", "mount_point", b.mountPoint, "path", path, "error", err)
		}
	}()
	return fn()
}

// Setter changes file metadata through the privileged executor.
type Setter struct {
	exec    executor.Privileged
	bracket *Bracket
	sink    logsink.Sink
	logger  *slog.Logger
}

// NewSetter creates a Setter. sink receives an operator-facing message for
// every failure.
func NewSetter(exec executor.Privileged, bracket *Bracket, sink logsink.Sink, logger *slog.Logger) *Setter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Setter{
		exec:    exec,
		bracket: bracket,
		sink:    sink,
		logger:  logger,
	}
}

// SetMode runs chmod on path. mode is written in octal, e.g. 0644.
func (s *Setter) SetMode(ctx context.Context, path string, mode os.FileMode) error {
	return s.change(ctx, "chmod", fmt.Sprintf("%04o", mode.Perm()), path)
}

// SetOwner runs chown on path.
func (s *Setter) SetOwner(ctx context.Context, path string, owner Ownership) error {
	if owner.IsZero() {
		return nil
	}
	return s.change(ctx, "chown", owner.String(), path)
}

func (s *Setter) change(ctx context.Context, command, arg, path string) error {
	var output *executor.CommandOutput
	err := s.bracket.Do(ctx, path, func() error {
		var err error
		output, err = s.exec.Run(ctx, command, arg, path)
		return err
	})

	if err != nil {
		s.sink.Append(fmt.Sprintf("Error while doing %s: file: %s, %v", command, path, err))
		s.logger.Error(command+" failed", "path", path, "arg", arg, "error", err)
		return &executor.OpError{Kind: executor.KindPermission, Op: command + " " + arg, Path: path, Err: err}
	}
	if !output.Success() {
		s.sink.Append(fmt.Sprintf("Error while doing %s: file: %s, exit code: %d", command, path, output.ExitCode))
		s.logger.Error(command+" failed",
			"path", path,
			"arg", arg,
			"exit_code", output.ExitCode,
			"stderr", strings.TrimSpace(output.Stderr),
		)
		return &executor.OpError{Kind: executor.KindPermission, Op: command + " " + arg, Path: path, ExitCode: output.ExitCode}
	}

	s.logger.Debug(command+" applied", "path", path, "arg", arg)
	return nil
}

// Promote copies a staged file over its system destination, overwriting
// whatever is there.
func (s *Setter) Promote(ctx context.Context, src, dst string, preserve bool) error {
	err := s.bracket.Do(ctx, dst, func() error {
		return s.exec.CopyFile(ctx, src, dst, executor.CopyOptions{Overwrite: true, PreserveAttrs: preserve})
	})
	if err != nil {
		s.logger.Error("copy failed", "src", src, "dst", dst, "error", err)
		return err
	}
	return nil
}

// Backup copies path to path+".orig", preserving attributes.
func (s *Setter) Backup(ctx context.Context, path string) (string, error) {
	backup := path + ".orig"
	if err := s.Promote(ctx, path, backup, true); err != nil {
		return "", err
	}
	s.logger.Info("backup created", "path", path, "backup", backup)
	return backup, nil
}
