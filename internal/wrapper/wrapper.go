// Package wrapper replaces a system daemon executable with a shell shim that
// intercepts it. The original binary is kept at <path>.orig and the shim
// inherits the daemon's owner and group.
package wrapper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/manchtools/power-manage/provisioner/internal/assets"
	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
)

// ShimHeader is the first line of an installed shim.
const ShimHeader = "#!/system/bin/sh"

// shimMode is applied to the staged shim before its ownership is set.
const shimMode os.FileMode = 0o755

// ErrListingFormat is returned when `ls -n` output does not have the
// expected layout.
var ErrListingFormat = errors.New("unexpected listing format")

// ParseListing extracts the owner and group from one line of `ls -n`
// output. The expected layout is
//
//	<mode> <links> <owner> <group> <size> ...
//
// The mode must be a ten character permission string and links a decimal
// number; anything else is rejected rather than guessed at.
func ParseListing(out string) (perm.Ownership, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return perm.Ownership{}, listingError(out, fmt.Errorf("%w: %d fields", ErrListingFormat, len(fields)))
	}
	if !validModeField(fields[0]) {
		return perm.Ownership{}, listingError(out, fmt.Errorf("%w: mode %q", ErrListingFormat, fields[0]))
	}
	if _, err := strconv.ParseUint(fields[1], 10, 32); err != nil {
		return perm.Ownership{}, listingError(out, fmt.Errorf("%w: link count %q", ErrListingFormat, fields[1]))
	}
	return perm.Ownership{User: fields[2], Group: fields[3]}, nil
}

func listingError(out string, err error) error {
	return &executor.OpError{Kind: executor.KindParse, Op: "parse listing", Path: strings.TrimSpace(out), Err: err}
}

// validModeField accepts "-rwxr-xr-x" style strings, optionally followed by
// an ACL or security context marker.
func validModeField(s string) bool {
	if len(s) < 10 {
		return false
	}
	if !strings.ContainsRune("-dlcbps", rune(s[0])) {
		return false
	}
	for i, c := range s[1:10] {
		allowed := "-" + string("rwxrwxrwx"[i])
		switch i {
		case 2, 5:
			allowed += "sS"
		case 8:
			allowed += "tT"
		}
		if !strings.ContainsRune(allowed, c) {
			return false
		}
	}
	return true
}

// Patcher installs the shim over the daemon at Path.
type Patcher struct {
	exec   executor.Privileged
	assets assets.Provider
	setter *perm.Setter
	sink   logsink.Sink
	logger *slog.Logger
	path   string
}

// NewPatcher creates a Patcher for the daemon at path.
func NewPatcher(exec executor.Privileged, provider assets.Provider, setter *perm.Setter, sink logsink.Sink, path string, logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{
		exec:   exec,
		assets: provider,
		setter: setter,
		sink:   sink,
		logger: logger,
		path:   path,
	}
}

// Path returns the daemon path.
func (p *Patcher) Path() string {
	return p.path
}

// Installed reports whether the daemon already starts with the shim header.
func (p *Patcher) Installed(ctx context.Context) (bool, error) {
	head, err := p.exec.ReadHead(ctx, p.path, len(ShimHeader))
	if err != nil {
		return false, fmt.Errorf("read header of %s: %w", p.path, err)
	}
	return bytes.Equal(head, []byte(ShimHeader)), nil
}

// Ensure patches the daemon unless the shim is already in place. It reports
// whether a patch was applied.
func (p *Patcher) Ensure(ctx context.Context) (bool, error) {
	installed, err := p.Installed(ctx)
	if err != nil {
		p.sink.Append("Failed to read wrapper header")
		return false, err
	}
	if installed {
		p.logger.Info("wrapper already installed", "path", p.path)
		return false, nil
	}
	if err := p.Patch(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Patch backs up the daemon, stages the shim with the daemon's ownership and
// copies it over the daemon. The daemon is only overwritten once every
// earlier step has succeeded.
func (p *Patcher) Patch(ctx context.Context) error {
	if _, err := p.setter.Backup(ctx, p.path); err != nil {
		p.sink.Append("Failed to copy wrapper exe")
		return err
	}
	p.sink.Append("backed up wrapper")

	staged, err := p.assets.Materialize(ctx, assets.Wrapper, filepath.Base(p.path), shimMode)
	if err != nil {
		p.sink.Append("failed to extract wrapper replacement")
		return err
	}
	p.sink.Append("extracted wrapper")

	session, err := p.exec.Shell(ctx)
	if err != nil {
		p.sink.Append("Failed to get a new rooted shell")
		if executor.KindOf(err) == executor.KindShell {
			return err
		}
		return &executor.OpError{Kind: executor.KindShell, Op: "open root shell", Err: err}
	}
	defer session.Close()
	p.sink.Append("got rooted shell")

	owner, err := p.owner(ctx, session)
	if err != nil {
		p.sink.Append("Failed to get wrapper owner")
		return err
	}
	p.sink.Append("got wrapper owner")
	p.logger.Debug("wrapper owner", "path", p.path, "owner", owner.String())

	if err := p.setter.SetOwner(ctx, staged, owner); err != nil {
		p.sink.Append("Failed to change wrapper owner")
		return err
	}
	p.sink.Append("chown of wrapper succesful")

	if err := p.setter.Promote(ctx, staged, p.path, true); err != nil {
		p.sink.Append("Failed to overwriter original with wrapper")
		return err
	}
	p.sink.Append("Wrapper installed")
	p.logger.Info("wrapper installed", "path", p.path, "owner", owner.String())
	return nil
}

func (p *Patcher) owner(ctx context.Context, session executor.Session) (perm.Ownership, error) {
	out, err := session.Run(ctx, "ls", "-n", p.path)
	if err != nil {
		return perm.Ownership{}, &executor.OpError{Kind: executor.KindShell, Op: "ls -n", Path: p.path, Err: err}
	}
	if !out.Success() {
		return perm.Ownership{}, &executor.OpError{
			Kind:     executor.KindShell,
			Op:       "ls -n",
			Path:     p.path,
			ExitCode: out.ExitCode,
			Err:      errors.New(strings.TrimSpace(out.Stderr)),
		}
	}
	return ParseListing(out.Stdout)
}
