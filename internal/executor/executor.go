// Package executor runs privileged filesystem operations for the provisioner.
//
// Every operation is synchronous: it blocks until the underlying command has
// finished and reports the outcome through an explicit result. Timeouts and
// cancellation come from the caller's context.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MountMode is the access mode requested from a remount.
type MountMode int

const (
	ReadOnly MountMode = iota
	ReadWrite
)

func (m MountMode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "ro"
}

// CopyOptions controls CopyFile.
type CopyOptions struct {
	// Overwrite replaces an existing destination.
	Overwrite bool
	// PreserveAttrs keeps mode, ownership and timestamps of the source.
	PreserveAttrs bool
}

// Privileged is the elevated-access capability the provisioner depends on.
type Privileged interface {
	// Run executes a command as root. A non-zero exit is reported in the
	// output, not as an error.
	Run(ctx context.Context, name string, args ...string) (*CommandOutput, error)
	// CopyFile copies src to dst as root.
	CopyFile(ctx context.Context, src, dst string, opts CopyOptions) error
	// Remount changes the access mode of a mounted filesystem.
	Remount(ctx context.Context, mountPoint string, mode MountMode) error
	// Exists reports whether path exists, as seen by root.
	Exists(ctx context.Context, path string) bool
	// ReadHead returns up to n leading bytes of path.
	ReadHead(ctx context.Context, path string, n int) ([]byte, error)
	// Shell returns a verified root shell session.
	Shell(ctx context.Context) (Session, error)
}

// Session is a privileged shell obtained from Privileged.Shell.
type Session interface {
	Run(ctx context.Context, name string, args ...string) (*CommandOutput, error)
	Close() error
}

// runFunc matches runCmd and lets tests substitute process execution.
type runFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) (*CommandOutput, error)

// Runner implements Privileged on top of local processes.
type Runner struct {
	elevation Elevation
	logger    *slog.Logger

	run        runFunc
	lookPath   func(string) (string, error)
	geteuid    func() int
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	session *rootSession
}

// NewRunner creates a Runner that elevates commands with the given mode.
func NewRunner(elevation Elevation, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		elevation: elevation,
		logger:    logger,
		run:       runCmd,
		lookPath:  defaultLookPath,
		geteuid:   os.Geteuid,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// Elevation returns the configured elevation mode.
func (r *Runner) Elevation() Elevation {
	return r.elevation
}

// Run executes a command with root privileges.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*CommandOutput, error) {
	bin, argv, err := r.elevation.wrap(r.lookPath, name, args)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("running privileged command", "command", name, "args", args, "elevation", r.elevation)
	out, err := r.run(ctx, nil, bin, argv...)
	if err != nil {
		return out, fmt.Errorf("run %s: %s", name, formatCmdError(err, out))
	}
	if !out.Success() {
		r.logger.Debug("privileged command exited non-zero",
			"command", name,
			"exit_code", out.ExitCode,
			"stderr", strings.TrimSpace(out.Stderr),
		)
	}
	return out, nil
}

// CopyFile copies src to dst using cp.
func (r *Runner) CopyFile(ctx context.Context, src, dst string, opts CopyOptions) error {
	args := []string{}
	if opts.Overwrite {
		args = append(args, "-f")
	} else {
		args = append(args, "-n")
	}
	if opts.PreserveAttrs {
		args = append(args, "-p")
	}
	args = append(args, src, dst)

	out, err := r.Run(ctx, "cp", args...)
	if err != nil {
		return &OpError{Kind: KindCopy, Op: "copy " + src + " to", Path: dst, Err: err}
	}
	if !out.Success() {
		return &OpError{
			Kind:     KindCopy,
			Op:       "copy " + src + " to",
			Path:     dst,
			ExitCode: out.ExitCode,
			Err:      stderrError(out),
		}
	}
	return nil
}

// Remount remounts mountPoint with the requested mode. When the process is
// already root and no elevation is configured, the mount syscall is used
// directly.
func (r *Runner) Remount(ctx context.Context, mountPoint string, mode MountMode) error {
	if r.elevation == ElevationNone && r.geteuid() == 0 {
		if err := remountNative(mountPoint, mode); err == nil {
			return nil
		} else if !errors.Is(err, errNativeRemountUnsupported) {
			return fmt.Errorf("remount %s %s: %w", mountPoint, mode, err)
		}
	}

	out, err := r.Run(ctx, "mount", "-o", "remount,"+mode.String(), mountPoint)
	if err != nil {
		return fmt.Errorf("remount %s %s: %w", mountPoint, mode, err)
	}
	if !out.Success() {
		return fmt.Errorf("remount %s %s: exit code %d: %s",
			mountPoint, mode, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

// Exists reports whether path exists.
func (r *Runner) Exists(ctx context.Context, path string) bool {
	if r.elevation == ElevationNone {
		_, err := os.Lstat(path)
		return err == nil
	}
	out, err := r.Run(ctx, "test", "-e", path)
	return err == nil && out.Success()
}

// ReadHead reads up to n bytes from the start of path. The file is read
// directly when possible and through `head -c` as root otherwise.
func (r *Runner) ReadHead(ctx context.Context, path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		buf := make([]byte, n)
		read, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return buf[:read], nil
	}
	if !errors.Is(err, os.ErrPermission) {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	out, err := r.Run(ctx, "head", "-c", strconv.Itoa(n), path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !out.Success() {
		return nil, fmt.Errorf("read %s: exit code %d", path, out.ExitCode)
	}
	head := []byte(out.Stdout)
	if len(head) > n {
		head = head[:n]
	}
	return head, nil
}

// Shell returns the runner's root session, verifying on first use that
// commands really execute as uid 0. Acquisition is retried briefly because
// root brokers on handsets may need a moment to grant access.
func (r *Runner) Shell(ctx context.Context) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil && !r.session.closed {
		return r.session, nil
	}

	var uid string
	operation := func() error {
		out, err := r.Run(ctx, "id", "-u")
		if err != nil {
			return err
		}
		if !out.Success() {
			return fmt.Errorf("id exited with code %d", out.ExitCode)
		}
		uid = strings.TrimSpace(out.Stdout)
		if uid != "0" {
			return backoff.Permanent(fmt.Errorf("shell runs as uid %s, not root", uid))
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
		return nil, &OpError{Kind: KindShell, Op: "open root shell", Err: err}
	}

	r.logger.Debug("root shell acquired", "elevation", r.elevation)
	r.session = &rootSession{runner: r}
	return r.session, nil
}

// rootSession runs commands through its Runner after root was verified.
type rootSession struct {
	runner *Runner
	closed bool
}

func (s *rootSession) Run(ctx context.Context, name string, args ...string) (*CommandOutput, error) {
	s.runner.mu.Lock()
	closed := s.closed
	s.runner.mu.Unlock()
	if closed {
		return nil, &OpError{Kind: KindShell, Op: "run " + name, Err: errors.New("session closed")}
	}
	return s.runner.Run(ctx, name, args...)
}

func (s *rootSession) Close() error {
	s.runner.mu.Lock()
	defer s.runner.mu.Unlock()
	s.closed = true
	return nil
}

// stderrError converts captured stderr into an error value, or nil.
func stderrError(out *CommandOutput) error {
	if out == nil || strings.TrimSpace(out.Stderr) == "" {
		return nil
	}
	return errors.New(strings.TrimSpace(out.Stderr))
}
