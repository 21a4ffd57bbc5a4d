// Package executortest provides an in-process fake of executor.Privileged.
//
// The fake performs copies, mode changes and removals on the real filesystem
// (tests point it at t.TempDir()), records ownership in memory since tests
// do not run as root, and keeps an ordered journal of every call.
package executortest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/manchtools/power-manage/provisioner/internal/executor"
)

// Fake implements executor.Privileged.
type Fake struct {
	mu       sync.Mutex
	calls    []string
	owners   map[string]string
	mounts   map[string]executor.MountMode
	failures []failure
	outputs  map[string]*executor.CommandOutput
}

type failure struct {
	prefix   string
	exitCode int
	err      error
}

var _ executor.Privileged = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		owners:  make(map[string]string),
		mounts:  make(map[string]executor.MountMode),
		outputs: make(map[string]*executor.CommandOutput),
	}
}

// FailExit makes every call whose journal entry starts with prefix exit with
// exitCode. Copies and remounts fail with an error instead.
func (f *Fake) FailExit(prefix string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{prefix: prefix, exitCode: exitCode})
}

// FailErr makes every call whose journal entry starts with prefix return err.
func (f *Fake) FailErr(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{prefix: prefix, err: err})
}

// SetOutput scripts the output of a command line such as "ls -n /system/bin/netd".
func (f *Fake) SetOutput(cmdline string, out *executor.CommandOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[cmdline] = out
}

// SetOwner records path as owned by owner ("uid:gid").
func (f *Fake) SetOwner(path, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[path] = owner
}

// Owner returns the recorded owner of path, or "".
func (f *Fake) Owner(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[path]
}

// Mount returns the last mode a mount point was remounted with.
func (f *Fake) Mount(mountPoint string) (executor.MountMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mounts[mountPoint]
	return m, ok
}

// Calls returns the journal.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsWithPrefix returns the journal entries starting with prefix.
func (f *Fake) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Index returns the position of the first journal entry equal to call, or -1.
func (f *Fake) Index(call string) int {
	for i, c := range f.Calls() {
		if c == call {
			return i
		}
	}
	return -1
}

// record appends call to the journal and returns the matching failure, if any.
func (f *Fake) record(call string) *failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	for i := range f.failures {
		if strings.HasPrefix(call, f.failures[i].prefix) {
			fl := f.failures[i]
			return &fl
		}
	}
	return nil
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (*executor.CommandOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmdline := strings.Join(append([]string{name}, args...), " ")
	if fl := f.record("run " + cmdline); fl != nil {
		if fl.err != nil {
			return nil, fl.err
		}
		return &executor.CommandOutput{ExitCode: fl.exitCode, Stderr: "fake failure"}, nil
	}

	f.mu.Lock()
	scripted, ok := f.outputs[cmdline]
	f.mu.Unlock()
	if ok {
		return scripted, nil
	}

	switch name {
	case "chmod":
		if len(args) == 2 {
			mode, err := strconv.ParseUint(args[0], 8, 32)
			if err != nil {
				return &executor.CommandOutput{ExitCode: 1, Stderr: err.Error()}, nil
			}
			if err := os.Chmod(args[1], os.FileMode(mode)); err != nil {
				return &executor.CommandOutput{ExitCode: 1, Stderr: err.Error()}, nil
			}
		}
	case "chown":
		if len(args) == 2 {
			if _, err := os.Lstat(args[1]); err != nil {
				return &executor.CommandOutput{ExitCode: 1, Stderr: err.Error()}, nil
			}
			f.SetOwner(args[1], args[0])
		}
	case "rm":
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				os.RemoveAll(a)
			}
		}
	case "ls":
		if len(args) == 2 && args[0] == "-n" {
			return f.listing(args[1]), nil
		}
	case "test":
		if len(args) == 2 && args[0] == "-e" {
			if _, err := os.Lstat(args[1]); err != nil {
				return &executor.CommandOutput{ExitCode: 1}, nil
			}
		}
	case "id":
		return &executor.CommandOutput{Stdout: "0"}, nil
	}
	return &executor.CommandOutput{}, nil
}

// listing renders an `ls -n` line from the file and the recorded owner.
func (f *Fake) listing(path string) *executor.CommandOutput {
	info, err := os.Lstat(path)
	if err != nil {
		return &executor.CommandOutput{ExitCode: 1, Stderr: err.Error()}
	}
	owner := f.Owner(path)
	if owner == "" {
		owner = "0:0"
	}
	user, group, _ := strings.Cut(owner, ":")
	return &executor.CommandOutput{
		Stdout: fmt.Sprintf("%s 1 %s %s %d 2013-06-01 12:00 %s",
			info.Mode().String(), user, group, info.Size(), filepath.Base(path)),
	}
}

func (f *Fake) CopyFile(ctx context.Context, src, dst string, opts executor.CopyOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fl := f.record("copy " + src + " " + dst); fl != nil {
		err := fl.err
		if err == nil {
			err = errors.New("fake failure")
		}
		return &executor.OpError{Kind: executor.KindCopy, Op: "copy " + src + " to", Path: dst, ExitCode: fl.exitCode, Err: err}
	}

	if !opts.Overwrite {
		if _, err := os.Lstat(dst); err == nil {
			return nil
		}
	}
	if err := copyContent(src, dst); err != nil {
		return &executor.OpError{Kind: executor.KindCopy, Op: "copy " + src + " to", Path: dst, ExitCode: 1, Err: err}
	}
	if opts.PreserveAttrs {
		if info, err := os.Stat(src); err == nil {
			os.Chmod(dst, info.Mode().Perm())
		}
		if owner := f.Owner(src); owner != "" {
			f.SetOwner(dst, owner)
		}
	}
	return nil
}

func copyContent(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// cp -f unlinks a destination it cannot open for writing.
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		os.Remove(dst)
		out, err = os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (f *Fake) Remount(ctx context.Context, mountPoint string, mode executor.MountMode) error {
	if fl := f.record("remount " + mountPoint + " " + mode.String()); fl != nil {
		if fl.err != nil {
			return fl.err
		}
		return fmt.Errorf("remount %s %s: exit code %d", mountPoint, mode, fl.exitCode)
	}
	f.mu.Lock()
	f.mounts[mountPoint] = mode
	f.mu.Unlock()
	return nil
}

func (f *Fake) Exists(ctx context.Context, path string) bool {
	if fl := f.record("exists " + path); fl != nil {
		return false
	}
	_, err := os.Lstat(path)
	return err == nil
}

func (f *Fake) ReadHead(ctx context.Context, path string, n int) ([]byte, error) {
	if fl := f.record("readhead " + path); fl != nil {
		if fl.err != nil {
			return nil, fl.err
		}
		return nil, fmt.Errorf("read %s: exit code %d", path, fl.exitCode)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

func (f *Fake) Shell(ctx context.Context) (executor.Session, error) {
	if fl := f.record("shell"); fl != nil {
		err := fl.err
		if err == nil {
			err = errors.New("fake failure")
		}
		return nil, &executor.OpError{Kind: executor.KindShell, Op: "open root shell", Err: err}
	}
	return &session{fake: f}, nil
}

type session struct {
	fake *Fake
}

func (s *session) Run(ctx context.Context, name string, args ...string) (*executor.CommandOutput, error) {
	return s.fake.Run(ctx, name, args...)
}

func (s *session) Close() error {
	return nil
}
