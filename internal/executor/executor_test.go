package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedCmd is one process invocation captured by fakeProcesses.
type recordedCmd struct {
	name string
	args []string
}

func (c recordedCmd) String() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

// fakeProcesses replaces process execution and answers from a script.
type fakeProcesses struct {
	mu      sync.Mutex
	calls   []recordedCmd
	respond func(name string, args []string) (*CommandOutput, error)
}

func (f *fakeProcesses) run(_ context.Context, _ io.Reader, name string, args ...string) (*CommandOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCmd{name: name, args: args})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(name, args)
	}
	return &CommandOutput{}, nil
}

func (f *fakeProcesses) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

func newTestRunner(elevation Elevation, procs *fakeProcesses) *Runner {
	r := NewRunner(elevation, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.run = procs.run
	r.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	r.geteuid = func() int { return 1000 }
	r.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }
	return r
}

func TestParseElevation(t *testing.T) {
	for in, want := range map[string]Elevation{
		"":      ElevationSudo,
		"sudo":  ElevationSudo,
		"SU":    ElevationSu,
		" none": ElevationNone,
	} {
		got, err := ParseElevation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseElevation("doas")
	assert.Error(t, err)
}

func TestElevationWrap(t *testing.T) {
	lookPath := func(name string) (string, error) { return "/bin/" + name, nil }

	bin, args, err := ElevationSudo.wrap(lookPath, "chmod", []string{"0644", "/system/x"})
	require.NoError(t, err)
	assert.Equal(t, "sudo", bin)
	assert.Equal(t, []string{"-n", "/bin/chmod", "0644", "/system/x"}, args)

	bin, args, err = ElevationSu.wrap(lookPath, "ls", []string{"-n", "/system/bin/my file"})
	require.NoError(t, err)
	assert.Equal(t, "su", bin)
	assert.Equal(t, []string{"-c", "ls -n '/system/bin/my file'"}, args)

	bin, args, err = ElevationNone.wrap(lookPath, "id", []string{"-u"})
	require.NoError(t, err)
	assert.Equal(t, "id", bin)
	assert.Equal(t, []string{"-u"}, args)

	_, _, err = ElevationSudo.wrap(func(string) (string, error) { return "", errors.New("nope") }, "missing", nil)
	assert.EqualError(t, err, "command not found: missing")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "/system/bin/netd", shellQuote("/system/bin/netd"))
	assert.Equal(t, "'it'\\''s'", shellQuote("it's"))
	assert.Equal(t, "'a;b'", shellQuote("a;b"))
}

func TestRunnerCopyFile(t *testing.T) {
	procs := &fakeProcesses{}
	r := newTestRunner(ElevationSudo, procs)

	require.NoError(t, r.CopyFile(context.Background(), "/a", "/b", CopyOptions{Overwrite: true, PreserveAttrs: true}))
	require.NoError(t, r.CopyFile(context.Background(), "/a", "/c", CopyOptions{}))

	assert.Equal(t, []string{
		"sudo -n /usr/bin/cp -f -p /a /b",
		"sudo -n /usr/bin/cp -n /a /c",
	}, procs.commands())
}

func TestRunnerCopyFileFailure(t *testing.T) {
	procs := &fakeProcesses{respond: func(string, []string) (*CommandOutput, error) {
		return &CommandOutput{ExitCode: 1, Stderr: "cp: cannot create regular file\n"}, nil
	}}
	r := newTestRunner(ElevationSudo, procs)

	err := r.CopyFile(context.Background(), "/a", "/system/b", CopyOptions{Overwrite: true})
	require.Error(t, err)
	assert.Equal(t, KindCopy, KindOf(err))

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 1, opErr.ExitCode)
	assert.Equal(t, "/system/b", opErr.Path)
	assert.Contains(t, err.Error(), "cannot create regular file")
}

func TestRunnerRemountUsesMountCommand(t *testing.T) {
	procs := &fakeProcesses{}
	r := newTestRunner(ElevationSu, procs)

	require.NoError(t, r.Remount(context.Background(), "/system", ReadWrite))
	require.NoError(t, r.Remount(context.Background(), "/system", ReadOnly))

	assert.Equal(t, []string{
		"su -c mount -o remount,rw /system",
		"su -c mount -o remount,ro /system",
	}, procs.commands())
}

func TestRunnerRemountFailure(t *testing.T) {
	procs := &fakeProcesses{respond: func(string, []string) (*CommandOutput, error) {
		return &CommandOutput{ExitCode: 32, Stderr: "mount: permission denied"}, nil
	}}
	r := newTestRunner(ElevationSudo, procs)

	err := r.Remount(context.Background(), "/system", ReadWrite)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 32")
}

func TestRunnerExists(t *testing.T) {
	procs := &fakeProcesses{respond: func(_ string, args []string) (*CommandOutput, error) {
		if args[len(args)-1] == "/present" {
			return &CommandOutput{}, nil
		}
		return &CommandOutput{ExitCode: 1}, nil
	}}
	r := newTestRunner(ElevationSudo, procs)

	assert.True(t, r.Exists(context.Background(), "/present"))
	assert.False(t, r.Exists(context.Background(), "/absent"))

	dir := t.TempDir()
	local := newTestRunner(ElevationNone, &fakeProcesses{})
	assert.True(t, local.Exists(context.Background(), dir))
	assert.False(t, local.Exists(context.Background(), filepath.Join(dir, "missing")))
}

func TestRunnerReadHead(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "netd")
	require.NoError(t, os.WriteFile(script, []byte("#!/system/bin/sh\nexec netd.orig \"$@\"\n"), 0o755))
	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("ELF"), 0o755))

	r := newTestRunner(ElevationSudo, &fakeProcesses{})

	head, err := r.ReadHead(context.Background(), script, 16)
	require.NoError(t, err)
	assert.Equal(t, "#!/system/bin/sh", string(head))

	head, err = r.ReadHead(context.Background(), short, 16)
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(head))

	_, err = r.ReadHead(context.Background(), filepath.Join(dir, "missing"), 16)
	assert.Error(t, err)
}

func TestRunnerShellVerifiesRoot(t *testing.T) {
	procs := &fakeProcesses{respond: func(string, []string) (*CommandOutput, error) {
		return &CommandOutput{Stdout: "0"}, nil
	}}
	r := newTestRunner(ElevationSu, procs)

	s1, err := r.Shell(context.Background())
	require.NoError(t, err)
	s2, err := r.Shell(context.Background())
	require.NoError(t, err)
	assert.Same(t, s1, s2, "session is reused")
	assert.Equal(t, []string{"su -c id -u"}, procs.commands())

	require.NoError(t, s1.Close())
	_, err = s1.Run(context.Background(), "ls")
	assert.Equal(t, KindShell, KindOf(err))
}

func TestRunnerShellRejectsNonRoot(t *testing.T) {
	procs := &fakeProcesses{respond: func(string, []string) (*CommandOutput, error) {
		return &CommandOutput{Stdout: "2000"}, nil
	}}
	r := newTestRunner(ElevationSudo, procs)

	_, err := r.Shell(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindShell, KindOf(err))
	assert.Len(t, procs.commands(), 1, "a non-root answer is not retried")
}

func TestRunnerShellRetries(t *testing.T) {
	attempts := 0
	procs := &fakeProcesses{respond: func(string, []string) (*CommandOutput, error) {
		attempts++
		if attempts < 3 {
			return &CommandOutput{ExitCode: 1, Stderr: "Permission denied"}, nil
		}
		return &CommandOutput{Stdout: "0\n"}, nil
	}}
	r := newTestRunner(ElevationSu, procs)

	_, err := r.Shell(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPurgeDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.conf"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	procs := &fakeProcesses{}
	r := newTestRunner(ElevationSudo, procs)

	require.NoError(t, PurgeDir(context.Background(), r, dir))
	assert.ElementsMatch(t, []string{
		"sudo -n /usr/bin/rm -rf " + filepath.Join(dir, "main.conf"),
		"sudo -n /usr/bin/rm -rf " + filepath.Join(dir, "sub"),
	}, procs.commands())
}

func TestPurgeDirRefusesProtectedPaths(t *testing.T) {
	r := newTestRunner(ElevationSudo, &fakeProcesses{})
	for _, p := range []string{"/", "/system", "/system/bin/", "/data", "/lost+found"} {
		assert.Error(t, PurgeDir(context.Background(), r, p), p)
	}
	assert.Error(t, PurgeDir(context.Background(), r, "relative/dir"))
}

func TestPurgeDirMissingIsNoop(t *testing.T) {
	procs := &fakeProcesses{}
	r := newTestRunner(ElevationSudo, procs)
	require.NoError(t, PurgeDir(context.Background(), r, filepath.Join(t.TempDir(), "gone")))
	assert.Empty(t, procs.commands())
}

func TestOpErrorMessage(t *testing.T) {
	err := &OpError{Kind: KindPermission, Op: "chmod 0644", Path: "/system/x", ExitCode: 1}
	assert.Equal(t, "chmod 0644 /system/x: exit code 1", err.Error())
	assert.Equal(t, "permission", err.Kind.String())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
