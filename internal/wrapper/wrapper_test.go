package wrapper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/power-manage/provisioner/internal/assets"
	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/executor/executortest"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
)

const shim = ShimHeader + "\nexec /system/bin/netd.orig \"$@\"\n"

func TestParseListing(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want perm.Ownership
	}{
		{
			name: "names",
			out:  "-rwxr-xr-x 1 root shell 12345 2013-06-01 12:00 netd",
			want: perm.Ownership{User: "root", Group: "shell"},
		},
		{
			name: "numeric ids",
			out:  "-rwxr-x--- 1 0 2000 98304 2013-06-01 12:00 netd\n",
			want: perm.Ownership{User: "0", Group: "2000"},
		},
		{
			name: "setuid and acl marker",
			out:  "-rwsr-x---+ 2 1000 1000 10 Jun  1 12:00 netd",
			want: perm.Ownership{User: "1000", Group: "1000"},
		},
		{
			name: "extra whitespace",
			out:  "  -rwxr-xr-x   1  root   shell  12345 netd  ",
			want: perm.Ownership{User: "root", Group: "shell"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseListing(tt.out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseListingRejectsUnexpectedFormat(t *testing.T) {
	for _, out := range []string{
		"",
		"-rwxr-xr-x root shell 12345",
		"root shell 12345 netd 1",
		"-rwxr-xr-x x root shell 12345 netd",
		"-rwqr-xr-x 1 root shell 12345 netd",
		"ls: /system/bin/netd: No such file or directory",
	} {
		_, err := ParseListing(out)
		require.Error(t, err, out)
		assert.ErrorIs(t, err, ErrListingFormat, out)
		assert.Equal(t, executor.KindParse, executor.KindOf(err), out)
	}
}

type patchEnv struct {
	sys     string
	staging string
	daemon  string
	fake    *executortest.Fake
	sink    *logsink.Memory
	patcher *Patcher
}

func newPatchEnv(t *testing.T, daemon string) *patchEnv {
	t.Helper()
	e := &patchEnv{
		sys:     t.TempDir(),
		staging: t.TempDir(),
		fake:    executortest.New(),
		sink:    logsink.NewMemory(),
	}
	e.daemon = filepath.Join(e.sys, "netd")
	require.NoError(t, os.WriteFile(e.daemon, []byte(daemon), 0o755))
	e.fake.SetOwner(e.daemon, "0:2000")

	bundle := assets.NewBundle(fstest.MapFS{
		string(assets.Wrapper): {Data: []byte(shim)},
	}, e.staging, nil, nil)
	bracket := perm.NewBracket(e.fake, e.sys, e.sink, nil)
	setter := perm.NewSetter(e.fake, bracket, e.sink, nil)
	e.patcher = NewPatcher(e.fake, bundle, setter, e.sink, e.daemon, nil)
	return e
}

func TestEnsureSkipsInstalledShim(t *testing.T) {
	e := newPatchEnv(t, shim)

	patched, err := e.patcher.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, patched)

	assert.Equal(t, []string{"readhead " + e.daemon}, e.fake.Calls())
	assert.NoFileExists(t, e.daemon+".orig")
	assert.Empty(t, e.sink.Lines())
}

func TestEnsurePatchesDaemon(t *testing.T) {
	e := newPatchEnv(t, "\x7fELF original daemon")

	patched, err := e.patcher.Ensure(context.Background())
	require.NoError(t, err)
	assert.True(t, patched)

	backup, err := os.ReadFile(e.daemon + ".orig")
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF original daemon", string(backup))

	data, err := os.ReadFile(e.daemon)
	require.NoError(t, err)
	assert.Equal(t, shim, string(data))
	assert.Equal(t, "0:2000", e.fake.Owner(e.daemon), "shim inherits the daemon owner")

	installed, err := e.patcher.Installed(context.Background())
	require.NoError(t, err)
	assert.True(t, installed)

	assert.Equal(t, []string{
		"backed up wrapper",
		"extracted wrapper",
		"got rooted shell",
		"got wrapper owner",
		"chown of wrapper succesful",
		"Wrapper installed",
	}, e.sink.Lines())

	// ownership is read from the live daemon before it is replaced
	assert.Less(t, e.fake.Index("run ls -n "+e.daemon), e.fake.Index("copy "+filepath.Join(e.staging, "netd")+" "+e.daemon))
	mode, _ := e.fake.Mount(e.sys)
	assert.Equal(t, executor.ReadOnly, mode)
}

func TestPatchBackupFailureIsFatal(t *testing.T) {
	e := newPatchEnv(t, "daemon")
	e.fake.FailExit("copy "+e.daemon+" "+e.daemon+".orig", 1)

	err := e.patcher.Patch(context.Background())
	require.Error(t, err)
	assert.Equal(t, executor.KindCopy, executor.KindOf(err))
	assert.Equal(t, []string{"Failed to copy wrapper exe"}, e.sink.Lines())
	assert.Empty(t, e.fake.CallsWithPrefix("shell"))

	data, err := os.ReadFile(e.daemon)
	require.NoError(t, err)
	assert.Equal(t, "daemon", string(data))
}

func TestPatchShellFailure(t *testing.T) {
	e := newPatchEnv(t, "daemon")
	e.fake.FailErr("shell", errors.New("su denied"))

	err := e.patcher.Patch(context.Background())
	require.Error(t, err)
	assert.Equal(t, executor.KindShell, executor.KindOf(err))
	assert.Equal(t, "Failed to get a new rooted shell", e.sink.Last())
	assert.Empty(t, e.fake.CallsWithPrefix("run ls"))
}

func TestPatchOwnerQueryFailure(t *testing.T) {
	e := newPatchEnv(t, "daemon")
	e.fake.FailExit("run ls -n", 1)

	err := e.patcher.Patch(context.Background())
	require.Error(t, err)
	assert.Equal(t, executor.KindShell, executor.KindOf(err))
	assert.Equal(t, "Failed to get wrapper owner", e.sink.Last())

	data, err := os.ReadFile(e.daemon)
	require.NoError(t, err)
	assert.Equal(t, "daemon", string(data))
}

func TestPatchUnparseableListing(t *testing.T) {
	e := newPatchEnv(t, "daemon")
	e.fake.SetOutput("ls -n "+e.daemon, &executor.CommandOutput{Stdout: "total 0"})

	err := e.patcher.Patch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListingFormat)
	assert.Empty(t, e.fake.CallsWithPrefix("run chown"))
}

func TestPatchChownFailure(t *testing.T) {
	e := newPatchEnv(t, "daemon")
	e.fake.FailExit("run chown", 1)

	err := e.patcher.Patch(context.Background())
	require.Error(t, err)
	assert.Equal(t, executor.KindPermission, executor.KindOf(err))
	assert.Equal(t, "Failed to change wrapper owner", e.sink.Last())
	assert.Equal(t, -1, e.fake.Index("copy "+filepath.Join(e.staging, "netd")+" "+e.daemon))
}

func TestEnsureHeaderReadFailure(t *testing.T) {
	e := newPatchEnv(t, "daemon")
	e.fake.FailErr("readhead", errors.New("permission denied"))

	_, err := e.patcher.Ensure(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Failed to read wrapper header", e.sink.Last())
	assert.Empty(t, e.fake.CallsWithPrefix("copy"))
}
