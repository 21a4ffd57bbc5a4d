package perm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/executor/executortest"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
)

func newTestSetter(t *testing.T, mountPoint string) (*Setter, *executortest.Fake, *logsink.Memory) {
	t.Helper()
	fake := executortest.New()
	sink := logsink.NewMemory()
	bracket := NewBracket(fake, mountPoint, sink, nil)
	return NewSetter(fake, bracket, sink, nil), fake, sink
}

func TestOwnershipString(t *testing.T) {
	assert.Equal(t, "0:0", Root.String())
	assert.Equal(t, "root", Ownership{User: "root"}.String())
	assert.Equal(t, ":shell", Ownership{Group: "shell"}.String())
	assert.Equal(t, "1000:2000", Ownership{User: "1000", Group: "2000"}.String())
	assert.True(t, Ownership{}.IsZero())
}

func TestBracketCovers(t *testing.T) {
	b := NewBracket(executortest.New(), "/system/", logsink.NewMemory(), nil)
	assert.True(t, b.Covers("/system"))
	assert.True(t, b.Covers("/system/bin/netd"))
	assert.False(t, b.Covers("/systemd/unit"))
	assert.False(t, b.Covers("/data/data/app/files/main.conf"))
}

func TestSetModeUnderMountIsBracketed(t *testing.T) {
	sys := t.TempDir()
	target := filepath.Join(sys, "framework.jar")
	require.NoError(t, os.WriteFile(target, []byte("jar"), 0o600))

	s, fake, sink := newTestSetter(t, sys)
	require.NoError(t, s.SetMode(context.Background(), target, 0o644))

	assert.Equal(t, []string{
		"remount " + sys + " rw",
		"run chmod 0644 " + target,
		"remount " + sys + " ro",
	}, fake.Calls())
	assert.Empty(t, sink.Lines())

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	mode, ok := fake.Mount(sys)
	require.True(t, ok)
	assert.Equal(t, executor.ReadOnly, mode)
}

func TestSetModeOutsideMountIsNotBracketed(t *testing.T) {
	staging := t.TempDir()
	target := filepath.Join(staging, "main.conf")
	require.NoError(t, os.WriteFile(target, nil, 0o600))

	s, fake, _ := newTestSetter(t, "/system")
	require.NoError(t, s.SetMode(context.Background(), target, 0o666))
	assert.Equal(t, []string{"run chmod 0666 " + target}, fake.Calls())
}

func TestSetModeFailureIsLoggedWithExitCode(t *testing.T) {
	sys := t.TempDir()
	target := filepath.Join(sys, "x")

	s, fake, sink := newTestSetter(t, sys)
	fake.FailExit("run chmod", 1)

	err := s.SetMode(context.Background(), target, 0o444)
	require.Error(t, err)
	assert.Equal(t, executor.KindPermission, executor.KindOf(err))
	assert.Equal(t, []string{"Error while doing chmod: file: " + target + ", exit code: 1"}, sink.Lines())

	// the partition is restored even on failure
	assert.Equal(t, "remount "+sys+" ro", fake.Calls()[len(fake.Calls())-1])
}

func TestRemountFailureIsNotFatal(t *testing.T) {
	sys := t.TempDir()
	target := filepath.Join(sys, "x")
	require.NoError(t, os.WriteFile(target, nil, 0o644))

	s, fake, _ := newTestSetter(t, sys)
	fake.FailErr("remount", errors.New("device busy"))

	require.NoError(t, s.SetOwner(context.Background(), target, Root))
	assert.Equal(t, "0:0", fake.Owner(target))
}

func TestSetOwnerCommandError(t *testing.T) {
	s, fake, sink := newTestSetter(t, "/system")
	fake.FailErr("run chown", errors.New("su: not found"))

	err := s.SetOwner(context.Background(), "/data/x", Ownership{User: "0", Group: "2000"})
	require.Error(t, err)
	assert.Equal(t, executor.KindPermission, executor.KindOf(err))
	assert.Contains(t, sink.Last(), "Error while doing chown: file: /data/x")
}

func TestSetOwnerZeroIsNoop(t *testing.T) {
	s, fake, _ := newTestSetter(t, "/system")
	require.NoError(t, s.SetOwner(context.Background(), "/system/x", Ownership{}))
	assert.Empty(t, fake.Calls())
}

func TestPromoteAndBackup(t *testing.T) {
	sys := t.TempDir()
	staging := t.TempDir()
	live := filepath.Join(sys, "main.conf")
	staged := filepath.Join(staging, "main.conf")
	require.NoError(t, os.WriteFile(live, []byte("old\n"), 0o444))
	require.NoError(t, os.WriteFile(staged, []byte("new\n"), 0o444))

	s, fake, _ := newTestSetter(t, sys)

	backup, err := s.Backup(context.Background(), live)
	require.NoError(t, err)
	assert.Equal(t, live+".orig", backup)
	require.NoError(t, s.Promote(context.Background(), staged, live, true))

	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))
	data, err = os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	assert.Less(t, fake.Index("copy "+live+" "+backup), fake.Index("copy "+staged+" "+live))
}

func TestPromoteFailure(t *testing.T) {
	sys := t.TempDir()
	s, fake, _ := newTestSetter(t, sys)
	fake.FailExit("copy", 1)

	err := s.Promote(context.Background(), "/staging/a", filepath.Join(sys, "a"), true)
	require.Error(t, err)
	assert.Equal(t, executor.KindCopy, executor.KindOf(err))
}
