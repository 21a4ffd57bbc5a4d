package logsink

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory(t *testing.T) {
	m := NewMemory()
	assert.Empty(t, m.Last())

	m.Append("Copied main.conf")
	m.Append("Installed framework")
	assert.Equal(t, []string{"Copied main.conf", "Installed framework"}, m.Lines())
	assert.Equal(t, "Installed framework", m.Last())

	m.Clear()
	assert.Empty(t, m.Lines())
}

func TestMultiPreservesOrder(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	multi := Multi{a, b}

	multi.Append("one")
	multi.Append("two")
	assert.Equal(t, []string{"one", "two"}, a.Lines())
	assert.Equal(t, []string{"one", "two"}, b.Lines())

	multi.Clear()
	assert.Empty(t, a.Lines())
	assert.Empty(t, b.Lines())
}

func TestConsolePlain(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)
	c.Append("Installed framework")
	c.Append("WARN: failed to update dalvik cache")
	assert.Equal(t, "Installed framework\nWARN: failed to update dalvik cache\n", buf.String())
}

func TestSlogLevels(t *testing.T) {
	var buf bytes.Buffer
	s := NewSlog(slog.New(slog.NewTextHandler(&buf, nil)))
	s.Append("Failed to copy wrapper exe")
	s.Append("WARN: failed to update dalvik cache")
	s.Append("Wrapper installed")

	out := buf.String()
	assert.Contains(t, out, "level=ERROR msg=\"Failed to copy wrapper exe\"")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=INFO msg=\"Wrapper installed\"")
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, slog.LevelError, levelOf("Error while doing chmod: file: /x, exit code: 1"))
	assert.Equal(t, slog.LevelError, levelOf("Can't find: /data/lib/libgatttool-btle.so"))
	assert.Equal(t, slog.LevelWarn, levelOf("WARN: failed to update dalvik cache"))
	assert.Equal(t, slog.LevelInfo, levelOf("Installation done"))
}
