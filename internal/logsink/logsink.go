// Package logsink carries the operator-facing progress log of a provisioning
// run. The log is an ordered list of human-readable lines, cleared when a run
// starts.
package logsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Sink receives progress messages.
type Sink interface {
	Clear()
	Append(msg string)
}

// Memory keeps the log in memory.
type Memory struct {
	mu    sync.Mutex
	lines []string
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Clear() {
	m.mu.Lock()
	m.lines = nil
	m.mu.Unlock()
}

func (m *Memory) Append(msg string) {
	m.mu.Lock()
	m.lines = append(m.lines, msg)
	m.mu.Unlock()
}

// Lines returns a copy of the current log.
func (m *Memory) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(m.lines))
	copy(cp, m.lines)
	return cp
}

// Last returns the most recent line, or "" when the log is empty.
func (m *Memory) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lines) == 0 {
		return ""
	}
	return m.lines[len(m.lines)-1]
}

// Slog forwards progress messages to a structured logger.
type Slog struct {
	logger *slog.Logger
}

// NewSlog returns a sink writing to logger.
func NewSlog(logger *slog.Logger) *Slog {
	return &Slog{logger: logger}
}

func (s *Slog) Clear() {}

func (s *Slog) Append(msg string) {
	s.logger.Log(context.Background(), levelOf(msg), msg, "source", "progress")
}

// Console prints progress lines for an operator, colored when enabled.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	warn *color.Color
	errc *color.Color
}

// NewConsole returns a sink printing to out, with warnings and errors
// highlighted when colored is set.
func NewConsole(out io.Writer, colored bool) *Console {
	warn := color.New(color.FgYellow)
	errc := color.New(color.FgRed, color.Bold)
	if !colored {
		warn.DisableColor()
		errc.DisableColor()
	} else {
		warn.EnableColor()
		errc.EnableColor()
	}
	return &Console{out: out, warn: warn, errc: errc}
}

func (c *Console) Clear() {}

func (c *Console) Append(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch levelOf(msg) {
	case slog.LevelError:
		c.errc.Fprintln(c.out, msg)
	case slog.LevelWarn:
		c.warn.Fprintln(c.out, msg)
	default:
		fmt.Fprintln(c.out, msg)
	}
}

// Multi fans messages out to several sinks in order.
type Multi []Sink

func (m Multi) Clear() {
	for _, s := range m {
		s.Clear()
	}
}

func (m Multi) Append(msg string) {
	for _, s := range m {
		s.Append(msg)
	}
}

// levelOf infers a log level from the wording of a progress message.
func levelOf(msg string) slog.Level {
	lower := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lower, "warn"):
		return slog.LevelWarn
	case strings.HasPrefix(lower, "error"), strings.HasPrefix(lower, "failed"),
		strings.HasPrefix(lower, "can't"):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
