// Package confpatch makes sure a single `key = value` directive is present in
// a small line-oriented configuration file.
//
// Planning and rendering are pure functions over the file content. Patcher
// wraps them in the privileged sequence that stages a copy, rewrites it,
// backs up the live file to <path>.orig and promotes the staged copy.
package confpatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/manchtools/power-manage/provisioner/internal/logsink"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
)

// Action is what a Plan does to the file.
type Action int

const (
	// ActionNone means the directive already holds the required value.
	ActionNone Action = iota
	// ActionReplace rewrites the line at Plan.Line.
	ActionReplace
	// ActionAppend adds the directive after the last line.
	ActionAppend
)

func (a Action) String() string {
	switch a {
	case ActionReplace:
		return "replace"
	case ActionAppend:
		return "append"
	default:
		return "none"
	}
}

// Plan describes the change needed to make a directive hold a value.
type Plan struct {
	Action Action
	// Line is the zero-based index of the authoritative directive for
	// ActionNone and ActionReplace, and the number of lines for ActionAppend.
	Line int
	// Current is the value found on Line, if any.
	Current string
}

// NeedsUpdate reports whether applying the plan changes the file.
func (p Plan) NeedsUpdate() bool {
	return p.Action != ActionNone
}

// directivePattern matches `key = value` at the start of a line. The key is
// case-sensitive; the value is the following run of non-space characters.
func directivePattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*` + regexp.QuoteMeta(key) + `\s*=\s*(\S*)`)
}

// splitLines splits content into lines without their terminating newline.
// A trailing newline does not produce an extra empty line.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	text := strings.TrimSuffix(string(content), "\n")
	return strings.Split(text, "\n")
}

// PlanDirective decides how to make key hold value in content. The first
// matching line is authoritative; later lines with the same key are left
// alone. Values are compared case-insensitively.
func PlanDirective(content []byte, key, value string) Plan {
	re := directivePattern(key)
	lines := splitLines(content)
	for i, line := range lines {
		m := re.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if m == nil {
			continue
		}
		if strings.EqualFold(m[1], value) {
			return Plan{Action: ActionNone, Line: i, Current: m[1]}
		}
		return Plan{Action: ActionReplace, Line: i, Current: m[1]}
	}
	return Plan{Action: ActionAppend, Line: len(lines)}
}

// Directive formats the canonical directive line.
func Directive(key, value string) string {
	return key + " = " + value
}

// Render applies plan to content. Every line other than the planned one is
// copied through verbatim and in order; the result always ends with a newline.
func Render(content []byte, plan Plan, key, value string) []byte {
	lines := splitLines(content)
	var buf bytes.Buffer
	for i, line := range lines {
		if plan.Action == ActionReplace && i == plan.Line {
			buf.WriteString(Directive(key, value))
		} else {
			buf.WriteString(line)
		}
		buf.WriteByte('\n')
	}
	if plan.Action == ActionAppend {
		buf.WriteString(Directive(key, value))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Patcher applies a directive to a live configuration file on the system
// partition through its staged copy.
type Patcher struct {
	setter  *perm.Setter
	staging string
	sink    logsink.Sink
	logger  *slog.Logger
}

// NewPatcher creates a Patcher staging its work in the staging directory.
func NewPatcher(setter *perm.Setter, staging string, sink logsink.Sink, logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{
		setter:  setter,
		staging: staging,
		sink:    sink,
		logger:  logger,
	}
}

// EnsureDirective makes the live file at path contain `key = value`. It
// reports whether the file was changed. When a change is needed the live
// file is backed up to path+".orig" before being overwritten; when it is
// not, nothing is written and no backup is made.
func (p *Patcher) EnsureDirective(ctx context.Context, path, key, value string) (bool, error) {
	name := filepath.Base(path)
	staged := filepath.Join(p.staging, name)

	if err := p.setter.Promote(ctx, path, staged, false); err != nil {
		p.sink.Append("Failed to copy " + name + " for verification")
		return false, err
	}

	if err := p.setter.SetMode(ctx, staged, 0o666); err != nil {
		p.sink.Append("Failed to set proper permissions to " + name + " copy")
		return false, err
	}
	p.sink.Append("Copied " + name)

	content, err := os.ReadFile(staged)
	if err != nil {
		p.sink.Append("Failed to read " + name)
		return false, fmt.Errorf("read staged %s: %w", name, err)
	}

	plan := PlanDirective(content, key, value)
	p.logger.Debug("directive planned",
		"path", path,
		"key", key,
		"action", plan.Action.String(),
		"line", plan.Line,
		"current", plan.Current,
	)

	switch plan.Action {
	case ActionNone:
		p.sink.Append("No need to update " + name)
		return false, nil
	case ActionAppend:
		p.sink.Append("Couldn't find " + key + " line, adding at the end")
	}

	if err := os.WriteFile(staged, Render(content, plan, key, value), 0o666); err != nil {
		p.sink.Append("Failed while updating " + name)
		return false, fmt.Errorf("write staged %s: %w", name, err)
	}

	if _, err := p.setter.Backup(ctx, path); err != nil {
		p.sink.Append("Failed to make " + name + " backup")
		return false, err
	}

	if err := p.setter.SetMode(ctx, staged, 0o444); err != nil {
		p.sink.Append("Failed to set " + name + " permissions")
		return false, err
	}

	if err := p.setter.SetOwner(ctx, staged, perm.Root); err != nil {
		p.sink.Append("Failed to change owner")
		return false, err
	}

	if err := p.setter.Promote(ctx, staged, path, true); err != nil {
		p.sink.Append("Failed to update " + name)
		return false, err
	}

	p.logger.Info("directive applied", "path", path, "key", key, "value", value, "action", plan.Action.String())
	return true, nil
}
