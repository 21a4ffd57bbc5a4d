package executor

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed privileged operation.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAsset means a bundled asset could not be materialized into staging.
	KindAsset
	// KindPermission means chmod or chown exited non-zero.
	KindPermission
	// KindCopy means copying a file to its destination failed.
	KindCopy
	// KindShell means a privileged shell session could not be obtained or used.
	KindShell
	// KindParse means command output or file content had an unexpected format.
	KindParse
	// KindValidation means a post-install probe exited non-zero.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindPermission:
		return "permission"
	case KindCopy:
		return "copy"
	case KindShell:
		return "shell"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// OpError describes a failed operation with enough context for an operator
// to tell which file and command were involved.
type OpError struct {
	Kind     Kind
	Op       string
	Path     string
	ExitCode int
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first OpError in err's chain.
func KindOf(err error) Kind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindUnknown
}

// formatCmdError formats a command error with stderr output for better diagnostics.
func formatCmdError(err error, output *CommandOutput) string {
	if output != nil && output.Stderr != "" {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(output.Stderr))
	}
	return err.Error()
}
