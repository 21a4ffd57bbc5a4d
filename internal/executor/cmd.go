package executor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-cmd/cmd"
)

// maxOutputBytes is the maximum number of bytes kept per command output stream.
const maxOutputBytes = 1 << 20 // 1 MiB

// CommandOutput is the captured result of one command.
// A command that ran to completion with a non-zero status is not an error;
// callers inspect ExitCode.
type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status 0.
func (o *CommandOutput) Success() bool {
	return o != nil && o.ExitCode == 0
}

// runCmd executes name with args using go-cmd and waits for it to finish.
// Cancelling ctx stops the process. The returned error is non-nil only when
// the command could not be started or was cancelled.
func runCmd(ctx context.Context, stdin io.Reader, name string, args ...string) (*CommandOutput, error) {
	c := cmd.NewCmdOptions(cmd.Options{Buffered: true}, name, args...)

	var statusCh <-chan cmd.Status
	if stdin != nil {
		statusCh = c.StartWithStdin(stdin)
	} else {
		statusCh = c.Start()
	}

	var status cmd.Status
	select {
	case status = <-statusCh:
	case <-ctx.Done():
		_ = c.Stop()
		status = <-statusCh
		return toOutput(status), fmt.Errorf("%s: %w", name, ctx.Err())
	}

	if status.Error != nil {
		return toOutput(status), status.Error
	}
	return toOutput(status), nil
}

// toOutput converts a go-cmd status into a CommandOutput.
func toOutput(s cmd.Status) *CommandOutput {
	return &CommandOutput{
		ExitCode: s.Exit,
		Stdout:   joinLimited(s.Stdout),
		Stderr:   joinLimited(s.Stderr),
	}
}

// joinLimited joins buffered output lines, truncating at maxOutputBytes.
func joinLimited(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		if b.Len()+len(line)+1 > maxOutputBytes {
			b.WriteString("\n[output truncated]")
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}
