package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/manchtools/power-manage/provisioner/internal/executor"
)

var errRebootDeclined = errors.New("reboot declined")

// deviceLifecycle reports completion on the console and reboots the device
// through the privileged executor.
type deviceLifecycle struct {
	exec   executor.Privileged
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	// confirm asks before rebooting.
	confirm bool
}

func (l *deviceLifecycle) NotifyValuesUpdated() {
	l.logger.Info("installed state updated")
}

func (l *deviceLifecycle) RequestReboot(ctx context.Context) error {
	if l.confirm {
		ok, err := confirmPrompt(l.in, l.out, "Reboot the device now? [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			return errRebootDeclined
		}
	}

	l.logger.Info("rebooting device")
	out, err := l.exec.Run(ctx, "reboot")
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if !out.Success() {
		return fmt.Errorf("reboot: exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

// confirmPrompt writes prompt and reports whether the answer was yes.
func confirmPrompt(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
