package executor

import (
	"fmt"
	"os/exec"
	"strings"
)

// Elevation selects how commands obtain root privileges.
type Elevation string

const (
	// ElevationSudo runs commands through non-interactive sudo.
	ElevationSudo Elevation = "sudo"
	// ElevationSu runs commands through `su -c`, as on rooted handsets.
	ElevationSu Elevation = "su"
	// ElevationNone runs commands directly; the process must already be root.
	ElevationNone Elevation = "none"
)

// ParseElevation converts a configuration string into an Elevation.
func ParseElevation(s string) (Elevation, error) {
	switch e := Elevation(strings.ToLower(strings.TrimSpace(s))); e {
	case ElevationSudo, ElevationSu, ElevationNone:
		return e, nil
	case "":
		return ElevationSudo, nil
	default:
		return "", fmt.Errorf("unknown elevation %q (want sudo, su or none)", s)
	}
}

// wrap turns a command into the argv that runs it with root privileges.
func (e Elevation) wrap(lookPath func(string) (string, error), name string, args []string) (string, []string, error) {
	switch e {
	case ElevationNone:
		return name, args, nil
	case ElevationSu:
		return "su", []string{"-c", shellJoin(name, args)}, nil
	default:
		// Resolve to absolute path so the command matches sudoers rules,
		// which require full paths (e.g., /usr/bin/cp instead of cp).
		absPath, err := lookPath(name)
		if err != nil {
			return "", nil, fmt.Errorf("command not found: %s", name)
		}
		return "sudo", append([]string{"-n", absPath}, args...), nil
	}
}

// shellJoin quotes name and args into a single POSIX shell command line.
func shellJoin(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var defaultLookPath = exec.LookPath
