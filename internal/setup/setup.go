// Package setup provides provisioner installation helpers including sudoers configuration.
package setup

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

//go:embed sudoers.tmpl
var sudoersTmpl string

// Commands are the programs the provisioner runs through `sudo -n`.
var Commands = []string{"cp", "chmod", "chown", "mount", "rm", "test", "head", "id", "ls", "reboot"}

// SudoersDir is where sudoers drop-ins are installed.
const SudoersDir = "/etc/sudoers.d"

var userPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*[$]?$`)

// SudoersData holds template data for rendering the sudoers file.
type SudoersData struct {
	User     string
	Commands []string
}

// ResolveCommands looks up every name in PATH and returns the absolute paths,
// sorted and without duplicates. Names that are already absolute are kept
// as they are.
func ResolveCommands(lookPath func(string) (string, error), names ...string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, name := range names {
		path := name
		if !filepath.IsAbs(name) {
			resolved, err := lookPath(name)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", name, err)
			}
			path = resolved
		}
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RenderSudoers renders the embedded sudoers template.
func RenderSudoers(data SudoersData) ([]byte, error) {
	if !userPattern.MatchString(data.User) {
		return nil, fmt.Errorf("invalid user name %q", data.User)
	}
	if len(data.Commands) == 0 {
		return nil, fmt.Errorf("no commands to allow")
	}
	for _, c := range data.Commands {
		if !filepath.IsAbs(c) || strings.ContainsAny(c, " \t\n,:=\\") {
			return nil, fmt.Errorf("invalid command path %q", c)
		}
	}

	tmpl, err := template.New("sudoers").Funcs(template.FuncMap{"join": strings.Join}).Parse(sudoersTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse sudoers template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render sudoers template: %w", err)
	}
	return buf.Bytes(), nil
}

// SudoersPath returns the drop-in path for user.
func SudoersPath(user string) string {
	return filepath.Join(SudoersDir, "btle-provisioner-"+user)
}

// InstallSudoers renders the sudoers template for user and commands and
// installs it to SudoersPath(user). The file is validated with visudo before
// installation. Must be run as root.
func InstallSudoers(user string, commands []string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be run as root")
	}

	if user == "" {
		return fmt.Errorf("user name is required")
	}

	content, err := RenderSudoers(SudoersData{User: user, Commands: commands})
	if err != nil {
		return err
	}

	dest := SudoersPath(user)
	tmpFile := dest + ".tmp"

	if err := os.WriteFile(tmpFile, content, 0440); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("write temp sudoers file: %w", err)
	}

	// Validate syntax with visudo
	if err := exec.Command("visudo", "-c", "-f", tmpFile).Run(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("sudoers validation failed: %w", err)
	}

	// Atomically move into place
	if err := os.Rename(tmpFile, dest); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("install sudoers file: %w", err)
	}

	// Ensure correct ownership
	if err := exec.Command("chown", "root:root", dest).Run(); err != nil {
		return fmt.Errorf("set sudoers ownership: %w", err)
	}

	return nil
}
