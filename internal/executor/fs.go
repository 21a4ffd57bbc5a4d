package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// Directory Operations
// =============================================================================

// protectedPaths contains paths whose contents must never be purged.
// They are compared after path cleaning.
var protectedPaths = []string{
	"/",
	"/data",
	"/dev",
	"/etc",
	"/proc",
	"/root",
	"/sys",
	"/system",
	"/system/bin",
	"/system/etc",
	"/system/framework",
	"/tmp",
	"/usr",
	"/var",
}

// isProtectedPath reports whether purging path would damage the system.
func isProtectedPath(path string) bool {
	cleanPath := filepath.Clean(path)
	for _, protected := range protectedPaths {
		if cleanPath == protected {
			return true
		}
	}

	// Also protect immediate children of / that aren't in our list
	parts := strings.Split(strings.TrimPrefix(cleanPath, "/"), "/")
	return len(parts) == 1
}

// PurgeDir removes every entry inside dir as root, leaving dir itself in
// place. Entries are removed one by one so no shell glob is involved.
func PurgeDir(ctx context.Context, p Privileged, dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("path must be absolute: %s", dir)
	}
	if isProtectedPath(dir) {
		return fmt.Errorf("refusing to purge protected system path: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list %s: %w", dir, err)
	}

	var failed []string
	for _, entry := range entries {
		target := filepath.Join(dir, entry.Name())
		out, err := p.Run(ctx, "rm", "-rf", target)
		if err != nil || !out.Success() {
			failed = append(failed, target)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("remove %s", strings.Join(failed, ", "))
	}
	return nil
}
