//go:build linux

package executor

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errNativeRemountUnsupported = errors.New("native remount unsupported")

// remountNative flips the read-only flag of an existing mount with mount(2).
func remountNative(mountPoint string, mode MountMode) error {
	flags := uintptr(unix.MS_REMOUNT)
	if mode == ReadOnly {
		flags |= unix.MS_RDONLY
	}
	return unix.Mount("", mountPoint, "", flags, "")
}
