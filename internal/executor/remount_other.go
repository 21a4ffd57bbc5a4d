//go:build !linux

package executor

import "errors"

var errNativeRemountUnsupported = errors.New("native remount unsupported")

func remountNative(string, MountMode) error {
	return errNativeRemountUnsupported
}
