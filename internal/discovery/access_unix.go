//go:build linux || darwin || freebsd || openbsd

package discovery

import "golang.org/x/sys/unix"

// accessible drops device nodes this process cannot open anyway,
// e.g. missing dialout group.
func accessible(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK) == nil
}
