//go:build !(linux || darwin || freebsd || openbsd)

package discovery

func accessible(string) bool { return true }
