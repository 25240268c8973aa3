//go:build linux || darwin || freebsd

package dataset

import "golang.org/x/sys/unix"

func pin(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

func unpin(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
