//go:build !linux && !darwin && !freebsd

package dataset

import "errors"

var errPinUnsupported = errors.New("memory locking not supported on this platform")

func pin(b []byte) error { return errPinUnsupported }

func unpin(b []byte) error { return nil }
