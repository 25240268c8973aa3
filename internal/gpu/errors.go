package gpu

import (
	"errors"
	"fmt"
)

// Kind classifies device failures.
type Kind int

const (
	// KindCapacity means the device cannot hold the dataset. The device is
	// excluded; the rest of the fleet keeps mining.
	KindCapacity Kind = iota
	// KindFault is a runtime failure. The worker of the device terminates.
	KindFault
	// KindVerification is a result rejected by host verification.
	KindVerification
	// KindNoWork means no usable work was available.
	KindNoWork
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindFault:
		return "fault"
	case KindVerification:
		return "verification"
	case KindNoWork:
		return "no_work"
	default:
		return "unknown"
	}
}

var (
	ErrOutOfMemory    = errors.New("out of device memory")
	ErrInvalidHandle  = errors.New("invalid device handle")
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceError is a failure attributed to one device.
type DeviceError struct {
	Device int
	Kind   Kind
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %d: %s %s: %v", e.Device, e.Kind, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Fault wraps a runtime error of a device operation.
func Fault(device int, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Device: device, Kind: KindFault, Op: op, Err: err}
}

// IsKind reports whether err is a DeviceError of kind k.
func IsKind(err error, k Kind) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == k
}
