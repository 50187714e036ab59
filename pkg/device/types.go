package device

import (
	"context"
	"errors"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceExists       = errors.New("device already exists")
	ErrDeviceTypeNotFound = errors.New("device type not found")
	ErrDeviceTypeExists   = errors.New("device type already registered")
)

// ChangeType is the result of a config reload
type ChangeType int

const (
	ChangeUnchanged ChangeType = iota
	ChangeApplied
)

func (c ChangeType) String() string {
	switch c {
	case ChangeApplied:
		return "applied"
	default:
		return "unchanged"
	}
}

// StateFunc brings a device up or down
type StateFunc func(up bool) error

// Handle is the type specific part of a device returned by Type.Create
type Handle interface {
	// Reload applies new declarative config to the running device
	Reload(ctx context.Context, attrs []byte) (ChangeType, error)

	// Free releases the device, it must not return before all resources
	// owned by the device (processes included) have been told to stop
	Free(ctx context.Context) error
}

// CreateFunc creates the type specific handle of dev from attrs, the
// implementation may replace the state hook of dev
type CreateFunc func(ctx context.Context, dev *Device, attrs []byte) (Handle, error)

// Type is the static descriptor of a device type
type Type struct {
	// Name of the device type, e.g. `team`
	Name string

	// NamePrefix used to generate interface names
	NamePrefix string

	Create CreateFunc
}
