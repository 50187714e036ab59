package device

import (
	"sync"

	"arhat.dev/pkg/log"
)

// Device is the generic record of a network device, the type specific
// behavior is attached by Type.Create through Handle and the state hook
type Device struct {
	name   string
	typ    *Type
	logger log.Interface

	present bool
	admin   bool
	up      bool

	stateHook   StateFunc
	subscribers []func(name string, up bool)

	mu *sync.RWMutex
}

func newDevice(name string, t *Type, logger log.Interface) *Device {
	d := &Device{
		name:   name,
		typ:    t,
		logger: logger,
		mu:     new(sync.RWMutex),
	}
	d.stateHook = d.setOperState

	return d
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Type() *Type {
	return d.typ
}

func (d *Device) SetPresent(present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.present = present
}

func (d *Device) Present() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.present
}

// Admin reports the desired state set by the last SetState call
func (d *Device) Admin() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.admin
}

// Up reports whether the device has been reported operationally up
func (d *Device) Up() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.up
}

// ReplaceStateHook installs hook as the state handler of this device and
// returns the previously installed one, which the caller is expected to
// chain to
func (d *Device) ReplaceStateHook(hook StateFunc) StateFunc {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.stateHook
	d.stateHook = hook
	return prev
}

// Subscribe registers fn to be notified of operational state changes
func (d *Device) Subscribe(fn func(name string, up bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscribers = append(d.subscribers, fn)
}

// SetState sets the desired state and invokes the installed state hook
func (d *Device) SetState(up bool) error {
	d.mu.Lock()
	d.admin = up
	hook := d.stateHook
	d.mu.Unlock()

	return hook(up)
}

// setOperState is the default state hook, it records the operational state
// and notifies dependents
func (d *Device) setOperState(up bool) error {
	d.mu.Lock()
	changed := d.up != up
	d.up = up
	subscribers := append([]func(string, bool)(nil), d.subscribers...)
	d.mu.Unlock()

	if !changed {
		return nil
	}

	d.logger.I("device state changed", log.String("name", d.name), log.Any("up", up))
	for _, fn := range subscribers {
		fn(d.name, up)
	}

	return nil
}
