package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"arhat.dev/pkg/log"
	"go.uber.org/multierr"
)

// LinkStateFunc inspects the kernel state of a link
type LinkStateFunc func(name string) string

// Spec is the declarative definition of a device
type Spec struct {
	Name  string
	Type  string
	Up    bool
	Attrs []byte
}

type Status struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	Present   bool   `json:"present" yaml:"present"`
	Admin     bool   `json:"admin" yaml:"admin"`
	Up        bool   `json:"up" yaml:"up"`
	LinkState string `json:"linkState" yaml:"linkState"`
}

type entry struct {
	dev    *Device
	handle Handle
}

type Manager struct {
	ctx       context.Context
	logger    log.Interface
	registry  *Registry
	linkState LinkStateFunc

	deviceNameSeq []string
	devices       map[string]*entry
	mu            *sync.RWMutex
}

func NewManager(ctx context.Context, registry *Registry, linkState LinkStateFunc) *Manager {
	if linkState == nil {
		linkState = func(string) string { return "unknown" }
	}

	return &Manager{
		ctx:       ctx,
		logger:    log.Log.WithName("device"),
		registry:  registry,
		linkState: linkState,

		devices: make(map[string]*entry),
		mu:      new(sync.RWMutex),
	}
}

// Create a device of typeName, when name is empty, a name is generated from
// the name prefix of the device type
func (m *Manager) Create(ctx context.Context, typeName, name string, attrs []byte) (string, error) {
	t, err := m.registry.Lookup(typeName)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = m.nextName(t.NamePrefix)
	} else if _, ok := m.devices[name]; ok {
		return "", fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}

	dev := newDevice(name, t, m.logger)
	m.logger.I("creating device", log.String("name", name), log.String("type", t.Name))
	h, err := t.Create(ctx, dev, attrs)
	if err != nil {
		return "", fmt.Errorf("failed to create %s device %q: %w", t.Name, name, err)
	}

	m.deviceNameSeq = append(m.deviceNameSeq, name)
	m.devices[name] = &entry{dev: dev, handle: h}

	return name, nil
}

func (m *Manager) nextName(prefix string) string {
	for i := 0; ; i++ {
		name := prefix + strconv.FormatInt(int64(i), 10)
		if _, ok := m.devices[name]; !ok {
			return name
		}
	}
}

func (m *Manager) get(name string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	return e, nil
}

// Device returns the generic record of the named device
func (m *Manager) Device(name string) (*Device, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}

	return e.dev, nil
}

func (m *Manager) Reload(ctx context.Context, name string, attrs []byte) (ChangeType, error) {
	e, err := m.get(name)
	if err != nil {
		return ChangeUnchanged, err
	}

	m.logger.D("reloading device", log.String("name", name))
	change, err := e.handle.Reload(ctx, attrs)
	if err != nil {
		return change, fmt.Errorf("failed to reload device %q: %w", name, err)
	}

	return change, nil
}

func (m *Manager) SetState(name string, up bool) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}

	m.logger.D("setting device state", log.String("name", name), log.Any("up", up))
	return e.dev.SetState(up)
}

func (m *Manager) Free(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.free(ctx, name)
}

func (m *Manager) free(ctx context.Context, name string) error {
	e, ok := m.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	m.logger.I("freeing device", log.String("name", name))
	err := e.handle.Free(ctx)
	e.dev.SetPresent(false)

	for i, n := range m.deviceNameSeq {
		if n == name {
			m.deviceNameSeq = append(m.deviceNameSeq[:i], m.deviceNameSeq[i+1:]...)
			break
		}
	}
	delete(m.devices, name)

	if err != nil {
		return fmt.Errorf("failed to free device %q: %w", name, err)
	}

	return nil
}

// Names of managed devices in creation order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.deviceNameSeq...)
}

// Apply reconciles managed devices with specs: devices not listed are freed,
// listed devices are reloaded or created, then brought to the desired state
func (m *Manager) Apply(ctx context.Context, specs []Spec) error {
	ordered, err := m.registry.ResolveNames(specs)
	if err != nil {
		return err
	}

	expected := make(map[string]Spec, len(ordered))
	for _, s := range ordered {
		expected[s.Name] = s
	}

	names := m.Names()
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		s, ok := expected[name]
		e, err2 := m.get(name)
		if err2 != nil {
			continue
		}

		if ok && e.dev.Type().Name == s.Type {
			continue
		}

		err = multierr.Append(err, m.Free(ctx, name))
	}

	for _, s := range ordered {
		e, err2 := m.get(s.Name)
		if err2 != nil {
			_, err2 = m.Create(ctx, s.Type, s.Name, s.Attrs)
			if err2 != nil {
				err = multierr.Append(err, err2)
				continue
			}

			if s.Up {
				err = multierr.Append(err, m.SetState(s.Name, true))
			}
			continue
		}

		change, err2 := m.Reload(ctx, s.Name, s.Attrs)
		if err2 != nil {
			err = multierr.Append(err, err2)
		} else {
			m.logger.D("device reloaded", log.String("name", s.Name), log.String("change", change.String()))
		}

		if e.dev.Admin() != s.Up {
			err = multierr.Append(err, m.SetState(s.Name, s.Up))
		}
	}

	return err
}

// Start ensures admin up devices periodically until ctx is done, then frees
// all devices
func (m *Manager) Start(interval time.Duration) error {
	m.logger.D("starting device ensure routine")
	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		select {
		case <-tk.C:
			m.logger.V("routine: ensuring admin up devices")
			err := m.ensureAllDevices()
			if err != nil {
				m.logger.I("failed to ensure all devices", log.Error(err))
			}
		case <-m.ctx.Done():
			return m.Close(context.Background())
		}
	}
}

func (m *Manager) ensureAllDevices() error {
	var err error
	for _, name := range m.Names() {
		e, err2 := m.get(name)
		if err2 != nil {
			continue
		}

		if !e.dev.Admin() || e.dev.Up() {
			continue
		}

		err2 = e.dev.SetState(true)
		if err2 != nil {
			err = multierr.Append(err, fmt.Errorf("failed to ensure device %s: %w", name, err2))
		}
	}

	return err
}

// Close frees all devices in reverse creation order
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for i := len(m.deviceNameSeq) - 1; i >= 0; i-- {
		name := m.deviceNameSeq[i]
		err2 := m.free(ctx, name)
		if err2 != nil {
			m.logger.I("failed to free device", log.String("name", name), log.Error(err2))
			err = multierr.Append(err, err2)
		}
	}

	return err
}

func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ret := make([]Status, 0, len(m.deviceNameSeq))
	for _, name := range m.deviceNameSeq {
		e, ok := m.devices[name]
		if !ok {
			continue
		}

		ret = append(ret, Status{
			Name:      name,
			Type:      e.dev.Type().Name,
			Present:   e.dev.Present(),
			Admin:     e.dev.Admin(),
			Up:        e.dev.Up(),
			LinkState: m.linkState(name),
		})
	}

	return ret
}

// ReadinessCheck fails when any admin up device is not operationally up
func (m *Manager) ReadinessCheck() error {
	var err error
	for _, s := range m.Status() {
		if s.Admin && !s.Up {
			err = multierr.Append(err, fmt.Errorf("device %s is not up", s.Name))
		}
	}

	return err
}
