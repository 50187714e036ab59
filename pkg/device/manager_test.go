package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	dev     *Device
	attrs   string
	reloads int
	freed   bool
}

func (h *fakeHandle) Reload(ctx context.Context, attrs []byte) (ChangeType, error) {
	if string(attrs) == "invalid" {
		return ChangeUnchanged, errors.New("invalid attrs")
	}

	if string(attrs) == h.attrs {
		return ChangeUnchanged, nil
	}

	h.reloads++
	h.attrs = string(attrs)
	return ChangeApplied, nil
}

func (h *fakeHandle) Free(ctx context.Context) error {
	h.freed = true
	return nil
}

type fakeType struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	// state hook results, the device goes up only when healthy
	healthy bool
}

func (f *fakeType) create(ctx context.Context, dev *Device, attrs []byte) (Handle, error) {
	if string(attrs) == "invalid" {
		return nil, errors.New("invalid attrs")
	}

	h := &fakeHandle{dev: dev, attrs: string(attrs)}
	prev := dev.ReplaceStateHook(func(up bool) error {
		f.mu.Lock()
		healthy := f.healthy
		f.mu.Unlock()

		if up && !healthy {
			return nil
		}

		return prev(up)
	})
	dev.SetPresent(true)

	f.mu.Lock()
	f.handles[dev.Name()] = h
	f.mu.Unlock()

	return h, nil
}

func newFakeManager(t *testing.T) (*Manager, *fakeType) {
	ft := &fakeType{handles: make(map[string]*fakeHandle), healthy: true}
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Type{Name: "fake", NamePrefix: "fk", Create: ft.create}))
	require.NoError(t, reg.Register(&Type{Name: "other", NamePrefix: "ot", Create: ft.create}))

	return NewManager(context.TODO(), reg, func(name string) string { return "up" }), ft
}

func TestManager_Create(t *testing.T) {
	m, _ := newFakeManager(t)
	ctx := context.TODO()

	name, err := m.Create(ctx, "fake", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fk0", name)

	name, err = m.Create(ctx, "fake", "fk1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fk1", name)

	name, err = m.Create(ctx, "fake", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fk2", name)

	_, err = m.Create(ctx, "fake", "fk1", nil)
	assert.True(t, errors.Is(err, ErrDeviceExists))

	_, err = m.Create(ctx, "unknown", "", nil)
	assert.True(t, errors.Is(err, ErrDeviceTypeNotFound))

	_, err = m.Create(ctx, "fake", "", []byte("invalid"))
	assert.Error(t, err)

	assert.Equal(t, []string{"fk0", "fk1", "fk2"}, m.Names())

	require.NoError(t, m.Free(ctx, "fk1"))
	name, err = m.Create(ctx, "other", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ot0", name)

	name, err = m.Create(ctx, "fake", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fk1", name)
	assert.Equal(t, []string{"fk0", "fk2", "ot0", "fk1"}, m.Names())
}

func TestManager_SetState(t *testing.T) {
	m, _ := newFakeManager(t)

	name, err := m.Create(context.TODO(), "fake", "", nil)
	require.NoError(t, err)

	var notified []bool
	dev, err := m.Device(name)
	require.NoError(t, err)
	dev.Subscribe(func(_ string, up bool) {
		notified = append(notified, up)
	})

	require.NoError(t, m.SetState(name, true))
	require.NoError(t, m.SetState(name, true))
	require.NoError(t, m.SetState(name, false))
	assert.Equal(t, []bool{true, false}, notified)

	assert.True(t, errors.Is(m.SetState("fk9", true), ErrDeviceNotFound))

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, Status{
		Name: "fk0", Type: "fake", Present: true, Admin: false, Up: false, LinkState: "up",
	}, status[0])
}

func TestManager_Apply(t *testing.T) {
	m, ft := newFakeManager(t)
	ctx := context.TODO()

	err := m.Apply(ctx, []Spec{
		{Type: "fake", Up: true, Attrs: []byte("a")},
		{Type: "fake", Attrs: []byte("b")},
		{Name: "keep", Type: "other", Up: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fk0", "fk1", "keep"}, m.Names())

	dev, _ := m.Device("fk0")
	assert.True(t, dev.Up())
	dev, _ = m.Device("fk1")
	assert.False(t, dev.Up())

	fk0 := ft.handles["fk0"]
	keep := ft.handles["keep"]

	err = m.Apply(ctx, []Spec{
		{Type: "fake", Up: false, Attrs: []byte("a2")},
		{Name: "keep", Type: "fake", Up: true},
		{Name: "new", Type: "other", Up: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fk0", "keep", "new"}, m.Names())

	assert.Equal(t, 1, fk0.reloads)
	assert.Equal(t, "a2", fk0.attrs)
	dev, _ = m.Device("fk0")
	assert.False(t, dev.Up())
	assert.False(t, dev.Admin())

	assert.True(t, ft.handles["fk1"].freed)
	// type changed, recreated
	assert.True(t, keep.freed)
	assert.NotSame(t, keep, ft.handles["keep"])
	dev, _ = m.Device("keep")
	assert.Equal(t, "fake", dev.Type().Name)
	assert.True(t, dev.Up())

	err = m.Apply(ctx, []Spec{
		{Name: "dup", Type: "fake"},
		{Name: "dup", Type: "fake"},
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"fk0", "keep", "new"}, m.Names())

	err = m.Apply(ctx, []Spec{
		{Type: "fake", Attrs: []byte("invalid")},
		{Name: "keep", Type: "fake", Up: true},
		{Name: "new", Type: "other", Up: true},
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"fk0", "keep", "new"}, m.Names())
}

func TestManager_EnsureAndReadiness(t *testing.T) {
	m, ft := newFakeManager(t)
	ft.healthy = false

	name, err := m.Create(context.TODO(), "fake", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.SetState(name, true))

	dev, _ := m.Device(name)
	assert.False(t, dev.Up())
	assert.Error(t, m.ReadinessCheck())
	assert.NoError(t, m.ensureAllDevices())
	assert.False(t, dev.Up())

	ft.mu.Lock()
	ft.healthy = true
	ft.mu.Unlock()

	assert.NoError(t, m.ensureAllDevices())
	assert.True(t, dev.Up())
	assert.NoError(t, m.ReadinessCheck())
}

func TestManager_Close(t *testing.T) {
	m, ft := newFakeManager(t)
	ctx := context.TODO()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, "fake", "", nil)
		require.NoError(t, err)
	}

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Names())
	for _, h := range ft.handles {
		assert.True(t, h.freed)
		assert.False(t, h.dev.Present())
	}
}

func TestManager_Apply_ExplicitNameMatchesGenerated(t *testing.T) {
	m, _ := newFakeManager(t)

	err := m.Apply(context.TODO(), []Spec{
		{Name: "fk1", Type: "fake"},
		{Type: "fake"},
		{Type: "fake"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fk1", "fk0", "fk2"}, m.Names())
}
