package team

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arhat.dev/abbot-team/pkg/constant"
	"arhat.dev/abbot-team/pkg/device"
)

func newTestManager(t *testing.T, cmd Commander) *device.Manager {
	reg := device.NewRegistry()
	require.NoError(t, Register(reg, testOptions(cmd)))

	return device.NewManager(context.TODO(), reg, nil)
}

func waitUp(t *testing.T, upCh <-chan struct{}) {
	select {
	case <-upCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for device up")
	}
}

func TestRegister(t *testing.T) {
	reg := device.NewRegistry()
	require.NoError(t, Register(reg, testOptions(newFakeCommander(1))))

	typ, err := reg.Lookup(constant.DeviceTypeTeam)
	require.NoError(t, err)
	assert.Equal(t, "tm", typ.NamePrefix)

	err = Register(reg, testOptions(newFakeCommander(1)))
	assert.True(t, errors.Is(err, device.ErrDeviceTypeExists))
}

func TestDeviceType_Create(t *testing.T) {
	cmd := newFakeCommander(1)
	m := newTestManager(t, cmd)

	_, err := m.Create(context.TODO(), constant.DeviceTypeTeam, "", []byte(`ports: ["bad port"]`))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Empty(t, m.Names())

	name, err := m.Create(context.TODO(), constant.DeviceTypeTeam, "", []byte(`ports: [eth0, eth1]`))
	require.NoError(t, err)
	assert.Equal(t, "tm0", name)

	name, err = m.Create(context.TODO(), constant.DeviceTypeTeam, "", []byte(`ports: [eth2]`))
	require.NoError(t, err)
	assert.Equal(t, "tm1", name)

	dev, err := m.Device("tm0")
	require.NoError(t, err)
	assert.True(t, dev.Present())
	assert.False(t, dev.Up())
	assert.Empty(t, cmd.calls)
}

func TestDeviceType_StateHookChained(t *testing.T) {
	cmd := newFakeCommander(1)
	m := newTestManager(t, cmd)

	name, err := m.Create(context.TODO(), constant.DeviceTypeTeam, "", []byte(`ports: [eth0, eth1]`))
	require.NoError(t, err)

	dev, err := m.Device(name)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		notified []bool
		upCh     = make(chan struct{}, 1)
	)
	dev.Subscribe(func(n string, up bool) {
		mu.Lock()
		defer mu.Unlock()

		notified = append(notified, up)
		if up {
			upCh <- struct{}{}
		}
	})

	require.NoError(t, m.SetState(name, true))
	waitUp(t, upCh)

	assert.True(t, dev.Up())
	assert.True(t, dev.Admin())
	assert.Equal(t, []string{"tm0 eth0", "tm0 eth1"}, cmd.callsOf(opPortAdd))

	change, err := m.Reload(context.TODO(), name, []byte(`ports: [eth1, eth2]`))
	require.NoError(t, err)
	assert.Equal(t, device.ChangeApplied, change)
	assert.Equal(t, []string{"tm0 eth0"}, cmd.callsOf(opPortRemove))

	require.NoError(t, m.SetState(name, false))
	assert.False(t, dev.Up())
	assert.Equal(t, []string{"tm0"}, cmd.callsOf(opStop))

	mu.Lock()
	assert.Equal(t, []bool{true, false}, notified)
	mu.Unlock()

	require.NoError(t, m.Free(context.TODO(), name))
	assert.False(t, dev.Present())
	assert.Empty(t, m.Names())
	assert.Len(t, cmd.callsOf(opStop), 1)
}

func TestDeviceType_FreeStopsRunner(t *testing.T) {
	cmd := newFakeCommander(1)
	m := newTestManager(t, cmd)

	name, err := m.Create(context.TODO(), constant.DeviceTypeTeam, "tm5", []byte(`ports: [eth0]`))
	require.NoError(t, err)

	dev, err := m.Device(name)
	require.NoError(t, err)
	upCh := make(chan struct{}, 1)
	dev.Subscribe(func(_ string, up bool) {
		if up {
			upCh <- struct{}{}
		}
	})

	require.NoError(t, m.SetState(name, true))
	waitUp(t, upCh)

	require.NoError(t, m.Close(context.TODO()))
	assert.Equal(t, []string{"tm5"}, cmd.callsOf(opStop))
	assert.False(t, dev.Up())
	assert.False(t, dev.Present())
}
