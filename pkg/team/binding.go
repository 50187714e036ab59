package team

import (
	"context"

	"arhat.dev/abbot-team/pkg/constant"
	"arhat.dev/abbot-team/pkg/device"
)

// NewDeviceType returns the descriptor of the team device type
func NewDeviceType(opts Options) *device.Type {
	return &device.Type{
		Name:       constant.DeviceTypeTeam,
		NamePrefix: constant.DeviceNamePrefixTeam,
		Create: func(ctx context.Context, dev *device.Device, attrs []byte) (device.Handle, error) {
			teamDev, err := create(dev, attrs, opts)
			if err != nil {
				return nil, err
			}

			return teamDev, nil
		},
	}
}

// Register the team device type to reg
func Register(reg *device.Registry, opts Options) error {
	return reg.Register(NewDeviceType(opts))
}

func create(dev *device.Device, attrs []byte, opts Options) (*Device, error) {
	config, err := ParseConfig(attrs)
	if err != nil {
		return nil, err
	}

	var teamDev *Device
	// the generic state hook is notified once the team device is up
	upstream := dev.ReplaceStateHook(func(up bool) error {
		return teamDev.SetState(up)
	})

	teamDev, err = NewDevice(dev.Name(), config, upstream, opts)
	if err != nil {
		dev.ReplaceStateHook(upstream)
		return nil, err
	}

	dev.SetPresent(true)
	return teamDev, nil
}
