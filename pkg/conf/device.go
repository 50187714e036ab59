package conf

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"arhat.dev/abbot-team/pkg/constant"
)

type DeviceConfig struct {
	// Name of the device, generated from the name prefix of the device type
	// when empty
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	// Up is the desired admin state
	Up bool `json:"up" yaml:"up"`

	// Config of the device type, passed to the device type as is
	Config yaml.Node `json:"-" yaml:"config"`
}

func (c *DeviceConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawDeviceConfig DeviceConfig

	// yaml.Node.Decode does not inherit KnownFields, decode again strictly
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}

	raw := rawDeviceConfig{Type: constant.DeviceTypeTeam, Up: true}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err = dec.Decode(&raw)
	if err != nil {
		return err
	}

	if raw.Type == "" {
		return fmt.Errorf("must specify device type")
	}

	*c = DeviceConfig(raw)
	return nil
}

// Attrs returns the device type specific config as yaml
func (c *DeviceConfig) Attrs() ([]byte, error) {
	if c.Config.Kind == 0 {
		return nil, nil
	}

	data, err := yaml.Marshal(&c.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device config: %w", err)
	}

	return data, nil
}
