package team

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"

	"arhat.dev/abbot-team/pkg/constant"
)

var ErrInvalidConfig = errors.New("invalid team config")

var ifnameRegexp = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Config is the declarative config of a team device
type Config struct {
	// Ports are member interface names in the order they are attached
	Ports []string `json:"ports" yaml:"ports"`

	// Runner section of the teamd config, passed to teamd as is
	Runner map[string]interface{} `json:"runner" yaml:"runner"`

	runnerConfig string
}

// ParseConfig decodes yaml or json attrs, unknown fields are rejected
func ParseConfig(attrs []byte) (*Config, error) {
	config := new(Config)

	dec := yaml.NewDecoder(bytes.NewReader(attrs))
	dec.KnownFields(true)
	err := dec.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	err = config.init()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) init() error {
	seen := make(map[string]struct{})
	for _, p := range c.Ports {
		if err := ValidateInterfaceName(p); err != nil {
			return fmt.Errorf("%w: port: %v", ErrInvalidConfig, err)
		}

		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: duplicate port %s", ErrInvalidConfig, p)
		}
		seen[p] = struct{}{}
	}

	if len(c.Runner) == 0 {
		c.runnerConfig = constant.DefaultRunnerConfig
		return nil
	}

	// encoding/json sorts map keys, the result is canonical
	data, err := json.Marshal(map[string]interface{}{"runner": c.Runner})
	if err != nil {
		return fmt.Errorf("%w: runner: %v", ErrInvalidConfig, err)
	}
	c.runnerConfig = string(data)

	return nil
}

// RunnerConfig returns the teamd config json passed to the start command
func (c *Config) RunnerConfig() string {
	if c.runnerConfig == "" {
		return constant.DefaultRunnerConfig
	}

	return c.runnerConfig
}

func ValidateInterfaceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty interface name")
	case len(name) > constant.MaxInterfaceNameLength:
		return fmt.Errorf("interface name %q too long", name)
	case !ifnameRegexp.MatchString(name):
		return fmt.Errorf("invalid interface name %q", name)
	}

	return nil
}
