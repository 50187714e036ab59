/*
Copyright 2021 The arhat.dev Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package conf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arhat.dev/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"arhat.dev/abbot-team/pkg/constant"
	"arhat.dev/abbot-team/pkg/device"
	"arhat.dev/abbot-team/pkg/team"
)

type AbbotConfig struct {
	App     AppConfig      `json:"app" yaml:"app"`
	Team    TeamConfig     `json:"team" yaml:"team"`
	Devices []DeviceConfig `json:"devices" yaml:"devices"`
}

type AppConfig struct {
	Log log.ConfigSet `json:"log" yaml:"log"`

	// MetricsListen address to serve metrics and readiness, disabled when empty
	MetricsListen string `json:"metricsListen" yaml:"metricsListen"`

	// EnsureInterval to retry bringing up admin up devices
	EnsureInterval time.Duration `json:"ensureInterval" yaml:"ensureInterval"`
}

type HealthCheckConfig struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
}

type TeamConfig struct {
	Commands       team.CommandTemplates `json:"commands" yaml:"commands"`
	CommandTimeout time.Duration         `json:"commandTimeout" yaml:"commandTimeout"`
	HealthCheck    HealthCheckConfig     `json:"health" yaml:"health"`

	// Workers running device start sequences
	Workers int `json:"workers" yaml:"workers"`
}

func NewAbbotConfig() *AbbotConfig {
	return &AbbotConfig{
		App: AppConfig{
			Log:            log.ConfigSet{},
			MetricsListen:  constant.DefaultMetricsListen,
			EnsureInterval: constant.DefaultEnsureInterval,
		},
		Team: TeamConfig{
			Commands:       team.DefaultCommandTemplates(),
			CommandTimeout: constant.DefaultCommandTimeout,
			HealthCheck: HealthCheckConfig{
				MaxAttempts: constant.DefaultHealthCheckMaxAttempts,
				Interval:    constant.DefaultHealthCheckInterval,
			},
			Workers: constant.DefaultWorkers,
		},
	}
}

func (c *AbbotConfig) Validate() error {
	switch {
	case c.App.EnsureInterval <= 0:
		return fmt.Errorf("ensure interval must be positive")
	case c.Team.Workers <= 0:
		return fmt.Errorf("team workers must be positive")
	case c.Team.HealthCheck.MaxAttempts <= 0:
		return fmt.Errorf("health check max attempts must be positive")
	case c.Team.HealthCheck.Interval <= 0:
		return fmt.Errorf("health check interval must be positive")
	}

	return nil
}

// DeviceSpecs converts device definitions for device.Manager.Apply
func (c *AbbotConfig) DeviceSpecs() ([]device.Spec, error) {
	var ret []device.Spec
	for i, d := range c.Devices {
		attrs, err := d.Attrs()
		if err != nil {
			return nil, fmt.Errorf("invalid config of device #%d: %w", i, err)
		}

		ret = append(ret, device.Spec{
			Name:  d.Name,
			Type:  d.Type,
			Up:    d.Up,
			Attrs: attrs,
		})
	}

	return ret, nil
}

// LoadConfigFile reads file into a config with defaults applied
func LoadConfigFile(file string) (*AbbotConfig, error) {
	config := NewAbbotConfig()

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
	}

	err = unmarshalConfig(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file %s: %w", file, err)
	}

	return config, nil
}

func unmarshalConfig(data []byte, config *AbbotConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(config)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return config.Validate()
}

// ReadConfig reads config file and applies command line overrides, it sets
// up the default logger and returns the application context, which is
// cancelled on SIGINT or SIGTERM
func ReadConfig(
	cmd *cobra.Command,
	configFile *string,
	cliLogConfig *log.Config,
	config *AbbotConfig,
) (context.Context, error) {
	flags := cmd.Flags()

	data, err := os.ReadFile(*configFile)
	switch {
	case err == nil:
		err = unmarshalConfig(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file %s: %w", *configFile, err)
		}
	case os.IsNotExist(err) && !flags.Changed("config"):
		// use defaults and flags only
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", *configFile, err)
	}

	logFlagChanged := false
	flags.Visit(func(f *pflag.Flag) {
		switch {
		case strings.HasPrefix(f.Name, "log."):
			logFlagChanged = true
		case f.Name == "metrics-listen":
			config.App.MetricsListen = f.Value.String()
		}
	})

	if logFlagChanged || len(config.App.Log) == 0 {
		config.App.Log = log.ConfigSet{*cliLogConfig}
	}

	err = log.SetDefaultLogger(config.App.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set default logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), constant.ContextKeyConfig, config))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Log.I("received signal, exiting", log.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, nil
}
