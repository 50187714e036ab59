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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arhat.dev/pkg/log"
	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"arhat.dev/abbot-team/pkg/conf"
	"arhat.dev/abbot-team/pkg/constant"
	"arhat.dev/abbot-team/pkg/device"
	"arhat.dev/abbot-team/pkg/process"
	"arhat.dev/abbot-team/pkg/team"
	"arhat.dev/abbot-team/pkg/util"
)

func NewAbbotTeamCmd() *cobra.Command {
	var (
		appCtx        context.Context
		configFile    string
		config        = conf.NewAbbotConfig()
		cliLogConfig  = new(log.Config)
		metricsListen string
	)

	abbotCmd := &cobra.Command{
		Use:           "abbot-team",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			appCtx, err = conf.ReadConfig(cmd, &configFile, cliLogConfig, config)
			if err != nil {
				return err
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(appCtx, configFile, config)
		},
	}

	flags := abbotCmd.PersistentFlags()
	// config file
	flags.StringVarP(&configFile, "config", "c", constant.DefaultAbbotConfigFile, "path to the abbot-team config file")
	// log config options
	flags.AddFlagSet(log.FlagsForLogConfig("log.", cliLogConfig))
	// metrics and readiness
	flags.StringVar(&metricsListen, "metrics-listen", constant.DefaultMetricsListen,
		"set listen address for metrics and readiness endpoints, disabled when empty")

	abbotCmd.AddCommand(newCheckCmd(&appCtx))

	return abbotCmd
}

func run(ctx context.Context, configFile string, config *conf.AbbotConfig) error {
	logger := log.Log.WithName("abbot-team")

	reg := prometheus.NewRegistry()
	metrics, err := team.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// start sequences wait for their predecessors, blocking submission could
	// starve the pool
	pool, err := ants.NewPool(config.Team.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.E("device task panicked", log.Any("panic", p))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	commands, err := team.NewCommandSet(
		process.NewRunner(log.Log.WithName("process")),
		config.Team.Commands,
		config.Team.CommandTimeout,
		metrics,
	)
	if err != nil {
		return fmt.Errorf("invalid team commands: %w", err)
	}

	registry := device.NewRegistry()
	err = team.Register(registry, team.Options{
		Commander:              commands,
		Scheduler:              pool,
		Metrics:                metrics,
		Logger:                 log.Log.WithName("team"),
		HealthCheckMaxAttempts: config.Team.HealthCheck.MaxAttempts,
		HealthCheckInterval:    config.Team.HealthCheck.Interval,
	})
	if err != nil {
		return fmt.Errorf("failed to register team device type: %w", err)
	}

	mgr := device.NewManager(ctx, registry, util.LinkOperState)

	err = applyDevices(ctx, mgr, config)
	if err != nil {
		// devices are retried by the ensure routine or the next reload
		logger.I("failed to apply devices", log.Error(err))
	}

	errCh := make(chan error, 1)
	if config.App.MetricsListen != "" {
		srv := newMetricsServer(config.App.MetricsListen, reg, mgr)
		go func() {
			logger.I("serving metrics", log.String("listen", config.App.MetricsListen))
			err2 := srv.ListenAndServe()
			if err2 != nil && !errors.Is(err2, http.ErrServerClosed) {
				errCh <- fmt.Errorf("failed to serve metrics: %w", err2)
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go reloadOnHangup(ctx, logger, mgr, configFile)

	go func() {
		errCh <- mgr.Start(config.App.EnsureInterval)
	}()

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
		// wait for all devices freed
		return <-errCh
	}
}

func applyDevices(ctx context.Context, mgr *device.Manager, config *conf.AbbotConfig) error {
	specs, err := config.DeviceSpecs()
	if err != nil {
		return err
	}

	return mgr.Apply(ctx, specs)
}

// reloadOnHangup applies the device list in configFile on each SIGHUP,
// settings other than the device list require a restart
func reloadOnHangup(ctx context.Context, logger log.Interface, mgr *device.Manager, configFile string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			logger.I("reloading devices", log.String("config", configFile))
			config, err := conf.LoadConfigFile(configFile)
			if err != nil {
				logger.I("failed to load config", log.Error(err))
				continue
			}

			err = applyDevices(ctx, mgr, config)
			if err != nil {
				logger.I("failed to apply devices", log.Error(err))
				continue
			}

			logger.D("devices reloaded", log.Any("devices", mgr.Names()))
		case <-ctx.Done():
			return
		}
	}
}

func newMetricsServer(listen string, reg *prometheus.Registry, mgr *device.Manager) *http.Server {
	health := healthcheck.NewMetricsHandler(reg, "abbot_team")
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("devices", mgr.ReadinessCheck)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	return &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
