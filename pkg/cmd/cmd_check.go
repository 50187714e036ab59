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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"arhat.dev/abbot-team/pkg/conf"
	"arhat.dev/abbot-team/pkg/constant"
	"arhat.dev/abbot-team/pkg/device"
	"arhat.dev/abbot-team/pkg/team"
)

func newCheckCmd(appCtx *context.Context) *cobra.Command {
	checkCmd := &cobra.Command{
		Use:           "check",
		Short:         "validate config and print runner commands without executing them",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(*appCtx, (*appCtx).Value(constant.ContextKeyConfig).(*conf.AbbotConfig), os.Stdout)
		},
	}

	return checkCmd
}

// printExecutor writes commands instead of running them
type printExecutor struct {
	out io.Writer
}

func (e *printExecutor) Run(_ context.Context, argv []string) (int, error) {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = a
		if a == "" || strings.ContainsAny(a, " \t\"'{}") {
			quoted[i] = strconv.Quote(a)
		}
	}

	_, err := fmt.Fprintln(e.out, "  "+strings.Join(quoted, " "))
	if err != nil {
		return -1, err
	}

	return 0, nil
}

func runCheck(ctx context.Context, config *conf.AbbotConfig, out io.Writer) error {
	commands, err := team.NewCommandSet(&printExecutor{out: out}, config.Team.Commands, 0, nil)
	if err != nil {
		return fmt.Errorf("invalid team commands: %w", err)
	}

	specs, err := config.DeviceSpecs()
	if err != nil {
		return err
	}

	registry := device.NewRegistry()
	err = team.Register(registry, team.Options{Commander: commands})
	if err != nil {
		return err
	}

	specs, err = registry.ResolveNames(specs)
	if err != nil {
		return err
	}

	for _, s := range specs {
		name := s.Name
		err = team.ValidateInterfaceName(name)
		if err != nil {
			return err
		}

		var teamConfig *team.Config
		teamConfig, err = team.ParseConfig(s.Attrs)
		if err != nil {
			return fmt.Errorf("invalid config of device %s: %w", name, err)
		}

		_, err = fmt.Fprintf(out, "%s (up: %v):\n", name, s.Up)
		if err != nil {
			return err
		}

		_, err = commands.Start(ctx, name, teamConfig.RunnerConfig())
		if err != nil {
			return err
		}

		_, err = commands.HealthCheck(ctx, name)
		if err != nil {
			return err
		}

		for _, p := range teamConfig.Ports {
			_, err = commands.PortAdd(ctx, name, p)
			if err != nil {
				return err
			}
		}

		_, err = commands.Stop(ctx, name)
		if err != nil {
			return err
		}
	}

	return nil
}
