package team

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"arhat.dev/abbot-team/pkg/constant"
)

// Commander controls the external runner of team devices, exit status of
// each operation is returned as data, err is set only when the operation
// could not be executed at all
type Commander interface {
	Start(ctx context.Context, dev, runnerConfig string) (int, error)
	Stop(ctx context.Context, dev string) (int, error)
	HealthCheck(ctx context.Context, dev string) (int, error)
	PortAdd(ctx context.Context, dev, port string) (int, error)
	PortRemove(ctx context.Context, dev, port string) (int, error)
}

// Executor runs a fully materialized command
type Executor interface {
	Run(ctx context.Context, argv []string) (int, error)
}

// CommandTemplates are argument templates of runner commands
type CommandTemplates struct {
	Start       []string `json:"start" yaml:"start"`
	Stop        []string `json:"stop" yaml:"stop"`
	HealthCheck []string `json:"healthCheck" yaml:"healthCheck"`
	PortAdd     []string `json:"portAdd" yaml:"portAdd"`
	PortRemove  []string `json:"portRemove" yaml:"portRemove"`
}

func DefaultCommandTemplates() CommandTemplates {
	return CommandTemplates{
		Start:       append([]string(nil), constant.DefaultStartCommand...),
		Stop:        append([]string(nil), constant.DefaultStopCommand...),
		HealthCheck: append([]string(nil), constant.DefaultHealthCheckCommand...),
		PortAdd:     append([]string(nil), constant.DefaultPortAddCommand...),
		PortRemove:  append([]string(nil), constant.DefaultPortRemoveCommand...),
	}
}

type commandArgs struct {
	Device       string
	Port         string
	RunnerConfig string
}

type argvTemplate []*template.Template

func parseArgvTemplate(name string, args []string) (argvTemplate, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty %s command", name)
	}

	ret := make(argvTemplate, len(args))
	for i, a := range args {
		t, err := template.New(name).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("invalid %s command argument %q: %w", name, a, err)
		}
		ret[i] = t
	}

	return ret, nil
}

func (t argvTemplate) render(args *commandArgs) ([]string, error) {
	ret := make([]string, len(t))
	for i, tpl := range t {
		buf := new(strings.Builder)
		err := tpl.Execute(buf, args)
		if err != nil {
			return nil, fmt.Errorf("failed to render command argument: %w", err)
		}
		ret[i] = buf.String()
	}

	return ret, nil
}

// CommandSet is the Commander executing rendered command templates
type CommandSet struct {
	exec    Executor
	timeout time.Duration
	metrics *Metrics

	start       argvTemplate
	stop        argvTemplate
	healthCheck argvTemplate
	portAdd     argvTemplate
	portRemove  argvTemplate
}

// NewCommandSet parses templates, each command is killed after timeout when
// timeout is positive
func NewCommandSet(
	exec Executor, templates CommandTemplates, timeout time.Duration, metrics *Metrics,
) (*CommandSet, error) {
	var (
		s   = &CommandSet{exec: exec, timeout: timeout, metrics: metrics}
		err error
	)

	for _, c := range []struct {
		name string
		args []string
		dst  *argvTemplate
	}{
		{name: opStart, args: templates.Start, dst: &s.start},
		{name: opStop, args: templates.Stop, dst: &s.stop},
		{name: opHealthCheck, args: templates.HealthCheck, dst: &s.healthCheck},
		{name: opPortAdd, args: templates.PortAdd, dst: &s.portAdd},
		{name: opPortRemove, args: templates.PortRemove, dst: &s.portRemove},
	} {
		*c.dst, err = parseArgvTemplate(c.name, c.args)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *CommandSet) run(ctx context.Context, op string, t argvTemplate, args *commandArgs) (int, error) {
	argv, err := t.render(args)
	if err != nil {
		s.metrics.observeCommand(op, -1, err)
		return -1, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	code, err := s.exec.Run(ctx, argv)
	s.metrics.observeCommand(op, code, err)
	return code, err
}

func (s *CommandSet) Start(ctx context.Context, dev, runnerConfig string) (int, error) {
	return s.run(ctx, opStart, s.start, &commandArgs{Device: dev, RunnerConfig: runnerConfig})
}

func (s *CommandSet) Stop(ctx context.Context, dev string) (int, error) {
	return s.run(ctx, opStop, s.stop, &commandArgs{Device: dev})
}

func (s *CommandSet) HealthCheck(ctx context.Context, dev string) (int, error) {
	return s.run(ctx, opHealthCheck, s.healthCheck, &commandArgs{Device: dev})
}

func (s *CommandSet) PortAdd(ctx context.Context, dev, port string) (int, error) {
	return s.run(ctx, opPortAdd, s.portAdd, &commandArgs{Device: dev, Port: port})
}

func (s *CommandSet) PortRemove(ctx context.Context, dev, port string) (int, error) {
	return s.run(ctx, opPortRemove, s.portRemove, &commandArgs{Device: dev, Port: port})
}
