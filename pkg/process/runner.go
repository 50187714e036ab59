package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"arhat.dev/pkg/log"
)

const outputWaitDelay = time.Second

// Runner executes helper commands synchronously, it keeps no state between calls
type Runner struct {
	logger log.Interface
}

func NewRunner(logger log.Interface) *Runner {
	if logger == nil {
		logger = log.Log.WithName("process")
	}

	return &Runner{logger: logger}
}

// Run executes argv without a shell and waits for it to exit, a non-zero exit
// status is returned as data, err is only set when the process could not be
// spawned or was killed by ctx
func (r *Runner) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty command")
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	// daemonizing helpers may keep the output pipe open after exit
	cmd.WaitDelay = outputWaitDelay

	r.logger.D("running command", log.Any("args", argv))
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		r.logger.V("command exited leaving output open", log.Any("args", argv), log.Int("status", code))
		return code, nil
	}

	if err == nil {
		r.logger.V("command finished", log.Any("args", argv), log.String("output", output.String()))
		return 0, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("command %q interrupted: %w", argv[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		r.logger.V("command exited with non-zero status",
			log.Any("args", argv),
			log.Int("status", code),
			log.String("output", output.String()),
		)
		return code, nil
	}

	return -1, fmt.Errorf("failed to run command %q: %w", argv[0], err)
}
