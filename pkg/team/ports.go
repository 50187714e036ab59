package team

import (
	"context"
	"errors"
	"fmt"

	"arhat.dev/pkg/log"
	"go.uber.org/multierr"
)

var ErrPortOperation = errors.New("port operation failed")

type PortError struct {
	Op     string
	Device string
	Port   string
	Status int
	Err    error
}

func (e *PortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to %s port %s of %s: %v", e.Op, e.Port, e.Device, e.Err)
	}

	return fmt.Sprintf("failed to %s port %s of %s: exit status %d", e.Op, e.Port, e.Device, e.Status)
}

func (e *PortError) Unwrap() error {
	return e.Err
}

func (e *PortError) Is(target error) bool {
	return target == ErrPortOperation
}

// PortManager attaches and detaches member ports of running team devices
type PortManager struct {
	cmd    Commander
	logger log.Interface
}

func NewPortManager(cmd Commander, logger log.Interface) *PortManager {
	return &PortManager{cmd: cmd, logger: logger}
}

func (m *PortManager) AddPort(ctx context.Context, dev, port string) (int, error) {
	return m.cmd.PortAdd(ctx, dev, port)
}

func (m *PortManager) RemovePort(ctx context.Context, dev, port string) (int, error) {
	return m.cmd.PortRemove(ctx, dev, port)
}

// Apply removes then adds ports one by one, a failed operation does not stop
// the remaining ones, all failures are returned as one aggregated error
func (m *PortManager) Apply(
	ctx context.Context, dev string, remove, add []string,
) (removed, added []string, err error) {
	for _, port := range remove {
		if ctx.Err() != nil {
			return removed, added, multierr.Append(err, ctx.Err())
		}

		code, err2 := m.RemovePort(ctx, dev, port)
		if err2 != nil || code != 0 {
			m.logger.I("failed to remove port",
				log.String("port", port), log.Int("status", code), log.Error(err2))
			err = multierr.Append(err, &PortError{Op: "remove", Device: dev, Port: port, Status: code, Err: err2})
			continue
		}

		removed = append(removed, port)
	}

	for _, port := range add {
		if ctx.Err() != nil {
			return removed, added, multierr.Append(err, ctx.Err())
		}

		code, err2 := m.AddPort(ctx, dev, port)
		if err2 != nil || code != 0 {
			m.logger.I("failed to add port",
				log.String("port", port), log.Int("status", code), log.Error(err2))
			err = multierr.Append(err, &PortError{Op: "add", Device: dev, Port: port, Status: code, Err: err2})
			continue
		}

		added = append(added, port)
	}

	return removed, added, err
}
