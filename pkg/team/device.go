package team

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"arhat.dev/pkg/log"
	"go.uber.org/multierr"

	"arhat.dev/abbot-team/pkg/constant"
	"arhat.dev/abbot-team/pkg/device"
	"arhat.dev/abbot-team/pkg/process"
)

var (
	ErrBusy               = errors.New("device busy")
	ErrDeviceFreed        = errors.New("device freed")
	ErrHelperLaunch       = errors.New("failed to launch runner")
	ErrHealthCheckTimeout = errors.New("runner health check timed out")
)

// OperState is the actual state of a team device
type OperState int

const (
	OperAbsent OperState = iota
	OperPresent
	OperStarting
	OperUp
	OperDown
	OperReloadPending
)

func (s OperState) String() string {
	switch s {
	case OperAbsent:
		return "absent"
	case OperPresent:
		return "present"
	case OperStarting:
		return "starting"
	case OperUp:
		return "up"
	case OperDown:
		return "down"
	case OperReloadPending:
		return "reload-pending"
	default:
		return "unknown"
	}
}

// ports stay attached during an incremental reload
func (s OperState) operationallyUp() bool {
	return s == OperUp || s == OperReloadPending
}

// Scheduler runs tasks independently of the caller, *ants.Pool satisfies it
type Scheduler interface {
	Submit(task func()) error
}

type goScheduler struct{}

func (goScheduler) Submit(task func()) error {
	go task()
	return nil
}

type Options struct {
	Commander Commander
	Scheduler Scheduler
	Metrics   *Metrics
	Logger    log.Interface

	HealthCheckMaxAttempts int
	HealthCheckInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Scheduler == nil {
		o.Scheduler = goScheduler{}
	}

	if o.Logger == nil {
		o.Logger = log.Log.WithName("team")
	}

	if o.HealthCheckMaxAttempts <= 0 {
		o.HealthCheckMaxAttempts = constant.DefaultHealthCheckMaxAttempts
	}

	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = constant.DefaultHealthCheckInterval
	}

	return o
}

type Status struct {
	Name        string    `json:"name" yaml:"name"`
	Admin       bool      `json:"admin" yaml:"admin"`
	OperState   OperState `json:"operState" yaml:"operState"`
	Ports       []string  `json:"ports" yaml:"ports"`
	MemberPorts []string  `json:"memberPorts" yaml:"memberPorts"`
	LastError   error     `json:"-" yaml:"-"`
}

// Device is the state machine of a team device backed by an external runner
//
// At most one start sequence runs per device, it is executed by the
// scheduler so health polling never blocks the caller. Every transition into
// or out of OperUp, and every failed start, is reported to upstream in the
// order the transitions happened.
type Device struct {
	name        string
	logger      log.Interface
	cmd         Commander
	ports       *PortManager
	sched       Scheduler
	metrics     *Metrics
	upstream    device.StateFunc
	maxAttempts int
	interval    time.Duration

	admin         bool
	oper          OperState
	config        *Config
	memberPorts   []string
	helperStarted bool
	lastErr       error

	// gen is increased whenever the in-flight sequence is superseded
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	mu       *sync.Mutex
	notifyMu *sync.Mutex
}

// NewDevice creates a team device in OperPresent state, upstream is invoked
// with the operational state but never owned by the device
func NewDevice(name string, config *Config, upstream device.StateFunc, opts Options) (*Device, error) {
	if err := ValidateInterfaceName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	opts = opts.withDefaults()
	if opts.Commander == nil {
		return nil, fmt.Errorf("no runner commander provided")
	}

	logger := opts.Logger.WithFields(log.String("name", name))
	done := make(chan struct{})
	close(done)

	return &Device{
		name:        name,
		logger:      logger,
		cmd:         opts.Commander,
		ports:       NewPortManager(opts.Commander, logger),
		sched:       opts.Scheduler,
		metrics:     opts.Metrics,
		upstream:    upstream,
		maxAttempts: opts.HealthCheckMaxAttempts,
		interval:    opts.HealthCheckInterval,

		oper:   OperPresent,
		config: config,

		done: done,

		mu:       new(sync.Mutex),
		notifyMu: new(sync.Mutex),
	}, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Status{
		Name:        d.name,
		Admin:       d.admin,
		OperState:   d.oper,
		Ports:       append([]string(nil), d.config.Ports...),
		MemberPorts: append([]string(nil), d.memberPorts...),
		LastError:   d.lastErr,
	}
}

// Wait blocks until the in-flight start sequence, if any, has finished
func (d *Device) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	<-done
}

// SetState brings the device up or down, bringing up only schedules the
// start sequence, its result is reported to upstream
func (d *Device) SetState(up bool) error {
	if up {
		return d.up()
	}

	return d.down()
}

func (d *Device) up() error {
	d.mu.Lock()
	switch d.oper {
	case OperAbsent:
		d.mu.Unlock()
		return ErrDeviceFreed
	case OperStarting, OperUp, OperReloadPending:
		d.admin = true
		d.mu.Unlock()
		return nil
	}

	d.admin = true
	task, notify := d.beginLocked(d.config, false)
	d.mu.Unlock()

	notify()
	d.submit(task)
	return nil
}

func (d *Device) down() error {
	d.mu.Lock()
	if d.oper == OperAbsent {
		d.mu.Unlock()
		return ErrDeviceFreed
	}

	d.admin = false
	d.interruptLocked()
	stop := d.helperStarted
	d.helperStarted = false
	d.memberPorts = nil

	notify := func() {}
	if d.oper != OperDown && d.oper != OperPresent {
		notify = d.transitionLocked(OperDown, false)
	}
	d.mu.Unlock()

	var err error
	if stop {
		err = d.stopHelper()
	}

	notify()
	return err
}

// Reload parses attrs and applies them, parse failures leave the device
// untouched
func (d *Device) Reload(ctx context.Context, attrs []byte) (device.ChangeType, error) {
	config, err := ParseConfig(attrs)
	if err != nil {
		return device.ChangeUnchanged, err
	}

	return d.ReloadConfig(ctx, config)
}

// ReloadConfig applies config to the device, a running device is restarted
// when runner parameters changed, or has its ports updated in place when only
// membership changed. A reload during a start sequence fails with ErrBusy.
func (d *Device) ReloadConfig(ctx context.Context, config *Config) (device.ChangeType, error) {
	d.mu.Lock()

	switch d.oper {
	case OperAbsent:
		d.mu.Unlock()
		return device.ChangeUnchanged, ErrDeviceFreed
	case OperStarting, OperReloadPending:
		d.mu.Unlock()
		return device.ChangeUnchanged, ErrBusy
	case OperUp:
	default:
		// runner not running, nothing to reconcile
		change := Diff(d.config, config)
		d.config = config
		if change.Kind == NoChange {
			d.mu.Unlock()
			return device.ChangeUnchanged, nil
		}

		if !d.admin || d.oper != OperDown {
			d.mu.Unlock()
			return device.ChangeApplied, nil
		}

		// admin up but settled down after a failed start, retry with new config
		task, notify := d.beginLocked(config, false)
		d.mu.Unlock()

		notify()
		d.submit(task)
		return device.ChangeApplied, nil
	}

	change := Diff(d.config, config)
	d.logger.D("reloading", log.String("change", change.Kind.String()),
		log.Any("add", change.AddPorts), log.Any("remove", change.RemovePorts))

	switch change.Kind {
	case NoChange:
		d.config = config
		d.mu.Unlock()
		return device.ChangeUnchanged, nil
	case FullRestart:
		task, notify := d.beginLocked(config, true)
		d.mu.Unlock()

		notify()
		d.submit(task)
		return device.ChangeApplied, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.interruptLocked()
	d.cancel = cancel
	gen := d.gen
	d.transitionLocked(OperReloadPending, false)()
	d.mu.Unlock()

	removed, added, err := d.ports.Apply(ctx, d.name, change.RemovePorts, change.AddPorts)

	d.mu.Lock()
	if gen != d.gen {
		// interrupted by admin down or free
		d.mu.Unlock()
		return device.ChangeApplied, err
	}

	d.cancel = nil
	d.memberPorts = updateMembership(d.memberPorts, removed, added)
	d.config = config
	d.lastErr = err
	notify := d.transitionLocked(OperUp, false)
	d.mu.Unlock()

	notify()
	return device.ChangeApplied, err
}

// Free stops the runner if it was ever started and waits for the in-flight
// start sequence to exit
func (d *Device) Free(ctx context.Context) error {
	d.mu.Lock()
	if d.oper == OperAbsent {
		d.mu.Unlock()
		return nil
	}

	d.interruptLocked()
	stop := d.helperStarted
	d.helperStarted = false
	d.memberPorts = nil
	done := d.done
	notify := d.transitionLocked(OperAbsent, false)
	d.mu.Unlock()

	var err error
	if stop {
		err = d.stopHelper()
	}
	notify()

	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("failed to wait for start sequence: %w", ctx.Err()))
	}

	return err
}

// beginLocked moves the device to OperStarting with config and returns the
// start task, which waits for the previous sequence to exit first, and stops
// the running runner before starting when restart is set
func (d *Device) beginLocked(config *Config, restart bool) (task func(), notify func()) {
	d.interruptLocked()

	ctx, cancel := context.WithCancel(context.Background())
	prevDone := d.done
	done := make(chan struct{})

	d.cancel = cancel
	d.done = done
	d.config = config
	d.memberPorts = nil
	d.lastErr = nil
	d.helperStarted = true
	gen := d.gen

	notify = d.transitionLocked(OperStarting, false)
	task = func() {
		defer close(done)
		defer cancel()

		<-prevDone
		if ctx.Err() != nil {
			return
		}

		if restart {
			d.stopHelperLogged()
			if ctx.Err() != nil {
				return
			}
		}

		d.runStartSequence(ctx, gen, config)
	}

	return task, notify
}

func (d *Device) submit(task func()) {
	err := d.sched.Submit(task)
	if err != nil {
		d.logger.I("scheduler rejected start sequence, running it standalone", log.Error(err))
		go task()
	}
}

func (d *Device) runStartSequence(ctx context.Context, gen uint64, config *Config) {
	d.logger.D("starting runner")
	code, err := d.cmd.Start(ctx, d.name, config.RunnerConfig())
	if ctx.Err() != nil {
		if err == nil {
			// the runner may have daemonized after the interrupting stop
			// command was issued
			d.stopHelperLogged()
		}

		return
	}

	if err != nil {
		d.failStart(gen, fmt.Errorf("%w: %v", ErrHelperLaunch, err), false)
		return
	}

	if code != 0 {
		d.logger.I("start command exited with non-zero status", log.Int("status", code))
	}

	healthy := process.PollUntilHealthy(ctx, func(ctx context.Context) bool {
		code, err := d.cmd.HealthCheck(ctx, d.name)
		return err == nil && code == 0
	}, d.maxAttempts, d.interval)
	if ctx.Err() != nil {
		return
	}

	if !healthy {
		// do not leave a half started runner behind
		_, err = d.cmd.Stop(ctx, d.name)
		d.failStart(gen, multierr.Append(ErrHealthCheckTimeout, err), true)
		return
	}

	d.logger.D("runner healthy, adding ports", log.Any("ports", config.Ports))
	_, added, err := d.ports.Apply(ctx, d.name, nil, config.Ports)
	if ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}

	d.cancel = nil
	d.memberPorts = added
	d.lastErr = err
	notify := d.transitionLocked(OperUp, false)
	d.mu.Unlock()

	notify()
}

func (d *Device) failStart(gen uint64, err error, stopped bool) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}

	d.cancel = nil
	d.lastErr = err
	d.memberPorts = nil
	if stopped {
		d.helperStarted = false
	}
	notify := d.transitionLocked(OperDown, true)
	d.mu.Unlock()

	d.logger.I("failed to start runner", log.Error(err))
	notify()
}

func (d *Device) stopHelper() error {
	d.logger.D("stopping runner")
	code, err := d.cmd.Stop(context.Background(), d.name)
	if err != nil {
		return fmt.Errorf("failed to stop runner of %s: %w", d.name, err)
	}

	if code != 0 {
		d.logger.I("stop command exited with non-zero status", log.Int("status", code))
	}

	return nil
}

func (d *Device) stopHelperLogged() {
	if err := d.stopHelper(); err != nil {
		d.logger.I("failed to stop runner", log.Error(err))
	}
}

func (d *Device) interruptLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	d.gen++
}

// transitionLocked moves the device to next and returns the upstream
// notification due for this transition, it must be called after d.mu is
// released and before any later transition is notified
func (d *Device) transitionLocked(next OperState, failed bool) func() {
	prev := d.oper
	d.oper = next
	if prev != next {
		d.metrics.observeTransition(next)
		d.logger.V("state changed", log.String("from", prev.String()), log.String("to", next.String()))
	}

	var up bool
	switch {
	case !prev.operationallyUp() && next.operationallyUp():
		up = true
	case prev.operationallyUp() && !next.operationallyUp():
		up = false
	case failed:
		up = false
	default:
		return func() {}
	}

	if d.upstream == nil {
		return func() {}
	}

	d.notifyMu.Lock()
	return func() {
		defer d.notifyMu.Unlock()

		if err := d.upstream(up); err != nil {
			d.logger.I("upstream state hook failed", log.Any("up", up), log.Error(err))
		}
	}
}

// updateMembership removes removed from current keeping order, then appends
// added
func updateMembership(current, removed, added []string) []string {
	drop := make(map[string]struct{}, len(removed))
	for _, p := range removed {
		drop[p] = struct{}{}
	}

	ret := make([]string, 0, len(current)+len(added))
	for _, p := range current {
		if _, ok := drop[p]; !ok {
			ret = append(ret, p)
		}
	}

	return append(ret, added...)
}
