package team

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opStart       = "start"
	opStop        = "stop"
	opHealthCheck = "health_check"
	opPortAdd     = "port_add"
	opPortRemove  = "port_remove"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultError   = "error"
)

// Metrics of team devices, a nil *Metrics records nothing
type Metrics struct {
	commands    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abbot",
			Subsystem: "team",
			Name:      "commands_total",
			Help:      "Runner commands executed by team devices.",
		}, []string{"op", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abbot",
			Subsystem: "team",
			Name:      "state_transitions_total",
			Help:      "Operational state transitions of team devices.",
		}, []string{"to"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.commands, m.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeCommand(op string, code int, err error) {
	if m == nil {
		return
	}

	result := resultSuccess
	switch {
	case err != nil:
		result = resultError
	case code != 0:
		result = resultFailure
	}

	m.commands.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeTransition(to OperState) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(to.String()).Inc()
}
