package team

// ChangeKind tells how a config change has to be applied to a running device
type ChangeKind int

const (
	NoChange ChangeKind = iota
	Incremental
	FullRestart
)

func (k ChangeKind) String() string {
	switch k {
	case Incremental:
		return "incremental"
	case FullRestart:
		return "full-restart"
	default:
		return "no-change"
	}
}

type Change struct {
	Kind ChangeKind

	// AddPorts in the order of the new config
	AddPorts []string
	// RemovePorts in the order of the old config
	RemovePorts []string
}

// Diff compares prev and next config, a nil prev config requires a full
// restart with all ports of the next config added
func Diff(prev, next *Config) Change {
	if prev == nil {
		return Change{
			Kind:     FullRestart,
			AddPorts: append([]string(nil), next.Ports...),
		}
	}

	if prev.RunnerConfig() != next.RunnerConfig() {
		return Change{
			Kind:     FullRestart,
			AddPorts: append([]string(nil), next.Ports...),
		}
	}

	add, remove := GetPortsToAddAndToRemove(prev.Ports, next.Ports)
	if len(add) == 0 && len(remove) == 0 {
		return Change{Kind: NoChange}
	}

	return Change{
		Kind:        Incremental,
		AddPorts:    add,
		RemovePorts: remove,
	}
}

// GetPortsToAddAndToRemove computes set differences of port names, results
// keep the relative order of their source lists
func GetPortsToAddAndToRemove(actual, expected []string) (toAdd, toRemove []string) {
	actualSet := make(map[string]struct{}, len(actual))
	for _, p := range actual {
		actualSet[p] = struct{}{}
	}

	expectedSet := make(map[string]struct{}, len(expected))
	for _, p := range expected {
		expectedSet[p] = struct{}{}

		if _, ok := actualSet[p]; !ok {
			toAdd = append(toAdd, p)
		}
	}

	for _, p := range actual {
		if _, ok := expectedSet[p]; !ok {
			toRemove = append(toRemove, p)
		}
	}

	return toAdd, toRemove
}
