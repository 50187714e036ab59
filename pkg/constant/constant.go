package constant

import "time"

const (
	DefaultAbbotConfigFile = "/etc/abbot/team.yaml"
	DefaultMetricsListen   = ""
)

const (
	DeviceTypeTeam       = "team"
	DeviceNamePrefixTeam = "tm"
)

const (
	DefaultHealthCheckMaxAttempts = 10
	DefaultHealthCheckInterval    = time.Second

	DefaultWorkers        = 16
	DefaultEnsureInterval = 5 * time.Second
)

// MaxInterfaceNameLength is IFNAMSIZ without the trailing NUL
const MaxInterfaceNameLength = 15

const DefaultCommandTimeout = 30 * time.Second

type contextKey string

const ContextKeyConfig contextKey = "config"
