package constant

// Argument templates of the teamd helper commands, every element is rendered
// with text/template, available fields are .Device, .Port and .RunnerConfig
var (
	DefaultStartCommand = []string{
		"teamd", "-t", "{{ .Device }}", "-c", "{{ .RunnerConfig }}", "-d",
	}
	DefaultStopCommand = []string{
		"teamd", "-t", "{{ .Device }}", "-k",
	}
	DefaultHealthCheckCommand = []string{
		"teamd", "-t", "{{ .Device }}", "-e",
	}
	DefaultPortAddCommand = []string{
		"teamdctl", "{{ .Device }}", "port", "add", "{{ .Port }}",
	}
	DefaultPortRemoveCommand = []string{
		"teamdctl", "{{ .Device }}", "port", "remove", "{{ .Port }}",
	}
)

// DefaultRunnerConfig is passed to teamd when no runner is configured
const DefaultRunnerConfig = `{"runner":{"name":"lacp"}}`
