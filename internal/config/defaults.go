package config

const (
	defaultStateDir             = "~/.local/share/mediabridge"
	defaultDatabaseName         = "mediabridge.db"
	defaultStartTimeoutSeconds  = 10
	defaultStopTimeoutSeconds   = 3
	defaultCallTimeoutSeconds   = 60
	defaultBackoffInitialMillis = 250
	defaultBackoffMaxSeconds    = 30
	defaultParallelism          = 4
	defaultBookmarkTTLSeconds   = 600
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
		},
		Worker: Worker{
			StartTimeoutSeconds:  defaultStartTimeoutSeconds,
			StopTimeoutSeconds:   defaultStopTimeoutSeconds,
			CallTimeoutSeconds:   defaultCallTimeoutSeconds,
			BackoffInitialMillis: defaultBackoffInitialMillis,
			BackoffMaxSeconds:    defaultBackoffMaxSeconds,
			Parallelism:          defaultParallelism,
		},
		Bookmarks: Bookmarks{
			TTLSeconds: defaultBookmarkTTLSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
