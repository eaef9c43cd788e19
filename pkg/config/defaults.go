package config

const (
	defaultListenAddr      = "127.0.0.1:8787"
	defaultPublicBasePath  = "/v1"
	defaultUpstreamBaseURL = "https://api.openai.com/v1"

	defaultRecentEventsCapacity = 500
	defaultRefreshHz            = 10

	defaultEventStreamTopic = "codexusage.usage"

	// DatabaseFile is the default analytics database filename inside the
	// .codexusage/ directory.
	DatabaseFile = "usage.db"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Server: ServerConfig{
			ListenAddr:      defaultListenAddr,
			PublicBasePath:  defaultPublicBasePath,
			UpstreamBaseURL: defaultUpstreamBaseURL,
		},
		Display: DisplayConfig{
			RecentEventsCapacity: defaultRecentEventsCapacity,
			RefreshHz:            defaultRefreshHz,
		},
		EventStream: EventStreamConfig{
			Topic: defaultEventStreamTopic,
		},
	}
}
