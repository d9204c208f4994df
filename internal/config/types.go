package config

import "time"

// Config represents the complete foreman configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Broker     BrokerConfig     `yaml:"broker"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	ERP        ERPConfig        `yaml:"erp"`
	API        APIConfig        `yaml:"api,omitempty"`
	Simulation SimulationConfig `yaml:"simulation,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name               string        `yaml:"name"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	QueueCheckInterval time.Duration `yaml:"queue_check_interval"`
	LockPath           string        `yaml:"lock_path"`
}

// StateConfig defines task database settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// Broker drivers.
const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// BrokerConfig defines the pub/sub connection.
type BrokerConfig struct {
	// Driver is "nats" or "memory". The memory driver keeps all traffic in
	// process and only makes sense together with simulation robots.
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	ClientName     string        `yaml:"client_name"`
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	Token          string        `yaml:"token,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	// MaxReconnects of -1 retries forever.
	MaxReconnects  *int          `yaml:"max_reconnects,omitempty"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	BufferSize     int           `yaml:"buffer_size"`
}

// MaxReconnectAttempts resolves MaxReconnects, defaulting to unlimited.
func (b BrokerConfig) MaxReconnectAttempts() int {
	if b.MaxReconnects == nil {
		return -1
	}
	return *b.MaxReconnects
}

// MonitorConfig defines the liveness sweep settings.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	Acknowledge   *bool         `yaml:"acknowledge,omitempty"`
}

// AckEnabled resolves Acknowledge, defaulting to true.
func (m MonitorConfig) AckEnabled() bool {
	return m.Acknowledge == nil || *m.Acknowledge
}

// ERPConfig defines the order status callback target.
type ERPConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// SimulationConfig defines in-process robots used for demos and soak tests.
type SimulationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Robots       []string      `yaml:"robots"`
	WorkDuration time.Duration `yaml:"work_duration"`
	// FailEvery makes every Nth task report ERROR; 0 never fails.
	FailEvery int `yaml:"fail_every"`
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:               "foreman",
			LogLevel:           "info",
			LogFormat:          "json",
			QueueCheckInterval: 15 * time.Second,
			LockPath:           "./data/foreman.lock",
		},
		State: StateConfig{
			Path: "./data/foreman.db",
		},
		Broker: BrokerConfig{
			Driver:         BrokerNATS,
			URL:            "nats://127.0.0.1:4222",
			ClientName:     "foreman",
			ConnectTimeout: 3 * time.Second,
			ReconnectWait:  10 * time.Second,
			PublishTimeout: 5 * time.Second,
			BufferSize:     256,
		},
		Monitor: MonitorConfig{
			Interval:      15 * time.Second,
			TaskTimeout:   10 * time.Minute,
			HealthTimeout: 5 * time.Minute,
		},
		ERP: ERPConfig{
			Enabled: false,
			BaseURL: "http://localhost:8069",
			Timeout: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Simulation: SimulationConfig{
			WorkDuration: 5 * time.Second,
		},
	}
}
