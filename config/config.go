// Package config centralises runtime configuration for mpdex services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Venue names a supported venue integration.
type Venue string

const (
	// VenueEdgeX represents the EdgeX integration key.
	VenueEdgeX Venue = "edgex"
	// VenueStandX represents the StandX integration key.
	VenueStandX Venue = "standx"
)

// StreamSettings tunes one venue's streaming sessions.
type StreamSettings struct {
	RecvTimeout  time.Duration `yaml:"recvTimeout"`
	ReconnectMin time.Duration `yaml:"reconnectMin"`
	ReconnectMax time.Duration `yaml:"reconnectMax"`
	ReadyTimeout time.Duration `yaml:"readyTimeout"`
	BookDepth    int           `yaml:"bookDepth"`
}

// EdgeXSettings configures the EdgeX adapter.
type EdgeXSettings struct {
	AccountID         string         `yaml:"accountId"`
	PrivateKey        string         `yaml:"privateKey"`
	BaseURL           string         `yaml:"baseUrl"`
	WSPublicURL       string         `yaml:"wsPublicUrl"`
	WSPrivateURL      string         `yaml:"wsPrivateUrl"`
	PreferStream      bool           `yaml:"preferStream"`
	RequestsPerSecond float64        `yaml:"requestsPerSecond"`
	HTTPTimeout       time.Duration  `yaml:"httpTimeout"`
	Stream            StreamSettings `yaml:"stream"`
}

// StandXSettings configures the StandX adapter.
type StandXSettings struct {
	WalletAddress     string         `yaml:"walletAddress"`
	Chain             string         `yaml:"chain"`
	SessionToken      string         `yaml:"sessionToken"`
	SessionDir        string         `yaml:"sessionDir"`
	APIBaseURL        string         `yaml:"apiBaseUrl"`
	PerpsBaseURL      string         `yaml:"perpsBaseUrl"`
	WSURL             string         `yaml:"wsUrl"`
	PreferStream      bool           `yaml:"preferStream"`
	RequestsPerSecond float64        `yaml:"requestsPerSecond"`
	HTTPTimeout       time.Duration  `yaml:"httpTimeout"`
	Stream            StreamSettings `yaml:"stream"`
}

// VenueSet groups per-venue settings.
type VenueSet struct {
	EdgeX  EdgeXSettings  `yaml:"edgex"`
	StandX StandXSettings `yaml:"standx"`
}

// LoggingSettings controls log output.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Console    bool   `yaml:"console"`
}

// TelemetrySettings configures the OTLP metrics exporter.
type TelemetrySettings struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Settings is the full configuration tree.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	CacheDir    string            `yaml:"cacheDir"`
	Logging     LoggingSettings   `yaml:"logging"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
	Venues      VenueSet          `yaml:"venues"`
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		CacheDir:    ".cache",
		Logging: LoggingSettings{
			Level:      "info",
			File:       "logs/mpdex.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Console:    true,
		},
		Telemetry: TelemetrySettings{Enabled: false, OTLPEndpoint: "localhost:4318"},
		Venues: VenueSet{
			EdgeX: EdgeXSettings{
				BaseURL:           "https://pro.edgex.exchange",
				WSPublicURL:       "wss://quote.edgex.exchange/api/v1/public/ws",
				WSPrivateURL:      "wss://quote.edgex.exchange/api/v1/private/ws",
				PreferStream:      true,
				RequestsPerSecond: 8,
				HTTPTimeout:       10 * time.Second,
				Stream:            defaultStream(),
			},
			StandX: StandXSettings{
				Chain:             "bsc",
				APIBaseURL:        "https://api.standx.com",
				PerpsBaseURL:      "https://perps.standx.com",
				WSURL:             "wss://perps.standx.com/ws",
				PreferStream:      true,
				RequestsPerSecond: 8,
				HTTPTimeout:       10 * time.Second,
				Stream:            defaultStream(),
			},
		},
	}
}

func defaultStream() StreamSettings {
	return StreamSettings{
		RecvTimeout:  30 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 20 * time.Second,
		ReadyTimeout: 3 * time.Second,
		BookDepth:    200,
	}
}

// Load reads the configuration file at path, falling back to MPDEX_CONFIG and
// then config/mpdex.yaml, overlays it on the defaults, and applies credential
// overrides from the environment (including a .env file when present).
func Load(path string) (Settings, error) {
	_ = godotenv.Load()

	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MPDEX_CONFIG"))
	}
	if path == "" {
		path = filepath.Join("config", "mpdex.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment overrides.
	default:
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("MPDEX_ENV"); v != "" {
		s.Environment = Environment(strings.ToLower(v))
	}
	if v := os.Getenv("EDGEX_ACCOUNT_ID"); v != "" {
		s.Venues.EdgeX.AccountID = v
	}
	if v := os.Getenv("EDGEX_PRIVATE_KEY"); v != "" {
		s.Venues.EdgeX.PrivateKey = v
	}
	if v := os.Getenv("STANDX_WALLET_ADDRESS"); v != "" {
		s.Venues.StandX.WalletAddress = v
	}
	if v := os.Getenv("STANDX_SESSION_TOKEN"); v != "" {
		s.Venues.StandX.SessionToken = v
	}
}

// Validate performs semantic validation on the loaded configuration.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: unknown environment %q", s.Environment)
	}
	if s.Venues.EdgeX.BaseURL == "" {
		return fmt.Errorf("config: edgex baseUrl required")
	}
	if s.Venues.StandX.APIBaseURL == "" {
		return fmt.Errorf("config: standx apiBaseUrl required")
	}
	for _, st := range []StreamSettings{s.Venues.EdgeX.Stream, s.Venues.StandX.Stream} {
		if st.ReconnectMin > st.ReconnectMax && st.ReconnectMax > 0 {
			return fmt.Errorf("config: reconnectMin exceeds reconnectMax")
		}
	}
	return nil
}
