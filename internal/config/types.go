package config

import "time"

// Config represents the complete relaygate configuration.
type Config struct {
	Service     ServiceConfig             `yaml:"service"`
	Database    DatabaseConfig            `yaml:"database"`
	Cache       CacheConfig               `yaml:"cache"`
	Security    SecurityConfig            `yaml:"security"`
	API         APIConfig                 `yaml:"api"`
	Webhooks    WebhooksConfig            `yaml:"webhooks"`
	OAuth       OAuthConfig               `yaml:"oauth"`
	Pipeline    PipelineConfig            `yaml:"pipeline"`
	Publisher   PublisherConfig           `yaml:"publisher"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
	Providers   map[string]ProviderConfig `yaml:"providers"`

	// SourceFile is the absolute path the config was read from.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PublicURL is the externally reachable base of the webhook listener,
	// used for OAuth redirect URIs and self-registered webhooks.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type CacheConfig struct {
	URL string `yaml:"url"`
}

type SecurityConfig struct {
	EncryptionKey   string `yaml:"encryption_key"`
	CallerJWTSecret string `yaml:"caller_jwt_secret"`
}

// APIConfig defines the internal API server.
type APIConfig struct {
	Listen string     `yaml:"listen"`
	Tokens []APIToken `yaml:"tokens"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the public webhook listener.
type WebhooksConfig struct {
	Listen      string        `yaml:"listen"`
	MaxBodySize string        `yaml:"max_body_size"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
}

type OAuthConfig struct {
	StateTTL    time.Duration `yaml:"state_ttl"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// RefreshSkew treats tokens expiring within this window as expired.
	RefreshSkew time.Duration `yaml:"refresh_skew"`
}

// PipelineConfig governs the durable run workers.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// PublisherConfig selects the downstream queue.
type PublisherConfig struct {
	Kind                 string        `yaml:"kind"` // amqp | http
	URL                  string        `yaml:"url"`
	Exchange             string        `yaml:"exchange"`
	DeadLetterRoutingKey string        `yaml:"dead_letter_routing_key"`
	DeadLetterURL        string        `yaml:"dead_letter_url"`
	Secret               string        `yaml:"secret"`
	Timeout              time.Duration `yaml:"timeout"`
}

type MaintenanceConfig struct {
	CacheRebuild string        `yaml:"cache_rebuild"`
	Prune        string        `yaml:"prune"`
	Recover      string        `yaml:"recover"`
	Retention    time.Duration `yaml:"retention"`
}

// ProviderConfig holds credentials for one provider. Which fields are
// required depends on the provider.
type ProviderConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ClientID       string   `yaml:"client_id"`
	ClientSecret   string   `yaml:"client_secret"`
	WebhookSecret  string   `yaml:"webhook_secret"`
	AppID          string   `yaml:"app_id"`
	Slug           string   `yaml:"slug"`
	PrivateKey     string   `yaml:"private_key"`
	PrivateKeyFile string   `yaml:"private_key_file"`
	Scopes         []string `yaml:"scopes"`
	// APIBaseURL and AuthBaseURL override provider endpoints.
	APIBaseURL  string `yaml:"api_base_url"`
	AuthBaseURL string `yaml:"auth_base_url"`
}

// KnownProviders is the closed provider set.
var KnownProviders = []string{"github", "linear", "vercel", "sentry"}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "relaygate",
			LogLevel:  "info",
			LogFormat: "json",
			PublicURL: "http://localhost:8081",
		},
		Database: DatabaseConfig{DSN: "sqlite://./data/relaygate.db"},
		Cache:    CacheConfig{URL: "memory://"},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Webhooks: WebhooksConfig{
			Listen:      "0.0.0.0:8081",
			MaxBodySize: "1MB",
			DedupTTL:    24 * time.Hour,
		},
		OAuth: OAuthConfig{
			StateTTL:    10 * time.Minute,
			HTTPTimeout: 15 * time.Second,
			RefreshSkew: time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			PollInterval: time.Second,
			MaxAttempts:  8,
			BackoffBase:  5 * time.Second,
			StaleAfter:   10 * time.Minute,
		},
		Publisher: PublisherConfig{
			Kind:                 "amqp",
			Exchange:             "relaygate.webhooks",
			DeadLetterRoutingKey: "relaygate.dlq",
			Timeout:              10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			CacheRebuild: "@every 1h",
			Prune:        "@daily",
			Recover:      "@every 5m",
			Retention:    30 * 24 * time.Hour,
		},
		Providers: make(map[string]ProviderConfig),
	}
}
