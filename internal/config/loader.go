package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory and inside a
// directory passed to Load.
const DefaultFileName = "relaygate.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config at configPath.
// A .env file next to the config is loaded first; variables already set in
// the environment win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	dir := filepath.Dir(absPath)
	if err := loadDotEnv(filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}
	if err := VerifyChecksums(dir, []string{absPath}); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := errors.Join(applyProviderDefaults(cfg), validate(cfg)); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the config path from flag, $RELAYGATE_CONFIG or the
// working directory, in that order.
func Discover(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if p := os.Getenv("RELAYGATE_CONFIG"); p != "" {
		return p, nil
	}
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName, nil
	}
	return "", fmt.Errorf("no config found (checked: --config, $RELAYGATE_CONFIG, ./%s)", DefaultFileName)
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset
// variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// applyProviderDefaults loads private_key_file into private_key. Read
// failures are reported alongside the validation errors.
func applyProviderDefaults(cfg *Config) error {
	var errs []error
	for name, p := range cfg.Providers {
		if p.PrivateKey == "" && p.PrivateKeyFile != "" {
			data, err := os.ReadFile(p.PrivateKeyFile)
			if err != nil {
				errs = append(errs, fmt.Errorf("providers.%s.private_key_file: %w", name, err))
				continue
			}
			p.PrivateKey = string(data)
		}
		cfg.Providers[name] = p
	}
	return errors.Join(errs...)
}

// EnabledProviders returns enabled provider names in the closed set order.
func (c *Config) EnabledProviders() []string {
	var out []string
	for _, name := range KnownProviders {
		if p, ok := c.Providers[name]; ok && p.Enabled {
			out = append(out, name)
		}
	}
	return out
}

func validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if strings.TrimSpace(cfg.Cache.URL) == "" {
		errs = append(errs, errors.New("cache.url is required"))
	}
	if cfg.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("security.encryption_key is required"))
	}
	if cfg.Security.CallerJWTSecret == "" {
		errs = append(errs, errors.New("security.caller_jwt_secret is required"))
	}
	if cfg.Webhooks.DedupTTL <= 0 {
		errs = append(errs, errors.New("webhooks.dedup_ttl must be positive"))
	}
	if cfg.OAuth.StateTTL <= 0 {
		errs = append(errs, errors.New("oauth.state_ttl must be positive"))
	}
	if cfg.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if cfg.Pipeline.BackoffBase <= 0 {
		errs = append(errs, errors.New("pipeline.backoff_base must be positive"))
	}

	switch cfg.Publisher.Kind {
	case "amqp", "http":
		if cfg.Publisher.URL == "" {
			errs = append(errs, fmt.Errorf("publisher.url is required for kind %q", cfg.Publisher.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.kind %q must be amqp or http", cfg.Publisher.Kind))
	}

	for i, tok := range cfg.API.Tokens {
		if tok.Token == "" {
			errs = append(errs, fmt.Errorf("api.tokens[%d]: token is required", i))
		}
		if len(tok.Scopes) == 0 {
			errs = append(errs, fmt.Errorf("api.tokens[%d]: at least one scope is required", i))
		}
	}

	for name := range cfg.Providers {
		if !slices.Contains(KnownProviders, name) {
			errs = append(errs, fmt.Errorf("providers.%s: unknown provider (known: %s)", name, strings.Join(KnownProviders, ", ")))
		}
	}
	if len(cfg.EnabledProviders()) == 0 {
		errs = append(errs, errors.New("at least one provider must be enabled"))
	}

	if err := checkUnresolvedEnvVars(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkUnresolvedEnvVars rejects secrets that still carry a ${VAR} reference.
func checkUnresolvedEnvVars(cfg *Config) error {
	check := map[string]string{
		"security.encryption_key":    cfg.Security.EncryptionKey,
		"security.caller_jwt_secret": cfg.Security.CallerJWTSecret,
		"publisher.secret":           cfg.Publisher.Secret,
	}
	for name, p := range cfg.Providers {
		check["providers."+name+".client_secret"] = p.ClientSecret
		check["providers."+name+".webhook_secret"] = p.WebhookSecret
		check["providers."+name+".private_key"] = p.PrivateKey
	}
	keys := make([]string, 0, len(check))
	for k := range check {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if m := envVarPattern.FindString(check[k]); m != "" {
			return fmt.Errorf("%s: unresolved environment variable %s", k, m)
		}
	}
	return nil
}
