package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/relaygate/internal/config"
)

// FromGlobalConfig converts the loaded configuration to an ingress Config.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}
	maxBodySize, err := parseMaxBodySize(cfg.Webhooks.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhooks: invalid max_body_size %q: %w", cfg.Webhooks.MaxBodySize, err)
	}
	return Config{
		Listen:      cfg.Webhooks.Listen,
		MaxBodySize: maxBodySize,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
	}, nil
}

// parseMaxBodySize parses size strings like "1MB", "512KB" or "1048576" to
// bytes. Empty means DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
