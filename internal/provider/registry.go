package provider

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/mattjoyce/relaygate/internal/config"
)

// Registry is the name-keyed set of enabled providers.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds every enabled provider. A missing credential is a
// configuration error reported here, before any listener starts.
func FromConfig(cfg *config.Config, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.OAuth.HTTPTimeout}
	}
	var providers []Provider
	for _, name := range cfg.EnabledProviders() {
		pc := cfg.Providers[name]
		var (
			p   Provider
			err error
		)
		switch name {
		case "github":
			p, err = NewGitHub(pc, client)
		case "linear":
			p, err = NewLinear(pc, client)
		case "vercel":
			p, err = NewVercel(pc, client)
		case "sentry":
			p, err = NewSentry(pc, client)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		if err != nil {
			return nil, fmt.Errorf("providers.%s: %w", name, err)
		}
		providers = append(providers, p)
	}
	return NewRegistry(providers...), nil
}

func requireFields(fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fields[k] == "" {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}
