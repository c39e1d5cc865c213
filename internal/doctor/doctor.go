// Package doctor validates a loaded relaygate configuration beyond what
// the loader enforces: provider credentials, key material, schedules and
// deployment settings that usually indicate a mistake.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mattjoyce/relaygate/internal/auth"
	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/scheduler"
	"github.com/mattjoyce/relaygate/internal/secure"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSecurity(r)
	d.validateProviders(r)
	d.validatePublicURL(r)
	d.validateTokenScopes(r)
	d.validatePublisher(r)
	d.validateSchedules(r)
	d.warnExposedAPI(r)
	d.warnSharedState(r)
	d.warnRetention(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateSecurity(r *Result) {
	if _, err := secure.NewCipher(d.cfg.Security.EncryptionKey); err != nil {
		d.addError(r, "security", "security.encryption_key", err.Error())
	}
	if len(d.cfg.Security.CallerJWTSecret) < 32 {
		d.addWarning(r, "security", "security.caller_jwt_secret", "caller secret shorter than 32 bytes")
	}
}

// validateProviders builds each enabled provider the way start does, so a
// missing credential surfaces here first.
func (d *Doctor) validateProviders(r *Result) {
	for _, name := range d.cfg.EnabledProviders() {
		single := *d.cfg
		single.Providers = map[string]config.ProviderConfig{name: d.cfg.Providers[name]}
		if _, err := provider.FromConfig(&single, nil); err != nil {
			d.addError(r, "providers", "providers."+name, err.Error())
		}
	}
	for name, pc := range d.cfg.Providers {
		if !pc.Enabled {
			d.addWarning(r, "providers", "providers."+name, "provider configured but disabled")
		}
	}
}

func (d *Doctor) validatePublicURL(r *Result) {
	u, err := url.Parse(d.cfg.Service.PublicURL)
	if err != nil || u.Host == "" {
		d.addError(r, "service", "service.public_url", "public_url must be an absolute URL")
		return
	}
	if u.Scheme != "https" && !isLoopback(u.Hostname()) {
		d.addWarning(r, "service", "service.public_url",
			"public_url is not https; providers reject plain http redirect URIs")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	if len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "no service tokens configured; every internal route will answer 401")
		return
	}
	seen := make(map[string]string, len(d.cfg.API.Tokens))
	for i, tok := range d.cfg.API.Tokens {
		field := fmt.Sprintf("api.tokens[%d]", i)
		if prev, ok := seen[tok.Token]; ok && tok.Token != "" {
			d.addError(r, "api", field, fmt.Sprintf("token value duplicates %s", prev))
		}
		seen[tok.Token] = field
		if tok.Name == "" {
			d.addWarning(r, "api", field+".name", "unnamed token; access logs will not identify it")
		}
		for _, s := range tok.Scopes {
			switch s {
			case auth.ScopeConnect, auth.ScopeVault, auth.ScopeAdmin:
			case auth.ScopeAll:
				d.addWarning(r, "api", field+".scopes", "wildcard scope grants vault access")
			default:
				d.addError(r, "api", field+".scopes", fmt.Sprintf("unknown scope %q", s))
			}
		}
	}
}

func (d *Doctor) validatePublisher(r *Result) {
	p := d.cfg.Publisher
	switch p.Kind {
	case "amqp":
		if p.Exchange == "" {
			d.addError(r, "publisher", "publisher.exchange", "exchange is required for amqp")
		}
		if p.DeadLetterRoutingKey == "" {
			d.addWarning(r, "publisher", "publisher.dead_letter_routing_key", "dead letters are only recorded in the store")
		}
	case "http":
		if p.Secret == "" {
			d.addError(r, "publisher", "publisher.secret", "secret is required to sign http deliveries")
		}
		if p.DeadLetterURL == "" {
			d.addWarning(r, "publisher", "publisher.dead_letter_url", "dead letters are only recorded in the store")
		}
	}
}

func (d *Doctor) validateSchedules(r *Result) {
	m := d.cfg.Maintenance
	_, err := scheduler.New(scheduler.Options{
		CacheRebuild: m.CacheRebuild,
		Prune:        m.Prune,
		Recover:      m.Recover,
	}, scheduler.Deps{}, log.Discard())
	if err != nil {
		d.addError(r, "maintenance", "maintenance", err.Error())
	}
	if m.Recover == "" {
		d.addWarning(r, "maintenance", "maintenance.recover", "stale runs are only recovered at startup")
	}
	if d.cfg.Pipeline.StaleAfter > 0 && d.cfg.Pipeline.StaleAfter < d.cfg.Publisher.Timeout {
		d.addWarning(r, "pipeline", "pipeline.stale_after",
			"stale_after is shorter than publisher.timeout; in-flight runs may be re-queued")
	}
}

func (d *Doctor) warnExposedAPI(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q", d.cfg.API.Listen))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen", "internal API listens beyond loopback")
	}
	if d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "api", "api.listen", "internal API and webhook listener share an address")
	}
}

func (d *Doctor) warnSharedState(r *Result) {
	if strings.HasPrefix(d.cfg.Cache.URL, "memory://") {
		d.addWarning(r, "cache", "cache.url",
			"in-process cache; oauth state and dedup are not shared between instances")
	}
}

func (d *Doctor) warnRetention(r *Result) {
	if d.cfg.Maintenance.Retention > 0 && d.cfg.Maintenance.Retention < d.cfg.Webhooks.DedupTTL {
		d.addWarning(r, "maintenance", "maintenance.retention",
			"retention is shorter than webhooks.dedup_ttl; late redeliveries may be published twice")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman renders a result for a terminal.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
