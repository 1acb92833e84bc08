// Package egressconfig loads and validates the Egress Config (spec
// §4, §6): the host-side YAML file describing the domain whitelist,
// hard-coded denies, and the governance core's tunable knobs. Loading
// follows cmd/pulse-sensor-proxy/config.go's pattern of sane defaults
// overridden by file contents, with environment-variable overrides
// for the handful of values operators commonly need to tweak without
// editing the file.
package egressconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DomainRule is one entry in the whitelist (spec §3 "Domain Rule").
type DomainRule struct {
	Domain       string   `yaml:"domain"`
	AllowWrite   bool     `yaml:"allow_write"`
	Protocols    []string `yaml:"protocols"`
	RateLimitRPM int      `yaml:"rate_limit_rpm"`
	Description  string   `yaml:"description"`

	// Source is not read from the file; the loader stamps it based on
	// which list a rule came from (user whitelist vs. the hardcoded
	// LLM-domain set baked into the binary).
	Source string `yaml:"-"`
}

const (
	SourceHardcoded     = "hardcoded"
	SourceUser          = "user"
	SourceServiceToggle = "service_toggle"
)

// Config is the Egress Config (spec §3/§6).
type Config struct {
	Enforce               bool         `yaml:"enforce"`
	InspectContent        bool         `yaml:"inspect_content"`
	DNSFiltering          bool         `yaml:"dns_filtering"`
	ProxyPort             int          `yaml:"proxy_port"`
	DNSPort               int          `yaml:"dns_port"`
	GlobalRateLimitRPM    int          `yaml:"global_rate_limit_rpm"`
	UpstreamTimeoutSec    int          `yaml:"upstream_timeout_sec"`
	AuditLogPath          string       `yaml:"audit_log_path"`
	ApprovalTTLSec        int          `yaml:"approval_ttl_sec"`
	Whitelist             []DomainRule `yaml:"whitelist"`
	BlockedServices       []string     `yaml:"blocked_services"`
	DenyOnInspectTruncation bool       `yaml:"deny_on_inspect_truncation"`

	// UpstreamResolver is the DNS server the DNS Filter forwards
	// whitelisted queries to. Not named explicitly in the spec's
	// config key table but required by §4.8's contract ("forward the
	// query to a configured upstream resolver"), so it is carried as
	// part of the same file.
	UpstreamResolver string `yaml:"upstream_resolver"`
}

// defaultLLMDomains is the hard-coded LLM-domain set the spec refers
// to in §4.7 invariant 6 ("auto-ok on whitelisted domains" for
// read-side methods) and §4 ("an additive domain whitelist"). These
// are bound at build time and cannot be removed at runtime (spec §3
// Domain Rule invariant).
var defaultLLMDomains = []DomainRule{
	{Domain: "api.anthropic.com", AllowWrite: true, Protocols: []string{"https"}, RateLimitRPM: 600, Description: "Anthropic API", Source: SourceHardcoded},
	{Domain: "api.openai.com", AllowWrite: true, Protocols: []string{"https"}, RateLimitRPM: 600, Description: "OpenAI API", Source: SourceHardcoded},
	{Domain: "generativelanguage.googleapis.com", AllowWrite: true, Protocols: []string{"https"}, RateLimitRPM: 600, Description: "Google Generative Language API", Source: SourceHardcoded},
}

// defaultBlockedServices is the hard-coded deny set (spec §4.7
// invariant 7: "enumerated non-LLM services of a particular cloud
// provider"). It is checked first and short-circuits to deny even if
// a user rule would otherwise allow the domain.
var defaultBlockedServices = []string{
	"169.254.169.254", // cloud instance metadata service
	"metadata.google.internal",
}

func defaults() *Config {
	return &Config{
		Enforce:            true,
		InspectContent:     true,
		DNSFiltering:       true,
		ProxyPort:          8888,
		DNSPort:            5300,
		GlobalRateLimitRPM: 300,
		UpstreamTimeoutSec: 120,
		AuditLogPath:       "/var/lib/aegis/audit.log",
		ApprovalTTLSec:     120,
		BlockedServices:    append([]string(nil), defaultBlockedServices...),
		UpstreamResolver:   "1.1.1.1:53",
	}
}

// Load reads and validates the Egress Config at path, applying the
// handful of environment-variable overrides operators need most
// often, and merges in the hard-coded LLM-domain whitelist and
// blocked-services deny set.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("egressconfig: read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("egressconfig: parse config file: %w", err)
			}
			log.Info().Str("config_file", path).Int("whitelist_count", len(cfg.Whitelist)).Msg("Loaded egress configuration")
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("egressconfig: stat config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	for i := range cfg.Whitelist {
		if cfg.Whitelist[i].Source == "" {
			cfg.Whitelist[i].Source = SourceUser
		}
	}
	cfg.Whitelist = append(append([]DomainRule(nil), defaultLLMDomains...), cfg.Whitelist...)

	merged := make(map[string]struct{}, len(cfg.BlockedServices)+len(defaultBlockedServices))
	var blocked []string
	for _, d := range append(append([]string(nil), defaultBlockedServices...), cfg.BlockedServices...) {
		if _, seen := merged[d]; seen {
			continue
		}
		merged[d] = struct{}{}
		blocked = append(blocked, d)
	}
	cfg.BlockedServices = blocked

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AEGIS_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ProxyPort = n
		} else {
			log.Warn().Str("value", v).Msg("egressconfig: invalid AEGIS_PROXY_PORT, ignoring")
		}
	}
	if v := os.Getenv("AEGIS_DNS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DNSPort = n
		} else {
			log.Warn().Str("value", v).Msg("egressconfig: invalid AEGIS_DNS_PORT, ignoring")
		}
	}
	if v := os.Getenv("AEGIS_ENFORCE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Enforce = b
		} else {
			log.Warn().Str("value", v).Msg("egressconfig: invalid AEGIS_ENFORCE, ignoring")
		}
	}
	if v := os.Getenv("AEGIS_AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
}

// Validate checks structural invariants on the config. It does not
// bind ports (that happens at proxy/DNS filter start).
func (c *Config) Validate() error {
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("egressconfig: proxy_port %d out of range", c.ProxyPort)
	}
	if c.DNSFiltering && (c.DNSPort <= 0 || c.DNSPort > 65535) {
		return fmt.Errorf("egressconfig: dns_port %d out of range", c.DNSPort)
	}
	if c.ProxyPort == c.DNSPort {
		return fmt.Errorf("egressconfig: proxy_port and dns_port must differ")
	}
	if c.GlobalRateLimitRPM <= 0 {
		return fmt.Errorf("egressconfig: global_rate_limit_rpm must be positive")
	}
	if c.UpstreamTimeoutSec <= 0 {
		return fmt.Errorf("egressconfig: upstream_timeout_sec must be positive")
	}
	if c.AuditLogPath == "" {
		return fmt.Errorf("egressconfig: audit_log_path must not be empty")
	}
	if c.ApprovalTTLSec <= 0 {
		return fmt.Errorf("egressconfig: approval_ttl_sec must be positive")
	}

	seen := make(map[string]struct{})
	for _, r := range c.Whitelist {
		if r.Domain == "" {
			return fmt.Errorf("egressconfig: whitelist entry with empty domain")
		}
		key := strings.ToLower(r.Domain)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("egressconfig: duplicate whitelist entry for domain %q", r.Domain)
		}
		seen[key] = struct{}{}
	}

	for _, r := range defaultLLMDomains {
		d := strings.ToLower(r.Domain)
		if _, present := seen[d]; !present {
			return fmt.Errorf("egressconfig: hardcoded domain %q missing from effective whitelist", d)
		}
	}

	return nil
}

// ApprovalTTL returns ApprovalTTLSec as a time.Duration.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSec) * time.Second
}

// UpstreamTimeout returns UpstreamTimeoutSec as a time.Duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSec) * time.Second
}

// IsBlockedService reports whether host matches a hard-coded deny
// entry. This check is evaluated first by the Network Gate invariant
// and short-circuits even a matching user allow rule.
func (c *Config) IsBlockedService(host string) bool {
	host = strings.ToLower(host)
	for _, d := range c.BlockedServices {
		if host == strings.ToLower(d) {
			return true
		}
	}
	return false
}

// MatchWhitelist returns the most specific enabled Domain Rule whose
// domain is a label-suffix match for host (e.g. a rule for
// "example.com" matches "api.example.com"), or false if none match.
func (c *Config) MatchWhitelist(host string) (DomainRule, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	var best DomainRule
	found := false
	for _, r := range c.Whitelist {
		ruleDomain := strings.ToLower(r.Domain)
		if host != ruleDomain && !strings.HasSuffix(host, "."+ruleDomain) {
			continue
		}
		if !found || len(ruleDomain) > len(best.Domain) {
			best = r
			found = true
		}
	}
	return best, found
}

// IsLLMDomain reports whether host is part of the hard-coded LLM
// domain set (spec §4.7 invariant 6's "whitelisted domains" read-side
// auto-ok path, and §4.9's content-inspection exemption for LLM
// traffic).
func (c *Config) IsLLMDomain(host string) bool {
	rule, ok := c.MatchWhitelist(host)
	return ok && rule.Source == SourceHardcoded
}
