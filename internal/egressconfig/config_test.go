package egressconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "egress.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.Enforce)
	require.Equal(t, 8888, cfg.ProxyPort)
	require.NotEmpty(t, cfg.Whitelist)
}

func TestLoad_HardcodedDomainsAlwaysPresent(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
whitelist:
  - domain: example.com
    allow_write: false
    protocols: ["https"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, ok := cfg.MatchWhitelist("api.anthropic.com")
	require.True(t, ok)
	require.True(t, cfg.IsLLMDomain("api.anthropic.com"))
}

func TestLoad_UserWhitelistMerged(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
whitelist:
  - domain: example.com
    allow_write: true
    protocols: ["https"]
    rate_limit_rpm: 60
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule, ok := cfg.MatchWhitelist("www.example.com")
	require.True(t, ok)
	require.Equal(t, SourceUser, rule.Source)
	require.True(t, rule.AllowWrite)
}

func TestLoad_BlockedServicesMergedWithDefaults(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
blocked_services:
  - evil.internal
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.IsBlockedService("evil.internal"))
	require.True(t, cfg.IsBlockedService("169.254.169.254"))
}

func TestValidate_RejectsSamePorts(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9000
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateWhitelistDomain(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
whitelist:
  - domain: example.com
    protocols: ["https"]
  - domain: example.com
    protocols: ["https"]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveRateLimit(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
global_rate_limit_rpm: 0
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestMatchWhitelist_PrefersMoreSpecificRule(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
whitelist:
  - domain: example.com
    protocols: ["https"]
    description: "broad"
  - domain: api.example.com
    allow_write: true
    protocols: ["https"]
    description: "narrow"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rule, ok := cfg.MatchWhitelist("api.example.com")
	require.True(t, ok)
	require.Equal(t, "narrow", rule.Description)
}

func TestMatchWhitelist_NoMatch(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	_, ok := cfg.MatchWhitelist("totally-unrelated.example")
	require.False(t, ok)
}

func TestApprovalTTLAndUpstreamTimeoutConversions(t *testing.T) {
	path := writeConfig(t, `
proxy_port: 9000
dns_port: 9001
approval_ttl_sec: 45
upstream_timeout_sec: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(45), int64(cfg.ApprovalTTL().Seconds()))
	require.Equal(t, int64(10), int64(cfg.UpstreamTimeout().Seconds()))
}
