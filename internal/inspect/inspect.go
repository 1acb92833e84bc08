// Package inspect implements the content inspector: scanning a request
// body for credential-shaped substrings from a fixed pattern catalogue.
package inspect

import (
	"math"
	"regexp"
)

// PatternName identifies a credential pattern in the fixed catalogue.
type PatternName string

const (
	PatternAWSAccessKey    PatternName = "aws_access_key"
	PatternAWSSecretKey    PatternName = "aws_secret_key"
	PatternGitHubPAT       PatternName = "github_pat"
	PatternOpenAIKey       PatternName = "openai_key"
	PatternAnthropicKey    PatternName = "anthropic_key"
	PatternGoogleAPIKey    PatternName = "google_api_key"
	PatternSlackToken      PatternName = "slack_token"
	PatternPrivateKeyPEM   PatternName = "private_key_pem"
	PatternJWT             PatternName = "jwt"
	PatternSSHRSAHeader    PatternName = "ssh_rsa_header"
	PatternAzureSAS        PatternName = "azure_sas_token"
	PatternHighEntropyB64  PatternName = "high_entropy_base64"
)

// DefaultMaxWindow is the default leading-window size inspected when a
// body exceeds the configured maximum (spec default 1 MiB).
const DefaultMaxWindow = 1 << 20

const minHighEntropyBits = 4.5

var catalogue = []struct {
	name PatternName
	re   *regexp.Regexp
}{
	{PatternAWSAccessKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{PatternAWSSecretKey, regexp.MustCompile(`\baws_secret_access_key\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`)},
	{PatternGitHubPAT, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{PatternOpenAIKey, regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{PatternAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}\b`)},
	{PatternGoogleAPIKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)},
	{PatternSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`)},
	{PatternPrivateKeyPEM, regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA |)PRIVATE KEY-----`)},
	{PatternJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)},
	{PatternSSHRSAHeader, regexp.MustCompile(`\bssh-rsa\s+[A-Za-z0-9+/]{20,}={0,2}`)},
	{PatternAzureSAS, regexp.MustCompile(`\bsig=[A-Za-z0-9%]{20,}(&se=|&sp=|&sv=)`)},
}

// highEntropyCandidate matches a labeled prefix followed by a 40+
// character Base64-alphabet run, which is then entropy-checked.
var highEntropyCandidate = regexp.MustCompile(`\b(?:key|token|secret|password)\s*[:=]\s*['"]?([A-Za-z0-9+/]{40,})['"]?`)

// Result reports the patterns found in a scanned body.
type Result struct {
	PatternsFound []PatternName
	Truncated     bool
}

// Inspect scans body for credential-shaped substrings. If body exceeds
// maxWindow bytes, only the leading window is inspected and Truncated
// is set.
func Inspect(body []byte, maxWindow int) Result {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}

	var result Result
	window := body
	if len(body) > maxWindow {
		window = body[:maxWindow]
		result.Truncated = true
	}

	text := string(window)
	seen := make(map[PatternName]struct{})
	add := func(n PatternName) {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			result.PatternsFound = append(result.PatternsFound, n)
		}
	}

	for _, p := range catalogue {
		if p.re.MatchString(text) {
			add(p.name)
		}
	}

	for _, m := range highEntropyCandidate.FindAllStringSubmatch(text, -1) {
		candidate := m[1]
		if shannonEntropyBitsPerChar(candidate) >= minHighEntropyBits {
			add(PatternHighEntropyB64)
		}
	}

	return result
}

// shannonEntropyBitsPerChar computes the Shannon entropy of s in
// bits-per-character.
func shannonEntropyBitsPerChar(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
