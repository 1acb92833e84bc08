package policy

import "net/url"

// hostOf extracts the hostname (without port) from a URL string. An
// unparseable URL yields an empty host, which will simply fail to
// match any Domain Rule and produce a network_gate Fail.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
