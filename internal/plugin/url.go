package plugin

import "net/url"

// extractURLHost returns the host component of manifestURL ("" for a local
// install, or a malformed URL), used to pin update checks to the domain a
// plugin was originally installed from.
func extractURLHost(manifestURL string) string {
	if manifestURL == "" {
		return ""
	}
	u, err := url.Parse(manifestURL)
	if err != nil {
		return ""
	}
	return u.Host
}
