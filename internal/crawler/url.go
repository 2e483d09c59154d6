package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so that trivially different spellings of
// the same resource share a uniqueKey. It trims whitespace, lowercases the
// scheme and host, removes default ports, sorts query parameters and drops
// the fragment unless keepFragment is set.
func NormalizeURL(rawURL string, keepFragment bool) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("url is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is missing scheme or host", trimmed)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if !keepFragment {
		u.Fragment = ""
	}

	// Encode() emits parameters in sorted key order.
	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}
