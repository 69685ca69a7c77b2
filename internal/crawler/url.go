package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicate frontier entries.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}

// ResolveLink resolves href against base and normalizes the result.
// Absolute hrefs are returned normalized; an empty href yields "".
func ResolveLink(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	if !ref.IsAbs() && base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base %q: %w", base, err)
		}
		ref = b.ResolveReference(ref)
	}
	return NormalizeURL(ref.String())
}
