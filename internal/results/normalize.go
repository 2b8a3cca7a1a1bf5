package results

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams never change the page served. Generic names like "ref"
// or "source" do on some sites and are kept.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid",
}

// NormalizeURL produces the deduplication key of a result URL. The key is
// insensitive to scheme, letter case of the host, a leading "www.", default
// ports, fragments, tracking parameters, the order of query parameters
// and of repeated values, and a trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	var query string
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, p := range trackingParams {
			q.Del(p)
		}
		for _, vs := range q {
			sort.Strings(vs)
		}
		// Encode sorts by key
		query = q.Encode()
	}

	path := strings.TrimRight(parsed.EscapedPath(), "/")

	key := host + path
	if query != "" {
		key += "?" + query
	}
	return key, nil
}

// dedupKey never fails: unparsable URLs fall back to their trimmed, lowercased text.
func dedupKey(rawURL string) string {
	if key, err := NormalizeURL(rawURL); err == nil && key != "" {
		return key
	}
	return strings.ToLower(strings.TrimSpace(rawURL))
}
