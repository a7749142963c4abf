package app

import "strings"

// allowOrigins builds the CORS origin check for the configured patterns.
// A pattern is a host, "*.domain" for any subdomain, "host:*" for any port,
// or "*" for everything. Full origins such as "https://chat.example" are
// reduced to their host first.
func allowOrigins(patterns []string) func(origin string) bool {
	hosts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if p == "*" {
			return func(string) bool { return true }
		}
		hosts = append(hosts, originHost(p))
	}
	return func(origin string) bool {
		host := originHost(origin)
		for _, pattern := range hosts {
			if hostMatches(pattern, host) {
				return true
			}
		}
		return false
	}
}

// originHost strips scheme and path. Patterns like "localhost:*" are not
// valid URLs, so this does not go through url.Parse.
func originHost(origin string) string {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if _, rest, ok := strings.Cut(origin, "://"); ok {
		origin = rest
	}
	host, _, _ := strings.Cut(origin, "/")
	return host
}

func hostMatches(pattern, host string) bool {
	switch {
	case pattern == host:
		return true
	case strings.HasPrefix(pattern, "*."):
		// the apex itself is not a subdomain
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasSuffix(pattern, ":*"):
		name, _, ok := strings.Cut(host, ":")
		return ok && name == strings.TrimSuffix(pattern, ":*")
	}
	return false
}
