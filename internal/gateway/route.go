// internal/gateway/route.go
package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"api-manager/internal/common/config"
)

// Route maps one inbound path prefix to one backend service.
type Route struct {
	Name     string
	Prefix   string
	BaseURL  string
	Upstream string
	Timeout  time.Duration
	Verbose  bool
	Methods  []string
}

// Allows reports whether method may be forwarded on this route.
func (r Route) Allows(method string) bool {
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Within reports whether path falls under the route prefix on a segment
// boundary, so "/api/vibe" does not capture "/api/vibe-scorer".
func (r Route) Within(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	rest := path[len(r.Prefix):]
	return rest == "" || rest[0] == '/'
}

// IsRoot reports whether path addresses the route root (the status check).
func (r Route) IsRoot(path string) bool {
	return path == r.Prefix || path == r.Prefix+"/"
}

// RewritePath strips the inbound prefix and puts the backend suffix in its
// place: /api/behavior-features/fetch-and-process-paths becomes
// /behavior-features/fetch-and-process-paths.
func RewritePath(r Route, inbound string) (string, error) {
	if !r.Within(inbound) {
		return "", fmt.Errorf("path %q is outside route prefix %q", inbound, r.Prefix)
	}
	rest := strings.TrimPrefix(inbound, r.Prefix)

	upstream := strings.Trim(r.Upstream, "/")
	if upstream == "" {
		if rest == "" {
			return "/", nil
		}
		return rest, nil
	}
	if rest == "" {
		return "/" + upstream, nil
	}
	return "/" + upstream + rest, nil
}

// RouteTable is built once at startup and is read-only afterwards.
type RouteTable struct {
	routes []Route
}

// NewRouteTable converts route configuration into descriptors and enforces
// that names are unique and prefixes neither repeat nor nest.
func NewRouteTable(cfgs []config.RouteConfig, defaultBaseURL string) (*RouteTable, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("route table is empty")
	}

	routes := make([]Route, 0, len(cfgs))
	names := make(map[string]bool, len(cfgs))

	for i, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("routes[%d]: name is required", i)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("routes[%d]: duplicate route name %q", i, c.Name)
		}
		names[c.Name] = true

		prefix := strings.TrimRight(c.Prefix, "/")
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("route %s: prefix %q must start with / and name a path", c.Name, c.Prefix)
		}

		base := c.BaseURL
		if base == "" {
			base = defaultBaseURL
		}
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %s: base url %q must be absolute", c.Name, base)
		}

		if c.Timeout <= 0 {
			return nil, fmt.Errorf("route %s: timeout must be positive", c.Name)
		}

		methods := c.Methods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost}
		}
		upper := make([]string, len(methods))
		for j, m := range methods {
			upper[j] = strings.ToUpper(m)
		}

		routes = append(routes, Route{
			Name:     c.Name,
			Prefix:   prefix,
			BaseURL:  strings.TrimRight(base, "/"),
			Upstream: strings.Trim(c.Upstream, "/"),
			Timeout:  config.GetDuration(c.Timeout),
			Verbose:  c.Verbose,
			Methods:  upper,
		})
	}

	for i := range routes {
		for j := i + 1; j < len(routes); j++ {
			a, b := routes[i], routes[j]
			if a.Within(b.Prefix) || b.Within(a.Prefix) {
				return nil, fmt.Errorf("route prefixes overlap: %s (%s) and %s (%s)", a.Name, a.Prefix, b.Name, b.Prefix)
			}
		}
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].Prefix < routes[j].Prefix })
	return &RouteTable{routes: routes}, nil
}

// Routes returns a copy of the descriptors ordered by prefix.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Match returns the route whose prefix contains path.
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.Within(path) {
			return r, true
		}
	}
	return Route{}, false
}

// MaxTimeout is the longest per-route timeout.
func (t *RouteTable) MaxTimeout() time.Duration {
	var max time.Duration
	for _, r := range t.routes {
		if r.Timeout > max {
			max = r.Timeout
		}
	}
	return max
}
