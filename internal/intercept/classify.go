package intercept

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/glob"

	"github.com/pirlsquiz/cachekit/internal/config"
	"github.com/pirlsquiz/cachekit/pkg/errors"
)

// Strategy is how an intercepted request is answered.
type Strategy int

const (
	// StrategyBypass sends the request to the network untouched.
	StrategyBypass Strategy = iota
	StrategyCacheFirst
	StrategyNetworkFirst
	StrategyStaleWhileRevalidate
)

// String returns the strategy name used in logs and metrics
func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "unknown"
	}
}

// Class is the resource class a request belongs to. Each class has its
// own partition; ClassCore uses the unsuffixed one.
type Class string

const (
	ClassCore     Class = ""
	ClassImages   Class = "images"
	ClassData     Class = "data"
	ClassExternal Class = "external"
)

// Route is the outcome of classifying a request.
type Route struct {
	Strategy Strategy
	Class    Class
}

// Classifier routes requests to strategies. Rules are evaluated in order
// and the first match wins.
type Classifier struct {
	origin       *url.URL
	bypassHosts  []string
	bypassGlobs  []glob.Glob
	imageExts    []string
	dataSegments []string
	dataExts     []string
}

// NewClassifier builds a classifier for pages served from cfg.Origin.
func NewClassifier(cfg config.InterceptConfig) (*Classifier, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "origin must be an absolute URL").
			WithComponent("intercept").
			WithDetail("origin", cfg.Origin).
			WithCause(err)
	}

	c := &Classifier{
		origin:       origin,
		imageExts:    lower(cfg.ImageExtensions),
		dataSegments: cfg.DataSegments,
		dataExts:     lower(cfg.DataExtensions),
	}
	for _, host := range lower(cfg.BypassHosts) {
		if !strings.ContainsAny(host, globMeta) {
			c.bypassHosts = append(c.bypassHosts, host)
			continue
		}
		g, err := glob.Compile(host, '.')
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid bypass host pattern").
				WithComponent("intercept").
				WithDetail("pattern", host).
				WithCause(err)
		}
		c.bypassGlobs = append(c.bypassGlobs, g)
	}
	return c, nil
}

// globMeta marks a bypass entry as a pattern such as "*.example.com".
const globMeta = "*?[{"

// Origin returns the page origin.
func (c *Classifier) Origin() *url.URL {
	return c.origin
}

// Classify picks the strategy and partition class for req.
func (c *Classifier) Classify(req *http.Request) Route {
	if req.Method != http.MethodGet {
		return Route{Strategy: StrategyBypass}
	}

	u := c.Resolve(req.URL)
	if c.bypassed(u.Hostname()) {
		return Route{Strategy: StrategyBypass}
	}

	path := strings.ToLower(u.Path)
	switch {
	case hasAnySuffix(path, c.imageExts):
		return Route{Strategy: StrategyCacheFirst, Class: ClassImages}
	case containsAny(u.Path, c.dataSegments) || hasAnySuffix(path, c.dataExts):
		return Route{Strategy: StrategyNetworkFirst, Class: ClassData}
	case c.sameOrigin(u):
		return Route{Strategy: StrategyCacheFirst, Class: ClassCore}
	default:
		return Route{Strategy: StrategyStaleWhileRevalidate, Class: ClassExternal}
	}
}

// Resolve returns u as an absolute URL, treating relative URLs as
// belonging to the page origin.
func (c *Classifier) Resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		return u
	}
	return c.origin.ResolveReference(u)
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// bypassed matches a bypass domain itself or any of its subdomains, or a
// bypass pattern. In a pattern "*" stays within one label.
func (c *Classifier) bypassed(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range c.bypassHosts {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	for _, g := range c.bypassGlobs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

func containsAny(s string, parts []string) bool {
	for _, part := range parts {
		if part != "" && strings.Contains(s, part) {
			return true
		}
	}
	return false
}

func lower(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

// requestKey identifies a request within a partition: the absolute URL
// with the host lowercased and any fragment dropped.
func requestKey(u *url.URL) string {
	k := *u
	k.Host = strings.ToLower(k.Host)
	k.Fragment = ""
	k.RawFragment = ""
	if k.Path == "" {
		k.Path = "/"
	}
	return k.String()
}
