package core

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// Strategy is the caching strategy assigned to a request.
// It is derived per request and never stored.
type Strategy int

const (
	// Bypass sends the request to the network without touching the store.
	Bypass Strategy = iota
	// NetworkFirst prefers fresh content and falls back to the store.
	NetworkFirst
	// StaleWhileRevalidate serves from the store and refreshes in the background.
	StaleWhileRevalidate
	// CacheFirst serves from the store and only fetches on a miss.
	CacheFirst
)

var strategyNames = map[Strategy]string{
	Bypass:               "bypass",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
	CacheFirst:           "cache-first",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return Bypass, fmt.Errorf("unknown strategy %q", name)
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Descriptor is what the selector knows about a request.
type Descriptor struct {
	Method     string
	URL        *url.URL
	Navigation bool
}

// Describe builds the descriptor of an intercepted request.
// Relative request URLs are resolved against the scope.
func Describe(r *http.Request, scope *url.URL) Descriptor {
	u := r.URL
	if scope != nil && !u.IsAbs() {
		u = scope.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	return Descriptor{
		Method:     r.Method,
		URL:        u,
		Navigation: isNavigation(r),
	}
}

// isNavigation reports whether the request loads a top-level document.
// Fetch metadata is authoritative when present.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		// the first listed type is the preferred one
		return mediaType == "text/html"
	}
	return false
}

type Rules []Rule

// Rule assigns a strategy to matching requests.
// All non-empty matchers must match.
type Rule struct {
	Path     string
	Prefix   string
	Suffix   string
	Strategy Strategy
}

func (rule Rule) matches(u *url.URL) bool {
	if rule.Path != "" && rule.Path != u.Path {
		return false
	}
	if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
		return false
	}
	if rule.Suffix != "" && !strings.HasSuffix(u.Path, rule.Suffix) {
		return false
	}
	return true
}

func (r Rules) find(u *url.URL) *Rule {
	for i := range r {
		if r[i].matches(u) {
			return &r[i]
		}
	}
	return nil
}

// DefaultRules sends the application data file to the network first.
func DefaultRules() Rules {
	return Rules{{Suffix: "data.json", Strategy: NetworkFirst}}
}

// Selector maps a request descriptor to a strategy.
type Selector struct {
	Rules Rules
}

func NewSelector(rules Rules) Selector {
	if rules == nil {
		rules = DefaultRules()
	}
	return Selector{Rules: rules}
}

// Select returns the strategy for the request. It has no side effects.
func (s Selector) Select(d Descriptor) Strategy {
	if d.Method != http.MethodGet {
		return Bypass
	}
	if d.URL == nil || (d.URL.Scheme != "http" && d.URL.Scheme != "https") {
		return Bypass
	}
	if d.Navigation {
		return NetworkFirst
	}
	if rule := s.Rules.find(d.URL); rule != nil {
		log.Trace().Msgf("Rule %+v matched %s", *rule, d.URL.Path)
		return rule.Strategy
	}
	return StaleWhileRevalidate
}
