package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const (
	methodSeparator = ":"
	headerSeparator = "\t"
)

// Identity is the cache identity of a request: the method, the absolute URL and
// the subset of request headers the keyer was configured to take into account.
type Identity struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Key returns the string form of the identity, used as the store key.
func (i Identity) Key() string {
	key := i.Method + methodSeparator + i.URL.String() + headerSeparator
	names := make([]string, 0, len(i.Header))
	for name := range i.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key = key + "\n" + strings.ToLower(name) + ": " + i.Header.Get(name)
	}
	return key
}

type CacheKeyer struct {
	// Base URL that request URIs are resolved against.
	// Requests only carry a path, the scope makes the identity absolute.
	Scope *url.URL
	// Request headers that are part of the identity.
	// Empty by default: the URL alone identifies a resource.
	Headers []string
}

func NewCacheKeyer(scope *url.URL, headers ...string) CacheKeyer {
	return CacheKeyer{
		Scope:   scope,
		Headers: headers,
	}
}

// Identity returns the identity of the request.
func (c CacheKeyer) Identity(r *http.Request) Identity {
	id := Identity{
		Method: r.Method,
		URL:    c.Resolve(r.URL.RequestURI()),
		Header: make(http.Header),
	}
	for _, name := range c.Headers {
		if v := r.Header.Get(name); v != "" {
			id.Header.Set(name, v)
		}
	}
	return id
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.Identity(r).Key()
}

// Resolve resolves a possibly relative reference (e.g. "./index.html") against the scope.
func (c CacheKeyer) Resolve(ref string) *url.URL {
	u, err := url.Parse(ref)
	if err != nil {
		u = &url.URL{Path: ref}
	}
	if c.Scope == nil {
		return u
	}
	return c.Scope.ResolveReference(u)
}

// PathKey returns the GET key for a path relative to the scope, without any identity headers.
// It is used for precache entries and navigation fallbacks.
func (c CacheKeyer) PathKey(path string) string {
	return Identity{Method: http.MethodGet, URL: c.Resolve(path)}.Key()
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes identity headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoHeaders, _, found := strings.Cut(key, headerSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	method, uri, found := strings.Cut(keyNoHeaders, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetHeaders(key)
	return req, nil
}

// GetHeaders creates a http.Header instance containing all the identity headers included in a key.
func (c CacheKeyer) GetHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		entry := strings.SplitN(lines[i], ": ", 2)
		if len(entry) == 2 {
			header.Add(entry[0], entry[1])
		}
	}
	return header
}
