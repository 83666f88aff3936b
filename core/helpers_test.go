package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/appshell/cache"
	cachekey "github.com/always-cache/appshell/pkg/cache-key"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)
}

var errNetworkDown = errors.New("network down")

// testOrigin is a scriptable network.
type testOrigin struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	gates    map[string]chan struct{}
	hits     map[string]int
	down     bool
}

func newTestOrigin(bodies map[string]string) *testOrigin {
	return &testOrigin{
		bodies:   bodies,
		statuses: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		hits:     make(map[string]int),
	}
}

func (o *testOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	path := r.URL.Path
	o.mu.Lock()
	gate := o.gates[path]
	o.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.down {
		return nil, errNetworkDown
	}
	o.hits[path]++
	body, ok := o.bodies[path]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	if s, ok := o.statuses[path]; ok {
		status = s
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}, nil
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *testOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[path] = status
}

func (o *testOrigin) setDown(down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down = down
}

// block makes fetches of path wait until the returned function is called.
func (o *testOrigin) block(path string) func() {
	gate := make(chan struct{})
	o.mu.Lock()
	o.gates[path] = gate
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.gates, path)
			o.mu.Unlock()
			close(gate)
		})
	}
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// countingStore counts writes to all generations.
type countingStore struct {
	cache.Provider
	puts atomic.Int32
}

func (s *countingStore) Open(ctx context.Context, generation string) (cache.Handle, error) {
	h, err := s.Provider.Open(ctx, generation)
	if err != nil {
		return nil, err
	}
	return countingHandle{Handle: h, puts: &s.puts}, nil
}

type countingHandle struct {
	cache.Handle
	puts *atomic.Int32
}

func (h countingHandle) Put(ctx context.Context, key string, snapshot *cache.Snapshot) error {
	h.puts.Add(1)
	return h.Handle.Put(ctx, key, snapshot)
}

var testScope = &url.URL{Scheme: "http", Host: "app.test", Path: "/"}

func newTestController(t *testing.T, store cache.Provider, network Fetcher, generation string, manifest []string, opts Options, rules Rules) *Controller {
	t.Helper()
	if opts.NavigationFallbacks == nil {
		opts.NavigationFallbacks = DefaultOptions().NavigationFallbacks
	}
	return NewController(ControllerConfig{
		Generation: generation,
		Manifest:   manifest,
		Store:      store,
		Network:    network,
		Keyer:      cachekey.NewCacheKeyer(testScope),
		Selector:   NewSelector(rules),
		Options:    opts,
	})
}

// activeController installs and activates a controller.
func activeController(t *testing.T, store cache.Provider, network Fetcher, generation string, manifest []string, opts Options, rules Rules) *Controller {
	t.Helper()
	c := newTestController(t, store, network, generation, manifest, opts, rules)
	require.NoError(t, c.Install(context.Background()))
	require.NoError(t, c.Activate(context.Background()))
	return c
}

func get(c http.Handler, path string, navigation bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if navigation {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, req)
	return rr
}

func drain(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Drain(ctx))
}

func storedKeys(t *testing.T, store cache.Provider, generation string) []string {
	t.Helper()
	h, err := store.Open(context.Background(), generation)
	require.NoError(t, err)
	keys := make([]string, 0)
	require.NoError(t, h.Keys(context.Background(), func(key string) {
		keys = append(keys, key)
	}))
	return keys
}
