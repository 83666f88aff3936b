package appshell

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/always-cache/appshell/cache"
	"github.com/always-cache/appshell/core"
	cachekey "github.com/always-cache/appshell/pkg/cache-key"
)

type Config struct {
	// Storage for generations. An in-memory store is used if nil.
	Store cache.Provider
	// The network, either an origin or an in-process handler.
	Network core.Fetcher
	// Base URL of the application. Request paths are resolved against it.
	Scope *url.URL
	// Request headers that are part of the cache identity.
	VaryHeaders []string
	// Strategy rules. The default rules are used if nil.
	Selector core.Selector
	Options  core.Options
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// AppShell routes intercepted requests to the active controller
// and keeps track of which pages are controlled.
type AppShell struct {
	store       cache.Provider
	network     core.Fetcher
	keyer       cachekey.CacheKeyer
	selector    core.Selector
	opts        core.Options
	log         zerolog.Logger
	router      chi.Router
	passthrough http.Handler

	registerMu sync.Mutex
	resumed    bool

	mu           sync.Mutex
	active       *core.Controller
	waiting      *core.Controller
	installing   *core.Controller
	controllers  []*core.Controller
	uncontrolled map[string]struct{}
}

var _ core.Host = (*AppShell)(nil)

func New(config Config) *AppShell {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}
	store := config.Store
	if store == nil {
		store = cache.NewMemory()
	}
	scope := config.Scope
	if scope == nil {
		scope = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}
	}
	selector := config.Selector
	if selector.Rules == nil {
		selector = core.NewSelector(nil)
	}
	opts := config.Options
	if opts.NavigationFallbacks == nil {
		opts.NavigationFallbacks = core.DefaultOptions().NavigationFallbacks
	}

	a := &AppShell{
		store:        store,
		network:      config.Network,
		keyer:        cachekey.NewCacheKeyer(scope, config.VaryHeaders...),
		selector:     selector,
		opts:         opts,
		log:          logger.With().Str("scope", scope.String()).Logger(),
		uncontrolled: make(map[string]struct{}),
	}
	a.passthrough = core.Passthrough(a.network, opts.Timeout, a.log)
	a.router = a.routes()
	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *AppShell) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *AppShell) newController(generation string, manifest []string) *core.Controller {
	c := core.NewController(core.ControllerConfig{
		Generation: generation,
		Manifest:   manifest,
		Store:      a.store,
		Network:    a.network,
		Keyer:      a.keyer,
		Selector:   a.selector,
		Options:    a.opts,
		Host:       a,
		Logger:     &a.log,
	})
	a.mu.Lock()
	a.controllers = append(a.controllers, c)
	a.mu.Unlock()
	return c
}

// Register installs the named generation.
// Without an active controller the new one is activated right away,
// otherwise it waits for a skip waiting message.
func (a *AppShell) Register(ctx context.Context, generation string, manifest []string) (*core.Controller, error) {
	a.registerMu.Lock()
	defer a.registerMu.Unlock()

	if !a.resumed {
		a.resumed = true
		a.resume(ctx, generation)
	}

	a.mu.Lock()
	for _, c := range []*core.Controller{a.active, a.waiting} {
		if c != nil && c.Generation() == generation {
			a.mu.Unlock()
			a.log.Debug().Str("generation", generation).Msg("Generation already registered")
			return c, nil
		}
	}
	a.mu.Unlock()

	c := a.newController(generation, manifest)
	a.mu.Lock()
	a.installing = c
	a.mu.Unlock()

	err := c.Install(ctx)

	a.mu.Lock()
	if a.installing == c {
		a.installing = nil
	}
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if c.State() != core.Waiting {
		// activated while installing
		a.mu.Unlock()
		return c, nil
	}
	if a.active == nil {
		a.mu.Unlock()
		a.log.Info().Str("generation", generation).Msg("Nothing active, activating first generation")
		if err := c.Activate(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	previous := a.waiting
	a.waiting = c
	a.mu.Unlock()
	if previous != nil {
		previous.MarkRedundant()
	}
	a.log.Info().Str("generation", generation).Msg("New generation waiting")
	return c, nil
}

// resume restores the generation that was active in a previous run.
// Activation destroys every older generation, so the active one is the oldest stored;
// newer ones were still installing or waiting and never got consent.
func (a *AppShell) resume(ctx context.Context, generation string) {
	generations, err := a.store.Generations(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not list stored generations")
		return
	}
	for _, gen := range generations {
		if gen == generation {
			continue
		}
		c := a.newController(gen, nil)
		if err := c.Resume(ctx); err != nil {
			a.log.Warn().Err(err).Str("generation", gen).Msg("Could not resume generation")
			return
		}
		a.mu.Lock()
		a.active = c
		a.mu.Unlock()
		return
	}
}

// Activating implements core.Host.
func (a *AppShell) Activating(c *core.Controller) {
	a.mu.Lock()
	previous := a.active
	a.active = c
	// a waiting controller older than c loses its generation in the sweep
	superseded := a.waiting
	a.waiting = nil
	a.mu.Unlock()
	for _, old := range []*core.Controller{previous, superseded} {
		if old != nil && old != c {
			old.MarkRedundant()
		}
	}
}

// Retain implements core.Host. A generation still being installed survives the activation sweep.
func (a *AppShell) Retain(c *core.Controller) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.installing != nil && a.installing != c {
		return []string{a.installing.Generation()}
	}
	return nil
}

// Claim implements core.Host. All pages become controlled.
func (a *AppShell) Claim(c *core.Controller) {
	a.mu.Lock()
	claimed := len(a.uncontrolled)
	clear(a.uncontrolled)
	a.mu.Unlock()
	a.log.Debug().Str("generation", c.Generation()).Int("clients", claimed).Msg("Claimed clients")
}

// Message delivers a message to the waiting (or installing) controller.
// It reports whether the message was accepted.
func (a *AppShell) Message(ctx context.Context, msg core.Message) (bool, error) {
	a.mu.Lock()
	target := a.waiting
	if target == nil {
		target = a.installing
	}
	a.mu.Unlock()
	if target == nil {
		a.log.Trace().Str("message", string(msg)).Msg("No controller waiting for messages")
		return false, nil
	}
	return target.HandleMessage(ctx, msg)
}

// Active returns the active controller, if any.
func (a *AppShell) Active() *core.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

type ControllerStatus struct {
	Generation string     `json:"generation"`
	State      core.State `json:"state"`
	Pending    int        `json:"pending"`
}

type Status struct {
	Active          *ControllerStatus `json:"active,omitempty"`
	Waiting         *ControllerStatus `json:"waiting,omitempty"`
	UpdateAvailable bool              `json:"updateAvailable"`
}

func controllerStatus(c *core.Controller) *ControllerStatus {
	if c == nil {
		return nil
	}
	return &ControllerStatus{
		Generation: c.Generation(),
		State:      c.State(),
		Pending:    c.Pending(),
	}
}

func (a *AppShell) Status() Status {
	a.mu.Lock()
	active, waiting := a.active, a.waiting
	a.mu.Unlock()
	return Status{
		Active:          controllerStatus(active),
		Waiting:         controllerStatus(waiting),
		UpdateAvailable: waiting != nil,
	}
}

// Close waits for the background work of all controllers and closes the store.
func (a *AppShell) Close(ctx context.Context) error {
	a.mu.Lock()
	controllers := append([]*core.Controller(nil), a.controllers...)
	a.mu.Unlock()
	for _, c := range controllers {
		if err := c.Drain(ctx); err != nil {
			a.log.Warn().Err(err).Str("generation", c.Generation()).Msg("Background work not finished")
		}
	}
	return a.store.Close()
}
