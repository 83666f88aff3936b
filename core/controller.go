package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/appshell/cache"
	cachekey "github.com/always-cache/appshell/pkg/cache-key"
)

var (
	// ErrNotWaiting is returned when activating a controller that is not waiting.
	ErrNotWaiting = errors.New("controller is not waiting")
	// ErrNotActive is returned for operations that need an active controller.
	ErrNotActive = errors.New("controller is not active")
)

// State is a lifecycle state of a controller.
type State int

const (
	Installing State = iota
	Waiting
	Activating
	Active
	Redundant
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Host is the runtime a controller is registered with.
type Host interface {
	// Activating is called when the controller starts replacing the active one.
	// Requests routed to the controller from then on wait until it is active.
	Activating(c *Controller)
	// Retain returns the generations, besides its own, that must survive
	// the activation of the controller, such as one still being installed.
	Retain(c *Controller) []string
	// Claim hands all open clients to the controller.
	Claim(c *Controller)
}

type Options struct {
	// Treat non-success responses as network failures.
	ErrorStatusIsFailure bool
	// Upper bound for each network fetch. Zero means no timeout.
	Timeout time.Duration
	// Number of precache fetches running at the same time.
	PrecacheConcurrency int
	// Paths tried for navigations when the network and the exact key fail.
	NavigationFallbacks []string
}

const defaultPrecacheConcurrency = 4

func DefaultOptions() Options {
	return Options{
		PrecacheConcurrency: defaultPrecacheConcurrency,
		NavigationFallbacks: []string{"/", "/index.html"},
	}
}

type ControllerConfig struct {
	Generation string
	// Paths fetched and stored at install, relative to the scope.
	Manifest []string
	Store    cache.Provider
	Network  Fetcher
	Keyer    cachekey.CacheKeyer
	Selector Selector
	Options  Options
	Host     Host
	Logger   *zerolog.Logger
}

// Controller owns one generation of the store and serves intercepted requests from it.
// It never activates itself: activation is requested by the host.
type Controller struct {
	generation string
	manifest   []string
	store      cache.Provider
	network    Fetcher
	keyer      cachekey.CacheKeyer
	selector   Selector
	opts       Options
	host       Host
	log        zerolog.Logger

	mu            sync.Mutex
	state         State
	handle        cache.Handle
	skipRequested bool
	ready         chan struct{}
	readyOnce     sync.Once

	group singleflight.Group
	tasks inflight
}

func NewController(config ControllerConfig) *Controller {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	opts := config.Options
	if opts.PrecacheConcurrency <= 0 {
		opts.PrecacheConcurrency = defaultPrecacheConcurrency
	}
	selector := config.Selector
	if selector.Rules == nil {
		selector = NewSelector(nil)
	}
	return &Controller{
		generation: config.Generation,
		manifest:   config.Manifest,
		store:      config.Store,
		network:    config.Network,
		keyer:      config.Keyer,
		selector:   selector,
		opts:       opts,
		host:       config.Host,
		log:        logger.With().Str("generation", config.Generation).Logger(),
		state:      Installing,
		ready:      make(chan struct{}),
	}
}

func (c *Controller) Generation() string {
	return c.generation
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of running background tasks.
func (c *Controller) Pending() int {
	return c.tasks.Len()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("State change")
	c.state = s
}

func (c *Controller) currentHandle() cache.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Controller) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Install opens the generation and populates it with the manifest entries.
// Entries fail individually without affecting the others.
// On return the controller is waiting, unless activation was requested during install.
func (c *Controller) Install(ctx context.Context) error {
	c.log.Info().Int("entries", len(c.manifest)).Msg("Installing")
	handle, err := c.store.Open(ctx, c.generation)
	if err != nil {
		c.setState(Redundant)
		return fmt.Errorf("open generation %s: %w", c.generation, err)
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()

	var failed atomic.Int32
	g := errgroup.Group{}
	g.SetLimit(c.opts.PrecacheConcurrency)
	for _, path := range c.manifest {
		path := path
		g.Go(func() error {
			if err := c.precache(ctx, handle, path); err != nil {
				failed.Add(1)
				c.log.Warn().Err(err).Str("path", path).Msg("Could not precache entry")
			}
			return nil
		})
	}
	g.Wait()
	c.log.Info().
		Int("stored", len(c.manifest)-int(failed.Load())).
		Int("failed", int(failed.Load())).
		Msg("Installed")

	if err := c.checkExists(ctx); err != nil {
		c.setState(Redundant)
		c.markReady()
		return err
	}

	c.mu.Lock()
	if c.state != Installing {
		c.mu.Unlock()
		return nil
	}
	c.state = Waiting
	skip := c.skipRequested
	c.mu.Unlock()

	if skip {
		c.log.Debug().Msg("Activation was requested during install")
		return c.Activate(ctx)
	}
	return nil
}

// checkExists fails if the generation was destroyed while it was being populated.
func (c *Controller) checkExists(ctx context.Context) error {
	generations, err := c.store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	if !slices.Contains(generations, c.generation) {
		c.log.Warn().Msg("Generation was destroyed during install")
		return fmt.Errorf("install generation %s: %w", c.generation, cache.ErrGenerationNotFound)
	}
	return nil
}

func (c *Controller) precache(ctx context.Context, handle cache.Handle, path string) error {
	u := c.keyer.Resolve(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	snap, err := c.fetch(ctx, req)
	if err != nil {
		return err
	}
	if !snap.OK() {
		return &StatusError{StatusCode: snap.StatusCode}
	}
	return handle.Put(ctx, c.keyer.PathKey(path), snap)
}

// Activate makes the controller the active one.
// Every other generation in the store is destroyed and open clients are claimed.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Waiting {
		c.mu.Unlock()
		return ErrNotWaiting
	}
	c.state = Activating
	c.mu.Unlock()
	c.log.Info().Msg("Activating")

	if c.host != nil {
		c.host.Activating(c)
	}

	retain := map[string]bool{c.generation: true}
	if c.host != nil {
		for _, gen := range c.host.Retain(c) {
			retain[gen] = true
		}
	}
	generations, err := c.store.Generations(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not list generations")
	}
	for _, gen := range generations {
		if retain[gen] {
			if gen != c.generation {
				c.log.Debug().Str("retained", gen).Msg("Keeping generation")
			}
			continue
		}
		if err := c.store.Destroy(ctx, gen); err != nil {
			c.log.Warn().Err(err).Str("stale", gen).Msg("Could not destroy generation")
			continue
		}
		c.log.Debug().Str("stale", gen).Msg("Destroyed generation")
	}

	if c.host != nil {
		c.host.Claim(c)
	}
	c.setState(Active)
	c.markReady()
	c.log.Info().Msg("Active")
	return nil
}

// HandleMessage handles a message from the hosting application.
// It reports whether the message was accepted.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) (bool, error) {
	if msg != MessageSkipWaiting {
		c.log.Trace().Str("message", string(msg)).Msg("Ignoring unknown message")
		return false, nil
	}
	c.mu.Lock()
	state := c.state
	if state == Installing {
		c.skipRequested = true
	}
	c.mu.Unlock()

	switch state {
	case Installing:
		c.log.Debug().Msg("Activation requested during install")
		return true, nil
	case Waiting:
		if err := c.Activate(ctx); err != nil {
			if errors.Is(err, ErrNotWaiting) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	c.log.Trace().Str("state", state.String()).Msg("Ignoring skip waiting")
	return false, nil
}

// Resume restores a generation that was active before,
// without populating it and without touching other generations.
func (c *Controller) Resume(ctx context.Context) error {
	handle, err := c.store.Open(ctx, c.generation)
	if err != nil {
		c.setState(Redundant)
		return fmt.Errorf("open generation %s: %w", c.generation, err)
	}
	c.mu.Lock()
	c.handle = handle
	c.state = Active
	c.mu.Unlock()
	c.markReady()
	c.log.Info().Msg("Resumed")
	return nil
}

// MarkRedundant is called by the host when another controller took over.
func (c *Controller) MarkRedundant() {
	c.setState(Redundant)
	// release requests that might still wait for this controller
	c.markReady()
}

// Drain waits until all background work of the controller has finished.
func (c *Controller) Drain(ctx context.Context) error {
	return c.tasks.Wait(ctx)
}

// RefreshAll re-fetches every entry of the generation in the background.
func (c *Controller) RefreshAll(ctx context.Context) error {
	if c.State() != Active {
		return ErrNotActive
	}
	handle := c.currentHandle()
	bg := context.WithoutCancel(ctx)
	return handle.Keys(ctx, func(key string) {
		req, err := c.keyer.GetRequestFromKey(key)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Could not create request for refreshing")
			return
		}
		req = req.WithContext(bg)
		c.tasks.Go(func() {
			if _, _, err := c.refresh(bg, handle, key, req); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("Could not refresh entry")
			}
		})
	})
}
