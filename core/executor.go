package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/appshell/cache"
	cachestatus "github.com/always-cache/appshell/pkg/cache-status"
)

// GenerationHeader names the generation that answered a request.
const GenerationHeader = "X-AppShell-Generation"

// ServeHTTP implements the http.Handler interface.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer c.recover(w, r)
	c.serveIntercepted(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (c *Controller) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		c.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in controller")
		c.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the network.
func (c *Controller) escapeHatch(w http.ResponseWriter, r *http.Request) {
	var status cachestatus.CacheStatus
	status.Forward(cachestatus.FwdBypass)
	if err := c.forward(w, r, status); err != nil {
		c.log.Error().Err(err).Msg("Error connecting to network")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
	}
}

// serveIntercepted is the main entry point for intercepted requests.
func (c *Controller) serveIntercepted(w http.ResponseWriter, r *http.Request) {
	if c.State() == Activating {
		select {
		case <-c.ready:
		case <-r.Context().Done():
			http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
			return
		}
	}

	d := Describe(r, c.keyer.Scope)
	strategy := c.selector.Select(d)
	log := c.log.With().Str("strategy", strategy.String()).Logger()
	log.Trace().Bool("navigation", d.Navigation).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	if strategy == Bypass {
		var status cachestatus.CacheStatus
		if r.Method != http.MethodGet {
			status.Forward(cachestatus.FwdMethod)
		} else {
			status.Forward(cachestatus.FwdBypass)
		}
		if err := c.forward(w, r, status); err != nil {
			log.Error().Err(err).Msg("Could not fetch response from network")
			http.Error(w, "Error contacting origin", http.StatusBadGateway)
		}
		return
	}

	key := c.keyer.GetKey(r)
	log = log.With().Str("key", key).Logger()
	h := c.currentHandle()
	if h == nil {
		c.escapeHatch(w, r)
		return
	}

	var snap *cache.Snapshot
	var status cachestatus.CacheStatus
	var err error
	switch strategy {
	case NetworkFirst:
		snap, status, err = c.networkFirst(r, h, key, d.Navigation, log)
	case CacheFirst:
		snap, status, err = c.cacheFirst(r, h, key, log)
	default:
		snap, status, err = c.staleWhileRevalidate(r, h, key, log)
	}
	status.Detail = strategy.String()
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch response from network")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	c.send(w, r, snap, status)
}

// networkFirst prefers the network and falls back to stored snapshots.
func (c *Controller) networkFirst(r *http.Request, handle cache.Handle, key string, navigation bool, log zerolog.Logger) (*cache.Snapshot, cachestatus.CacheStatus, error) {
	var status cachestatus.CacheStatus
	ctx := r.Context()
	snap, err := c.fetch(ctx, r)
	if err == nil {
		status.Forward(cachestatus.FwdRequest)
		status.Stored = c.put(ctx, handle, key, snap, log)
		return snap, status, nil
	}
	log.Debug().Err(err).Msg("Network failed, looking for stored response")

	keys := []string{key}
	if navigation {
		for _, path := range c.opts.NavigationFallbacks {
			keys = append(keys, c.keyer.PathKey(path))
		}
	}
	for _, k := range keys {
		if stored, ok := c.lookup(ctx, handle, k, log); ok {
			log.Trace().Str("fallback", k).Msg("Serving stored response")
			status.Hit()
			return stored, status, nil
		}
	}
	// a response treated as failure is still the best one we have
	if snap != nil {
		status.Forward(cachestatus.FwdRequest)
		return snap, status, nil
	}
	return nil, status, err
}

// cacheFirst serves stored snapshots and refreshes them in the background.
func (c *Controller) cacheFirst(r *http.Request, handle cache.Handle, key string, log zerolog.Logger) (*cache.Snapshot, cachestatus.CacheStatus, error) {
	var status cachestatus.CacheStatus
	ctx := r.Context()
	if stored, ok := c.lookup(ctx, handle, key, log); ok {
		bg := context.WithoutCancel(ctx)
		req := r.Clone(bg)
		c.tasks.Go(func() {
			if _, _, err := c.refresh(bg, handle, key, req); err != nil {
				log.Debug().Err(err).Msg("Background refresh failed")
			}
		})
		status.Hit()
		return stored, status, nil
	}
	status.Forward(cachestatus.FwdUriMiss)
	snap, err := c.fetch(ctx, r)
	if err != nil {
		if snap != nil {
			return snap, status, nil
		}
		return nil, status, err
	}
	status.Stored = c.put(ctx, handle, key, snap, log)
	return snap, status, nil
}

type refreshResult struct {
	snap   *cache.Snapshot
	stored bool
	err    error
}

// staleWhileRevalidate races the store against a background fetch.
// A stored snapshot wins; the fetch result only updates the store.
func (c *Controller) staleWhileRevalidate(r *http.Request, handle cache.Handle, key string, log zerolog.Logger) (*cache.Snapshot, cachestatus.CacheStatus, error) {
	var status cachestatus.CacheStatus
	ctx := r.Context()
	bg := context.WithoutCancel(ctx)
	req := r.Clone(bg)
	result := make(chan refreshResult, 1)
	c.tasks.Go(func() {
		snap, stored, err := c.refresh(bg, handle, key, req)
		if err != nil {
			log.Debug().Err(err).Msg("Background refresh failed")
		}
		result <- refreshResult{snap: snap, stored: stored, err: err}
	})

	if stored, ok := c.lookup(ctx, handle, key, log); ok {
		status.Hit()
		return stored, status, nil
	}

	status.Forward(cachestatus.FwdUriMiss)
	select {
	case res := <-result:
		if res.err != nil && res.snap == nil {
			return nil, status, res.err
		}
		status.Stored = res.stored
		return res.snap, status, nil
	case <-ctx.Done():
		return nil, status, ctx.Err()
	}
}

type refreshed struct {
	snap   *cache.Snapshot
	stored bool
}

// refresh fetches the request and stores the result.
// Concurrent refreshes of the same key share one fetch; every caller gets its own copy.
// Content equal to the stored snapshot is not written again.
func (c *Controller) refresh(ctx context.Context, handle cache.Handle, key string, req *http.Request) (*cache.Snapshot, bool, error) {
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		snap, err := c.fetch(ctx, req)
		if err != nil {
			return refreshed{snap: snap}, err
		}
		log := c.log.With().Str("key", key).Logger()
		if current, ok := c.lookup(ctx, handle, key, log); ok && current.Digest() == snap.Digest() {
			log.Trace().Msg("Content unchanged, skipping write")
			return refreshed{snap: snap}, nil
		}
		return refreshed{snap: snap, stored: c.put(ctx, handle, key, snap, log)}, nil
	})
	if shared {
		c.log.Trace().Str("key", key).Msg("Joined running refresh")
	}
	res, _ := v.(refreshed)
	return res.snap.Clone(), res.stored, err
}

// fetch gets a snapshot from the network.
// With ErrorStatusIsFailure a non-success response is returned together with a StatusError.
func (c *Controller) fetch(ctx context.Context, r *http.Request) (*cache.Snapshot, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	res, err := c.network.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	snap, err := cache.Capture(res)
	if err != nil {
		return nil, err
	}
	if c.opts.ErrorStatusIsFailure && !snap.OK() {
		return snap, &StatusError{StatusCode: snap.StatusCode}
	}
	return snap, nil
}

func (c *Controller) lookup(ctx context.Context, handle cache.Handle, key string, log zerolog.Logger) (*cache.Snapshot, bool) {
	snap, ok, err := handle.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read from store")
		return nil, false
	}
	return snap, ok
}

// put stores the snapshot and reports whether it was written.
// Store failures never reach the client.
func (c *Controller) put(ctx context.Context, handle cache.Handle, key string, snap *cache.Snapshot, log zerolog.Logger) bool {
	if err := handle.Put(ctx, key, snap); err != nil {
		if errors.Is(err, cache.ErrGenerationNotFound) {
			log.Debug().Msg("Generation is gone, not storing")
		} else {
			log.Warn().Err(err).Msg("Could not write to store")
		}
		return false
	}
	log.Trace().Msg("Store write")
	return true
}

// forward streams the network response to the client without storing it.
func (c *Controller) forward(w http.ResponseWriter, r *http.Request, status cachestatus.CacheStatus) error {
	return forward(w, r, c.network, c.opts.Timeout, status, c.generation, c.log)
}

func forward(w http.ResponseWriter, r *http.Request, network Fetcher, timeout time.Duration, status cachestatus.CacheStatus, generation string, log zerolog.Logger) error {
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := network.Fetch(ctx, r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Del("Connection")
	w.Header().Set(cachestatus.HeaderName, status.String())
	if generation != "" {
		w.Header().Set(GenerationHeader, generation)
	}
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
	return nil
}

// Passthrough returns a handler that sends every request straight to the network.
// It serves clients that no controller controls.
func Passthrough(network Fetcher, timeout time.Duration, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var status cachestatus.CacheStatus
		status.Forward(cachestatus.FwdBypass)
		if err := forward(w, r, network, timeout, status, "", logger); err != nil {
			logger.Error().Err(err).Msg("Could not fetch response from network")
			http.Error(w, "Error contacting origin", http.StatusBadGateway)
		}
	})
}

func (c *Controller) send(w http.ResponseWriter, r *http.Request, snap *cache.Snapshot, status cachestatus.CacheStatus) {
	c.log.Debug().
		Str("url", r.URL.String()).
		Bool("hit", status.IsHit()).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Str("detail", status.Detail).
		Int("code", snap.StatusCode).
		Msg("Sending response to client")

	copyHeader(w.Header(), snap.Header)
	w.Header().Set(cachestatus.HeaderName, status.String())
	w.Header().Set(GenerationHeader, c.generation)
	w.WriteHeader(snap.StatusCode)
	bytesWritten, err := w.Write(snap.Body)
	if err != nil {
		c.log.Error().Err(err).Msg("Error writing to client")
	}
	c.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}
