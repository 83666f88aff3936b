package appshell

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/always-cache/appshell/core"
)

const (
	// ControlPrefix is the path prefix of the control endpoints.
	ControlPrefix = "/.appshell"
	// ClientCookie identifies a page across its requests.
	ClientCookie = "appshell-client"

	maxMessageBytes = 4096
)

func (a *AppShell) routes() chi.Router {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/message", a.handleMessage)
		r.Post("/refresh", a.handleRefresh)
	})
	r.Handle("/*", http.HandlerFunc(a.intercept))
	return r
}

func (a *AppShell) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		a.log.Error().Err(err).Msg("Could not write status")
	}
}

func (a *AppShell) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "Could not read message", http.StatusBadRequest)
		return
	}
	msg := core.ParseMessage(body)
	delivered, err := a.Message(r.Context(), msg)
	if err != nil {
		a.log.Error().Err(err).Str("message", string(msg)).Msg("Could not handle message")
		http.Error(w, "Could not handle message", http.StatusInternalServerError)
		return
	}
	if !delivered {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *AppShell) handleRefresh(w http.ResponseWriter, r *http.Request) {
	active := a.Active()
	if active == nil {
		http.Error(w, "No active generation", http.StatusConflict)
		return
	}
	if err := active.RefreshAll(r.Context()); err != nil {
		if errors.Is(err, core.ErrNotActive) {
			http.Error(w, "No active generation", http.StatusConflict)
			return
		}
		a.log.Error().Err(err).Msg("Could not refresh")
		http.Error(w, "Could not refresh", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "Updating all content...")
}

// intercept routes a request to the active controller.
// Pages loaded while nothing was active stay uncontrolled until a controller claims them.
func (a *AppShell) intercept(w http.ResponseWriter, r *http.Request) {
	navigation := core.Describe(r, a.keyer.Scope).Navigation
	client := a.clientID(w, r, navigation)

	a.mu.Lock()
	active := a.active
	if navigation && client != "" {
		if active == nil {
			a.uncontrolled[client] = struct{}{}
		} else {
			delete(a.uncontrolled, client)
		}
	}
	_, uncontrolled := a.uncontrolled[client]
	a.mu.Unlock()

	if active == nil || uncontrolled {
		a.log.Trace().Str("client", client).Msgf("Uncontrolled request: %s %s", r.Method, r.URL.Path)
		a.passthrough.ServeHTTP(w, r)
		return
	}
	active.ServeHTTP(w, r)
}

// clientID returns the page identifier of the request.
// Navigations without one get a new identifier.
func (a *AppShell) clientID(w http.ResponseWriter, r *http.Request, navigation bool) string {
	if cookie, err := r.Cookie(ClientCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if !navigation {
		return ""
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     a.keyer.Scope.Path,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
