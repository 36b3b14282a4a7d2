package sworker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sworker/internal/registry"
)

const adminPrefix = "/__worker"

const maxControlBody = 64 * 1024

// Router serves the control surface under /__worker and hands every other
// request to the worker. Absolute-form requests always go to the worker so
// a third-party /__worker path is never answered locally.
func (w *Worker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)

	r.Route(adminPrefix, func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Post("/control", w.handleControl)
		r.Get("/clients", w.hub.ServeWS)
		r.Get("/logs", w.handleLogs)
		r.Delete("/logs", w.handleClearLogs)
		r.Get("/status", w.handleStatus)
	})
	r.NotFound(w.ServeHTTP)
	r.MethodNotAllowed(w.ServeHTTP)

	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.IsAbs() {
			w.ServeHTTP(rw, req)
			return
		}
		r.ServeHTTP(rw, req)
	})
}

func writeJSON(rw http.ResponseWriter, status int, payload any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(payload)
}

func errorJSON(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// controlAllowed reports whether r comes from a page of server.origin.
// Requests without fetch metadata or Origin (curl, server to server) are
// accepted; a browser always sends one of them cross-site.
func (w *Worker) controlAllowed(r *http.Request) bool {
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Site")) {
	case "", "same-origin", "none":
	default:
		return false
	}
	o := r.Header.Get("Origin")
	if o == "" {
		return true
	}
	norm, ok := normalizeOrigin(o)
	return ok && norm == originOf(w.cfg.origin)
}

func (w *Worker) handleControl(rw http.ResponseWriter, r *http.Request) {
	if !w.controlAllowed(r) {
		w.log.Warn().Str("origin", r.Header.Get("Origin")).Str("site", r.Header.Get("Sec-Fetch-Site")).Msg("rejected cross-origin control message")
		errorJSON(rw, http.StatusForbidden, "cross-origin control messages are not accepted")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		errorJSON(rw, http.StatusBadRequest, err.Error())
		return
	}
	applied, err := w.HandleMessage(body)
	if err != nil {
		errorJSON(rw, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"applied": applied})
}

func (w *Worker) handleLogs(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"level":   w.sink.Level().String(),
		"total":   w.sink.Total(),
		"entries": w.sink.Entries(),
	})
}

func (w *Worker) handleClearLogs(rw http.ResponseWriter, r *http.Request) {
	if !w.controlAllowed(r) {
		errorJSON(rw, http.StatusForbidden, "cross-origin requests are not accepted")
		return
	}
	w.sink.Clear()
	rw.WriteHeader(http.StatusNoContent)
}

// Status is the snapshot served on /__worker/status.
type Status struct {
	Version       string            `json:"version"`
	State         LifecycleState    `json:"state"`
	Claimed       bool              `json:"claimed"`
	Partitions    map[string]int    `json:"partitions"`
	Conditions    NetworkConditions `json:"networkConditions"`
	IframeOrigins []string          `json:"iframeOrigins"`
	ProxyDomains  []string          `json:"proxyDomains"`
	Clients       int               `json:"clients"`
	Stats         statsSnapshot     `json:"stats"`

	InstalledAt *time.Time                  `json:"installedAt,omitempty"`
	ActivatedAt *time.Time                  `json:"activatedAt,omitempty"`
	Versions    []registry.Version          `json:"versions"`
	Precache    []registry.PrecacheEntry    `json:"precache"`
	Retired     []registry.RetiredPartition `json:"retired"`
}

func (w *Worker) Status() (Status, error) {
	st := Status{
		Version:       w.cfg.Worker.Version,
		State:         w.State(),
		Claimed:       w.claimed.Load(),
		Partitions:    map[string]int{},
		Conditions:    w.conditions.Get(),
		IframeOrigins: w.iframeOrigins.List(),
		ProxyDomains:  w.proxyHeaders.Domains(),
		Clients:       w.hub.Len(),
		Stats:         w.stats.Snapshot(),
	}
	version := w.cfg.Worker.Version
	cur, err := w.registry.VersionInfo(version)
	switch {
	case err == nil:
		st.InstalledAt, st.ActivatedAt = &cur.InstalledAt, cur.ActivatedAt
	case !errors.Is(err, registry.ErrNotFound):
		return st, err
	}
	if st.Versions, err = w.registry.Versions(); err != nil {
		return st, err
	}
	if st.Precache, err = w.registry.PrecacheURLs(version); err != nil {
		return st, err
	}
	if st.Retired, err = w.registry.RetiredPartitions(); err != nil {
		return st, err
	}

	names, err := w.store.Names()
	if err != nil {
		return st, err
	}
	sort.Strings(names)
	for _, n := range names {
		c, err := w.store.Partition(n).Len()
		if err != nil {
			return st, err
		}
		st.Partitions[n] = c
	}
	return st, nil
}

func (w *Worker) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	st, err := w.Status()
	if err != nil {
		errorJSON(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, st)
}
