package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/raskyld/molecule"
)

type api struct {
	broker *molecule.Broker
	logger *slog.Logger
}

// newRouter exposes the `$node` service and action calls over HTTP.
func newRouter(b *molecule.Broker, metricsHandler http.Handler, logger *slog.Logger) http.Handler {
	a := &api{broker: b, logger: logger.With(slog.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	r.Get("/health", a.introspect("$node.health"))
	r.Get("/nodes", a.introspect("$node.list"))
	r.Get("/services", a.introspect("$node.services"))
	r.Get("/actions", a.introspect("$node.actions"))
	r.Get("/events", a.introspect("$node.events"))
	r.Post("/call/{action}", a.call)
	return r
}

func (a *api) introspect(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := map[string]any{}
		if prefix := r.URL.Query().Get("prefix"); prefix != "" {
			params["prefix"] = prefix
		}
		res, err := a.broker.Call(r.Context(), action, params)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.reply(w, http.StatusOK, res)
	}
}

// call forwards the JSON body as params. `node` and `timeout` query
// parameters map to the matching call options.
func (a *api) call(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	var params any
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, &params)
	}
	if err != nil {
		a.fail(w, r, molecule.NewValidationError("invalid JSON body", "INVALID_BODY", err.Error()))
		return
	}

	var opts []molecule.CallOption
	if node := r.URL.Query().Get("node"); node != "" {
		opts = append(opts, molecule.OnNode(node))
	}
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			a.fail(w, r, molecule.NewValidationError("invalid timeout", "INVALID_TIMEOUT", raw))
			return
		}
		opts = append(opts, molecule.WithTimeout(timeout))
	}
	meta := map[string]any{}
	if id := middleware.GetReqID(r.Context()); id != "" {
		meta["httpRequestID"] = id
	}
	opts = append(opts, molecule.WithMeta(meta))

	res, err := a.broker.Call(r.Context(), action, params, opts...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.reply(w, http.StatusOK, res)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	merr := molecule.AsError(err)
	status := merr.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		a.logger.Warn("call failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	a.reply(w, status, merr.Payload())
}

func (a *api) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Debug("could not write response", slog.String("error", err.Error()))
	}
}
