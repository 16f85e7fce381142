// Package api is the JSON request router served by the listener.  It
// exposes a controller over HTTP: one-shot command execution, the
// control socket and interactive shells.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"ctrlport/controller"
	"ctrlport/internal/metrics"
	"ctrlport/util"
)

// envelope is the shape of every response body.  The HTTP status is
// always 200, so success travels in OK.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// handlerFunc serves one route.  A non-nil error becomes an error
// envelope; data is still attached when present.
type handlerFunc func(req *http.Request, vars map[string]string) (any, error)

// route lets mux store a handlerFunc and serve it directly.
type route handlerFunc

func (h route) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, h.respond(req, mux.Vars(req)))
}

func (h route) respond(req *http.Request, vars map[string]string) string {
	data, err := h(req, vars)
	if err != nil {
		return encode(envelope{Error: err.Error(), Data: data})
	}
	return encode(envelope{OK: true, Data: data})
}

// Router implements server.Dispatcher on top of a gorilla/mux route
// table.  It is safe for concurrent use.
type Router struct {
	ctrl          controller.Controller
	metrics       *metrics.Collector
	logger        *util.Logger
	socketAddress string

	routes *mux.Router

	mu     sync.Mutex
	shells map[string]controller.Session
}

// NewRouter builds the route table for ctrl.  socketAddress is where
// POST /socket binds when the request does not name an address.
func NewRouter(ctrl controller.Controller, socketAddress string, logger *util.Logger, m *metrics.Collector) *Router {
	r := &Router{
		ctrl:          ctrl,
		metrics:       m,
		logger:        logger.Named("api"),
		socketAddress: socketAddress,
		routes:        mux.NewRouter(),
		shells:        make(map[string]controller.Session),
	}

	r.handle("health", "/health", r.health, http.MethodGet)
	r.handle("metrics", "/metrics", r.metricsSnapshot, http.MethodGet)
	r.handle("command", "/command", r.command, http.MethodPost)
	r.handle("socket-create", "/socket", r.createSocket, http.MethodPost)
	r.handle("socket-close", "/socket", r.closeSocket, http.MethodDelete)
	r.handle("shell-open", "/shells", r.openShell, http.MethodPost)
	r.handle("shell-list", "/shells", r.listShells, http.MethodGet)
	r.handle("shell-write", "/shells/{id}/write", r.writeShell, http.MethodPost)
	r.handle("shell-read", "/shells/{id}/read", r.readShell, http.MethodGet)
	r.handle("shell-close", "/shells/{id}", r.closeShell, http.MethodDelete)

	r.routes.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, notFound(req))
	})
	r.routes.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, notAllowed(req))
	})
	return r
}

func (r *Router) handle(name, path string, h handlerFunc, method string) {
	r.routes.Handle(path, route(h)).Methods(method).Name(name)
}

// HandleRoute matches req against the route table and returns the JSON
// envelope produced by the matching handler.
func (r *Router) HandleRoute(req *http.Request) string {
	var match mux.RouteMatch
	if !r.routes.Match(req, &match) || match.MatchErr != nil {
		if match.MatchErr == mux.ErrMethodMismatch {
			return notAllowed(req)
		}
		return notFound(req)
	}

	h, ok := match.Handler.(route)
	if !ok {
		return notFound(req)
	}
	body := h.respond(req, match.Vars)
	r.logger.Debug("%s %s (%s)", req.Method, req.URL.Path, match.Route.GetName())
	return body
}

// ServeHTTP lets the route table be mounted on a regular net/http
// server as well.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.routes.ServeHTTP(w, req)
}

// Close terminates every open shell.
func (r *Router) Close() {
	r.mu.Lock()
	shells := r.shells
	r.shells = make(map[string]controller.Session)
	r.mu.Unlock()

	for id, s := range shells {
		s.Close()
		r.logger.Debug("shell %s closed", id)
	}
}

func notFound(req *http.Request) string {
	return encode(envelope{Error: fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path)})
}

func notAllowed(req *http.Request) string {
	return encode(envelope{Error: fmt.Sprintf("method %s not allowed for %s", req.Method, req.URL.Path)})
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body) //nolint:errcheck
}

func encode(env envelope) string {
	b, err := json.Marshal(env)
	if err != nil {
		b, _ = json.Marshal(envelope{Error: "encoding response: " + err.Error()})
	}
	return string(b)
}
