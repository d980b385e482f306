// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatch holds the explicit (path, method) route table that
// relayed requests and snapshot jobs are resolved against.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/canonical/velero-relay/core/principal"
)

// Handler serves a single route.
type Handler func(ctx context.Context, req Request) (any, error)

// Route is a registered handler with its optional request schema.
type Route struct {
	Handler Handler

	// NewBody returns the value that params of mutating requests are
	// decoded into. When nil the handler receives the raw request only.
	NewBody func() any

	// Schema, when set, validates params before they are decoded.
	Schema *jsonschema.Schema
}

// Request is what a handler is invoked with.
type Request struct {
	Method string
	Path   string

	// Query holds the typed params of GET requests.
	Query map[string]any
	// Body holds the decoded params of mutating requests, if the route
	// declares a body.
	Body any
	// Raw is the params exactly as received.
	Raw json.RawMessage

	Principal principal.Principal
}

// Response lets a handler choose a status. Only Body is relayed.
type Response struct {
	Status int
	Body   any
}

type routeKey struct {
	method string
	path   string
}

// Table maps (path, method) to routes.
type Table struct {
	mu     sync.RWMutex
	routes map[routeKey]Route
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{routes: make(map[routeKey]Route)}
}

func normalize(method, path string) routeKey {
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	return routeKey{method: strings.ToUpper(strings.TrimSpace(method)), path: path}
}

// Register adds a route. Registering the same method and path twice is an
// error.
func (t *Table) Register(method, path string, route Route) error {
	if route.Handler == nil {
		return errors.NotValidf("route %s %s without handler", method, path)
	}
	key := normalize(method, path)
	if !supported(key.method) {
		return errors.NotSupportedf("method %q", method)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[key]; ok {
		return errors.AlreadyExistsf("route %s %s", key.method, key.path)
	}
	t.routes[key] = route
	return nil
}

// MustRegister is Register for routes built at startup.
func (t *Table) MustRegister(method, path string, route Route) {
	if err := t.Register(method, path, route); err != nil {
		panic(err)
	}
}

// Resolve looks up the route for path and method.
func (t *Table) Resolve(path, method string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	route, ok := t.routes[normalize(method, path)]
	return route, ok
}

// Routes lists the registered routes as "METHOD /path".
func (t *Table) Routes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for key := range t.routes {
		out = append(out, key.method+" "+key.path)
	}
	sort.Strings(out)
	return out
}

func supported(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func mutating(method string) bool {
	return method != http.MethodGet && supported(method)
}
