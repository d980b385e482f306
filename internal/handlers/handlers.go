// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package handlers registers the routes the agent serves to relayed calls
// and snapshot jobs.
package handlers

import (
	"context"
	"net/http"

	"github.com/juju/errors"

	"github.com/canonical/velero-relay/internal/dispatch"
	"github.com/canonical/velero-relay/internal/kubernetes"
	"github.com/canonical/velero-relay/internal/resourcewatcher"
)

// Info describes the running agent.
type Info struct {
	AppName   string `json:"app_name"`
	Version   string `json:"version"`
	ClusterID string `json:"cluster_id"`
	AgentName string `json:"agent_name"`
}

// Lister lists velero resources.
type Lister interface {
	List(ctx context.Context, kind, namespace string) (kubernetes.ListResult, error)
}

// Watches is the resource watcher as seen by the watch routes.
type Watches interface {
	StartWatch(req resourcewatcher.WatchRequest) error
	Report() map[string]any
}

// Config holds what the routes serve.
type Config struct {
	Info      Info
	Resources Lister
	Watcher   Watches
	// Namespace is listed when a request does not name one.
	Namespace string
}

// Validate returns an error if the routes cannot be registered.
func (config Config) Validate() error {
	if config.Resources == nil {
		return errors.NotValidf("nil Resources")
	}
	if config.Watcher == nil {
		return errors.NotValidf("nil Watcher")
	}
	return nil
}

const startWatchSchema = `{
	"type": "object",
	"required": ["plural"],
	"properties": {
		"plural": {"type": "string", "minLength": 1},
		"namespace": {"type": "string"}
	},
	"additionalProperties": false
}`

// StartWatchBody is the body of POST /watches/start.
type StartWatchBody struct {
	Plural    string `json:"plural"`
	Namespace string `json:"namespace"`
}

// Register adds the agent routes to table.
func Register(table *dispatch.Table, config Config) error {
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	schema, err := dispatch.CompileSchema("watches-start.json", startWatchSchema)
	if err != nil {
		return errors.Trace(err)
	}
	h := &routes{config: config}
	for _, r := range []struct {
		method string
		path   string
		route  dispatch.Route
	}{
		{http.MethodGet, "/info/get", dispatch.Route{Handler: h.info}},
		{http.MethodGet, "/resources/list", dispatch.Route{Handler: h.listResources}},
		{http.MethodGet, "/watches/get", dispatch.Route{Handler: h.watches}},
		{http.MethodPost, "/watches/start", dispatch.Route{
			Handler: h.startWatch,
			NewBody: func() any { return &StartWatchBody{} },
			Schema:  schema,
		}},
	} {
		if err := table.Register(r.method, r.path, r.route); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

type routes struct {
	config Config
}

func (h *routes) info(context.Context, dispatch.Request) (any, error) {
	return h.config.Info, nil
}

func (h *routes) listResources(ctx context.Context, req dispatch.Request) (any, error) {
	plural, _ := req.Query["plural"].(string)
	if plural == "" {
		return nil, errors.NotValidf("missing plural")
	}
	namespace, _ := req.Query["namespace"].(string)
	if namespace == "" {
		namespace = h.config.Namespace
	}
	result, err := h.config.Resources.List(ctx, plural, namespace)
	if err != nil {
		return nil, errors.Trace(err)
	}
	items := result.Items
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{
		"plural":          plural,
		"namespace":       namespace,
		"resourceVersion": result.ResourceVersion,
		"items":           items,
	}, nil
}

func (h *routes) watches(context.Context, dispatch.Request) (any, error) {
	return h.config.Watcher.Report(), nil
}

func (h *routes) startWatch(_ context.Context, req dispatch.Request) (any, error) {
	body, ok := req.Body.(*StartWatchBody)
	if !ok {
		return nil, errors.NotValidf("request body %T", req.Body)
	}
	err := h.config.Watcher.StartWatch(resourcewatcher.WatchRequest{
		Kind:      body.Plural,
		Namespace: body.Namespace,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return dispatch.Response{
		Status: http.StatusAccepted,
		Body:   map[string]any{"success": true, "plural": body.Plural},
	}, nil
}
