// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kubernetes

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	coreerrors "github.com/canonical/velero-relay/core/errors"
)

var logger = loggo.GetLogger("velero.relay.kubernetes")

// ListResult is the outcome of listing one resource kind.
type ListResult struct {
	// ResourceVersion is the cursor from which a watch can resume.
	ResourceVersion string
	// Items holds the listed manifests.
	Items []map[string]any
}

// Client is the watch-capable resource API over the velero custom
// resources.
type Client struct {
	dynamic dynamic.Interface
}

// NewClient returns a Client using the supplied dynamic interface.
func NewClient(di dynamic.Interface) *Client {
	return &Client{dynamic: di}
}

// RESTConfig builds a rest config from a kubeconfig path, falling back to
// the in-cluster config when the path is empty.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, errors.Annotate(err, "loading in-cluster config")
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, errors.Annotatef(err, "loading kubeconfig %q", kubeconfig)
	}
	return cfg, nil
}

// NewClientForConfig returns a Client for the cluster described by cfg.
func NewClientForConfig(cfg *rest.Config) (*Client, error) {
	di, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewClient(di), nil
}

// HasKind reports whether kind is a known velero plural.
func (c *Client) HasKind(kind string) bool {
	_, ok := GroupVersionResource(kind)
	return ok
}

func (c *Client) resource(kind, namespace string) (dynamic.ResourceInterface, error) {
	gvr, ok := GroupVersionResource(kind)
	if !ok {
		return nil, errors.NotFoundf("resource kind %q", kind)
	}
	if namespace == "" {
		return c.dynamic.Resource(gvr), nil
	}
	return c.dynamic.Resource(gvr).Namespace(namespace), nil
}

// List lists every object of kind in namespace. An empty namespace lists
// across all namespaces.
func (c *Client) List(ctx context.Context, kind, namespace string) (ListResult, error) {
	res, err := c.resource(kind, namespace)
	if err != nil {
		return ListResult{}, errors.Trace(err)
	}
	list, err := res.List(ctx, metav1.ListOptions{})
	if err != nil {
		return ListResult{}, classify(err)
	}
	result := ListResult{
		ResourceVersion: list.GetResourceVersion(),
		Items:           make([]map[string]any, 0, len(list.Items)),
	}
	for _, item := range list.Items {
		result.Items = append(result.Items, item.Object)
	}
	return result, nil
}

// Watch opens a watch on kind from resourceVersion. The server closes the
// stream after timeout.
func (c *Client) Watch(ctx context.Context, kind, namespace, resourceVersion string, timeout time.Duration) (watch.Interface, error) {
	res, err := c.resource(kind, namespace)
	if err != nil {
		return nil, errors.Trace(err)
	}
	seconds := int64(timeout / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	logger.Tracef("watching %s in %q from %q", kind, namespace, resourceVersion)
	w, err := res.Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		TimeoutSeconds:      &seconds,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

// IsStale reports whether err means the requested resource version has
// been compacted away.
func IsStale(err error) bool {
	if errors.Is(err, coreerrors.StaleVersion) {
		return true
	}
	cause := errors.Cause(err)
	return k8serrors.IsResourceExpired(cause) || k8serrors.IsGone(cause)
}

// StatusError converts the object of a watch.Error event into an error.
func StatusError(ev watch.Event) error {
	err := k8serrors.FromObject(ev.Object)
	if IsStale(err) {
		return errors.Annotate(coreerrors.StaleVersion, err.Error())
	}
	return err
}

func classify(err error) error {
	if IsStale(err) {
		return errors.Annotate(coreerrors.StaleVersion, err.Error())
	}
	return errors.Trace(err)
}
