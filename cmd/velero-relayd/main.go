// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/velero-relay/core/principal"
	"github.com/canonical/velero-relay/internal/auth"
	"github.com/canonical/velero-relay/internal/config"
	"github.com/canonical/velero-relay/internal/dispatch"
	"github.com/canonical/velero-relay/internal/handlers"
	"github.com/canonical/velero-relay/internal/kubernetes"
	"github.com/canonical/velero-relay/internal/natsbus"
	"github.com/canonical/velero-relay/internal/relay"
	"github.com/canonical/velero-relay/internal/resourcewatcher"
	"github.com/canonical/velero-relay/internal/version"
	"github.com/canonical/velero-relay/internal/wshub"
)

var logger = loggo.GetLogger("velero.relay")

const shutdownTimeout = 10 * time.Second

type commandLineArgs struct {
	configPath  string
	showVersion bool
}

func parseArgs(stderr io.Writer, args []string) (commandLineArgs, error) {
	flags := gnuflag.NewFlagSet(version.AppName, gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	var a commandLineArgs
	flags.StringVar(&a.configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&a.configPath, "c", "", "")
	flags.BoolVar(&a.showVersion, "version", false, "print the version and exit")
	if err := flags.Parse(true, args); err != nil {
		return commandLineArgs{}, errors.Trace(err)
	}
	if extra := flags.Args(); len(extra) > 0 {
		return commandLineArgs{}, errors.Errorf("unrecognized args: %q", extra)
	}
	return a, nil
}

func checkErr(label string, err error) {
	if err != nil {
		logger.Errorf("%s: %s", label, err)
		os.Exit(1)
	}
}

func main() {
	args, err := parseArgs(os.Stderr, os.Args[1:])
	if errors.Is(err, gnuflag.ErrHelp) {
		return
	}
	checkErr("parsing arguments", err)
	if args.showVersion {
		fmt.Println(version.Current)
		return
	}

	cfg, err := config.Load(args.configPath, nil)
	checkErr("loading config", err)
	checkErr("configuring logging", loggo.ConfigureLoggers(cfg.LoggingConfig))
	kubernetes.RouteKlog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	checkErr("running agent", run(ctx, cfg))
}

// agent is the set of workers making up a running relay.
type agent struct {
	watcher *resourcewatcher.Watcher
	hub     *wshub.Hub
	bridge  *relay.Bridge
	table   *dispatch.Table
	fanout  *resourcewatcher.FanOut
	metrics *prometheus.Registry
}

func newAgent(cfg config.Config, client resourcewatcher.ResourceClient, lister handlers.Lister, dial relay.Dialer) (_ *agent, err error) {
	a := &agent{
		table:   dispatch.NewTable(),
		fanout:  resourcewatcher.NewFanOut(),
		metrics: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.stop()
		}
	}()

	watcherMetrics := resourcewatcher.NewMetrics()
	hubMetrics := wshub.NewMetrics()
	relayMetrics := relay.NewMetrics()
	for _, collector := range []prometheus.Collector{
		watcherMetrics, hubMetrics, relayMetrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := a.metrics.Register(collector); err != nil {
			return nil, errors.Annotate(err, "registering metrics")
		}
	}

	a.watcher, err = resourcewatcher.NewWatcher(resourcewatcher.Config{
		Client:       client,
		Sink:         a.fanout,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("velero.relay.resourcewatcher"),
		Namespace:    cfg.Namespace,
		AgentName:    cfg.AgentName,
		WatchTimeout: cfg.Watch.Timeout,
		RetryDelay:   cfg.Watch.RetryDelay,
		Metrics:      watcherMetrics,
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting resource watcher")
	}

	err = handlers.Register(a.table, handlers.Config{
		Info: handlers.Info{
			AppName:   version.AppName,
			Version:   version.Current,
			ClusterID: cfg.ClusterID,
			AgentName: cfg.AgentName,
		},
		Resources: lister,
		Watcher:   a.watcher,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, errors.Annotate(err, "registering routes")
	}

	issuer := cfg.Auth.Issuer
	if issuer == "" {
		issuer = version.AppName
	}
	authenticator, err := auth.NewTokenAuthenticator([]byte(cfg.Auth.Secret), issuer, clock.WallClock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.hub, err = wshub.NewHub(wshub.Config{
		Authenticator: authenticator,
		Watcher:       a.watcher,
		Clock:         clock.WallClock,
		Logger:        loggo.GetLogger("velero.relay.wshub"),
		AuthTimeout:   cfg.Hub.AuthTimeout,
		IdleTimeout:   cfg.Hub.IdleTimeout,
		PingPeriod:    cfg.Hub.PingPeriod,
		WriteTimeout:  cfg.Hub.WriteTimeout,
		Commands: map[string]wshub.CommandFunc{
			"request": requestCommand(a.table),
		},
		Metrics: hubMetrics,
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting websocket hub")
	}
	a.fanout.Add(a.hub.EventSink())

	if dial != nil {
		a.bridge, err = relay.NewBridge(relay.Config{
			Dial:           dial,
			Dispatcher:     a.table,
			Watcher:        a.watcher,
			Clock:          clock.WallClock,
			Logger:         loggo.GetLogger("velero.relay.bridge"),
			ClusterID:      cfg.ClusterID,
			AgentName:      cfg.AgentName,
			Jobs:           cfg.Relay.Snapshots,
			RequestTimeout: cfg.Relay.RequestTimeout,
			ReplyTimeout:   cfg.Relay.ReplyTimeout,
			RetryDelay:     cfg.Relay.RetryDelay,
			TickInterval:   cfg.Relay.TickInterval,
			StatusInterval: cfg.Relay.StatusInterval,
			Metrics:        relayMetrics,
		})
		if err != nil {
			return nil, errors.Annotate(err, "starting relay bridge")
		}
		a.fanout.Add(a.bridge.EventSink())
	}

	for _, kind := range cfg.Watch.Global {
		if err := a.watcher.StartWatch(resourcewatcher.WatchRequest{Kind: kind}); err != nil {
			return nil, errors.Annotatef(err, "watching %q", kind)
		}
	}
	return a, nil
}

// routes returns the HTTP surface of the agent.
func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := map[string]any{
			"version": version.Current,
			"watcher": a.watcher.Report(),
			"hub":     a.hub.Report(),
		}
		if a.bridge != nil {
			report["relay"] = a.bridge.Report()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Debugf("writing health report: %v", err)
		}
	})
	return mux
}

func (a *agent) workers() []worker.Worker {
	var workers []worker.Worker
	// The bridge and hub go first so nothing is delivered to them once
	// the watcher stops.
	if a.bridge != nil {
		workers = append(workers, a.bridge)
	}
	if a.hub != nil {
		workers = append(workers, a.hub)
	}
	if a.watcher != nil {
		workers = append(workers, a.watcher)
	}
	return workers
}

func (a *agent) stop() error {
	var lastErr error
	for _, w := range a.workers() {
		if err := worker.Stop(w); err != nil {
			logger.Warningf("stopping worker: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

func run(ctx context.Context, cfg config.Config) error {
	restConfig, err := kubernetes.RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return errors.Trace(err)
	}
	client, err := kubernetes.NewClientForConfig(restConfig)
	if err != nil {
		return errors.Trace(err)
	}
	var dial relay.Dialer
	if cfg.RelayEnabled() {
		dial = natsbus.Dialer(natsbus.Config{
			URL:             cfg.NATS.URL,
			Name:            fmt.Sprintf("%s-%s", cfg.AgentName, cfg.ClusterID),
			Token:           cfg.NATS.Token,
			CredentialsFile: cfg.NATS.CredentialsFile,
			ConnectTimeout:  cfg.NATS.ConnectTimeout,
			Logger:          loggo.GetLogger("velero.relay.natsbus"),
		})
	} else {
		logger.Infof("no bus configured, relay disabled")
	}

	a, err := newAgent(cfg, client, client, dial)
	if err != nil {
		return errors.Trace(err)
	}
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("%s %s listening on %s", version.AppName, version.Current, cfg.ListenAddress)
		serveErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
	case err := <-serveErr:
		if err != http.ErrServerClosed {
			runErr = errors.Annotate(err, "serving http")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("shutting down http server: %v", err)
	}
	if err := a.stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type requestPayload struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Params json.RawMessage `json:"params"`
}

// requestCommand lets websocket clients run routes of the table as
// themselves.
func requestCommand(table *dispatch.Table) wshub.CommandFunc {
	return func(ctx context.Context, p principal.Principal, cmd wshub.Command) (any, error) {
		var payload requestPayload
		if len(cmd.Payload) == 0 {
			return nil, errors.NotValidf("empty request payload")
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return nil, errors.NewNotValid(err, "request payload")
		}
		if payload.Method == "" {
			payload.Method = http.MethodGet
		}
		return table.Invoke(ctx, dispatch.Call{
			Method:    payload.Method,
			Path:      payload.Path,
			Params:    payload.Params,
			Principal: p,
		})
	}
}
