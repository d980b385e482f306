// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kubernetes

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/juju/loggo/v2"
	"k8s.io/klog/v2"
)

// RouteKlog sends client-go's klog output through loggo so it honours the
// agent's logging configuration.
func RouteKlog() {
	klog.SetLogger(logr.New(newKlogSink(loggo.GetLogger("velero.relay.kubernetes.klog"))))
}

// klogSink adapts a loggo logger to logr.LogSink.
type klogSink struct {
	logger loggo.Logger
	name   string
	values []any
}

func newKlogSink(logger loggo.Logger) *klogSink {
	return &klogSink{logger: logger}
}

func (k *klogSink) Init(logr.RuntimeInfo) {}

func (k *klogSink) Enabled(level int) bool {
	if level > 0 {
		return k.logger.IsTraceEnabled()
	}
	return k.logger.IsDebugEnabled()
}

func (k *klogSink) Info(level int, msg string, keysAndValues ...any) {
	if level > 0 {
		k.logger.Tracef("%s", k.format(msg, keysAndValues))
		return
	}
	k.logger.Debugf("%s", k.format(msg, keysAndValues))
}

func (k *klogSink) Error(err error, msg string, keysAndValues ...any) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	k.logger.Errorf("%s", k.format(msg, keysAndValues))
}

func (k *klogSink) WithValues(keysAndValues ...any) logr.LogSink {
	values := append(append([]any{}, k.values...), keysAndValues...)
	return &klogSink{logger: k.logger, name: k.name, values: values}
}

func (k *klogSink) WithName(name string) logr.LogSink {
	if k.name != "" {
		name = k.name + "." + name
	}
	return &klogSink{logger: k.logger, name: name, values: k.values}
}

func (k *klogSink) format(msg string, keysAndValues []any) string {
	var b strings.Builder
	if k.name != "" {
		b.WriteString(k.name)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	all := append(append([]any{}, k.values...), keysAndValues...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	return b.String()
}
