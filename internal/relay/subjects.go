// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"strings"
)

// ServerCommandSubject carries fire-and-forget commands to every agent.
const ServerCommandSubject = "server.cmd"

// RegisterSubject is where the agent registers itself.
func RegisterSubject(clusterID string) string {
	return "register.client." + clusterID
}

// StatusSubject is the periodic liveness subject.
func StatusSubject(clusterID string) string {
	return "status.client." + clusterID
}

// OnlineSubject answers health checks.
func OnlineSubject(clusterID string) string {
	return "agent." + clusterID + ".online"
}

// RequestSubject carries relayed RPC requests.
func RequestSubject(clusterID string) string {
	return "agent." + clusterID + ".request"
}

// UserWatchSubject carries watch control messages.
func UserWatchSubject(clusterID string) string {
	return "event.user.watch." + clusterID
}

// GlobalEventSubject carries events of global watches.
func GlobalEventSubject(clusterID string) string {
	return "event.global." + clusterID
}

// UserEventSubject carries events of one consumer's watches.
func UserEventSubject(clusterID, consumer string) string {
	return "event.user." + clusterID + "." + subjectToken(consumer)
}

// BucketName is the per cluster snapshot bucket.
func BucketName(clusterID string) string {
	return "kv-" + clusterID
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	return tokenReplacer.Replace(s)
}
