// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the release of this build.
package version

// AppName is the name the agent reports itself under.
const AppName = "velero-relay"

// Current is overridden at link time with -ldflags "-X".
var Current = "0.1.0-dev"
