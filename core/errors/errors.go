// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package errors holds the error kinds shared by the relay components that
// are not already provided by github.com/juju/errors.
//
// The remaining kinds of the relay error taxonomy map onto juju/errors
// directly: authentication failures are errors.Unauthorized, missing
// handlers or resource kinds are errors.NotFound and reply timeouts are
// errors.Timeout.
package errors

import (
	"github.com/juju/errors"
)

const (
	// Transport describes a bus or socket that could not be reached or
	// that dropped underneath an operation.
	Transport = errors.ConstError("transport unavailable")

	// StaleVersion describes a watch cursor that the api server no longer
	// holds history for.
	StaleVersion = errors.ConstError("resource version too old")

	// Protocol describes a malformed frame, command or message.
	Protocol = errors.ConstError("protocol violation")

	// NoResponders is returned by a bus request that nobody is
	// subscribed to answer.
	NoResponders = errors.ConstError("no responders")
)
