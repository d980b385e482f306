// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package principal

// SystemID is the identity used for calls the agent makes on its own
// behalf, such as periodic snapshots.
const SystemID = "system"

// Principal is an authenticated identity bound to a connection or to a
// relayed call.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// System returns the synthetic principal used for internal calls.
func System() Principal {
	return Principal{ID: SystemID, Username: SystemID}
}

// IsZero reports whether p carries no identity.
func (p Principal) IsZero() bool {
	return p.ID == ""
}

// String returns the username if set, otherwise the id.
func (p Principal) String() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}
