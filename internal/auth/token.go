// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth verifies bearer tokens presented by websocket clients and
// resolves them to principals.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/canonical/velero-relay/core/principal"
)

const (
	// UsernameClaim is the private claim carrying the display username.
	UsernameClaim = "username"

	bearerPrefix = "bearer "
)

// TokenAuthenticator validates HMAC signed JWTs.
type TokenAuthenticator struct {
	secret []byte
	issuer string
	clock  clock.Clock
	skew   time.Duration
	alg    jwa.SignatureAlgorithm
}

// NewTokenAuthenticator returns an authenticator for tokens signed with
// secret. An empty issuer accepts any issuer.
func NewTokenAuthenticator(secret []byte, issuer string, clk clock.Clock) (*TokenAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.NotValidf("empty token secret")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	return &TokenAuthenticator{
		secret: secret,
		issuer: issuer,
		clock:  clk,
		skew:   30 * time.Second,
		alg:    jwa.HS256,
	}, nil
}

// Authenticate parses and validates token, returning the principal it was
// issued to. Any failure is reported as errors.Unauthorized.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (principal.Principal, error) {
	raw := strings.TrimSpace(token)
	if len(raw) >= len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		raw = strings.TrimSpace(raw[len(bearerPrefix):])
	}
	if raw == "" {
		return principal.Principal{}, errors.Unauthorizedf("no credentials provided")
	}

	options := []jwt.ParseOption{
		jwt.WithKey(a.alg, a.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(a.clock.Now)),
		jwt.WithAcceptableSkew(a.skew),
	}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.Parse([]byte(raw), options...)
	if err != nil {
		return principal.Principal{}, errors.Unauthorizedf("invalid token: %v", err)
	}
	subject := parsed.Subject()
	if subject == "" {
		return principal.Principal{}, errors.Unauthorizedf("token has no subject")
	}
	p := principal.Principal{ID: subject, Username: subject}
	if v, ok := parsed.Get(UsernameClaim); ok {
		if name, ok := v.(string); ok && name != "" {
			p.Username = name
		}
	}
	return p, nil
}

// Issue signs a token for p valid for ttl. It is used by tooling and tests.
func (a *TokenAuthenticator) Issue(p principal.Principal, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	builder := jwt.NewBuilder().
		Subject(p.ID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim(UsernameClaim, p.Username)
	if a.issuer != "" {
		builder = builder.Issuer(a.issuer)
	}
	token, err := builder.Build()
	if err != nil {
		return "", errors.Trace(err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(a.alg, a.secret))
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(signed), nil
}
