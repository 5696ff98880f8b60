// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"

	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/appservice"
)

// Identity is the authenticated principal of a request. Exactly one
// shape is populated: a local user (User and Device), an appservice
// acting as a user in its namespace (User and Appservice, no Device),
// or a remote server (Origin).
type Identity struct {
	User       ref.UserID
	Device     ref.DeviceID
	Appservice *appservice.Info
	Origin     ref.ServerName
}

type identityKey struct{}

// WithIdentity attaches the authenticated identity to the request
// context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the auth middleware,
// or the zero Identity when the request was not authenticated.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
